package controller

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailing-service/internal/errors"
	"github.com/unclebandit/mailing-service/internal/model"
	"github.com/unclebandit/mailing-service/internal/service"
)

type StatisticsController struct {
	StatisticsService *service.StatisticsService
	Logger            zerolog.Logger
}

// Summary lists per-campaign rollups for ?date=YYYY-MM-DD, or for every campaign
// when no date is given.
func (c *StatisticsController) Summary(w http.ResponseWriter, r *http.Request) {
	var (
		stats []model.CampaignStats
		err   error
	)
	if raw := r.URL.Query().Get("date"); raw != "" {
		date, perr := time.Parse(time.DateOnly, raw)
		if perr != nil {
			writeError(w, c.Logger, appErrors.NewValidation("date", "Date has wrong format. Use YYYY-MM-DD."))
			return
		}
		stats, err = c.StatisticsService.ForDate(r.Context(), date)
	} else {
		stats, err = c.StatisticsService.Overall(r.Context())
	}
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}
	if stats == nil {
		stats = []model.CampaignStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (c *StatisticsController) Detail(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}

	detail, err := c.StatisticsService.Detail(r.Context(), id)
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}
