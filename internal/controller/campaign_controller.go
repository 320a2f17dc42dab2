// internal/controller/campaign_controller.go
package controller

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailing-service/internal/errors"
	"github.com/unclebandit/mailing-service/internal/model"
	"github.com/unclebandit/mailing-service/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Logger          zerolog.Logger
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CampaignInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, c.Logger, err)
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	var status *model.CampaignStatus
	if raw := q.Get("status"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, c.Logger, appErrors.NewValidation("status", "A valid integer is required."))
			return
		}
		s, err := model.ParseCampaignStatus(n)
		if err != nil {
			writeError(w, c.Logger, appErrors.NewValidation("status", err.Error()))
			return
		}
		status = &s
	}

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, status)
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination, // already contains total_count, total_pages, page, page_size
	})
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}

	campaign, err := c.CampaignService.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}
	var patch service.CampaignPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, c.Logger, err)
		return
	}

	campaign, err := c.CampaignService.UpdateCampaign(r.Context(), id, patch)
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

// DeleteCampaign answers 204 when the campaign is gone and 200 with the
// campaign body when it was revoked in place.
func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}

	res, err := c.CampaignService.DeleteCampaign(r.Context(), id)
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}
	if res.Deleted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
