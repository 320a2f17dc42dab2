package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailing-service/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var v *appErrors.ValidationError
	switch {
	case errors.As(err, &v):
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": v.Fields})
	case appErrors.IsNotFound(err):
		writeDetail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, appErrors.ErrCampaignNotEditable), errors.Is(err, appErrors.ErrCampaignNotDeletable):
		writeDetail(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		writeDetail(w, http.StatusInternalServerError, "internal server error")
	}
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		return 0, appErrors.NewValidation("id", "A valid integer is required.")
	}
	return id, nil
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return appErrors.NewValidation("non_field_errors", "invalid body: "+err.Error())
	}
	return nil
}
