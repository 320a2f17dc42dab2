// internal/handler/router.go
package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mailing-service/internal/controller"
)

// NewRouter mounts the campaign and statistics endpoints.
func NewRouter(campaigns *controller.CampaignController, stats *controller.StatisticsController, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Campaign routes
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", campaigns.CreateCampaign)
		r.Get("/", campaigns.ListCampaigns)
		r.Get("/{id}", campaigns.GetCampaign)
		r.Patch("/{id}", campaigns.UpdateCampaign)
		r.Delete("/{id}", campaigns.DeleteCampaign)
	})

	r.Get("/statistics", stats.Summary)
	r.Get("/statistics/{id}", stats.Detail)
	return r
}

// RequestLogger logs one line per request with its status and duration.
func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := log.Info()
			if status >= http.StatusInternalServerError {
				ev = log.Error()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
