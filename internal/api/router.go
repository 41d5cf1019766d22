package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/markwise/internal/api/middleware"
	"github.com/kiranshivaraju/markwise/internal/api/response"
	"github.com/kiranshivaraju/markwise/internal/metrics"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Logger    *slog.Logger
	RateLimit *mw.RateLimit
	Metrics   *metrics.Metrics

	HealthHandler      http.HandlerFunc
	SubmitHandler      http.HandlerFunc
	SubmitBatchHandler http.HandlerFunc
	StatusHandler      http.HandlerFunc
	MetricsHandler     http.Handler
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger(deps.Logger))
	r.Use(mw.Recovery(deps.Logger))
	r.Use(mw.Metrics(deps.Metrics))

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/corrections", orNotImplemented(deps.SubmitHandler))
		r.Post("/api/v1/corrections/batch", orNotImplemented(deps.SubmitBatchHandler))
		r.Get("/api/v1/corrections/{jobID}", orNotImplemented(deps.StatusHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
