package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/markwise/internal/api/response"
)

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

const healthTimeout = 2 * time.Second

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
// Nil checks are skipped.
func NewHealthHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		results := make(map[string]string, len(checks))
		degraded := false
		for name, p := range checks {
			if p == nil {
				continue
			}
			if err := p.Ping(ctx); err != nil {
				results[name] = "degraded"
				degraded = true
				continue
			}
			results[name] = "ok"
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", results)
			return
		}
		response.JSON(w, map[string]any{"status": "ok", "checks": results})
	}
}
