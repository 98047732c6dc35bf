package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/health"
)

// HealthHandler returns the aggregated system health. A critical system
// answers 503 so load balancers can act on it.
func HealthHandler(agg *health.Aggregator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := agg.Snapshot(r.Context())
		if err != nil {
			logger.Error("health snapshot failed", "error", err)
			respondError(w, http.StatusInternalServerError, "failed to collect health metrics")
			return
		}

		status := http.StatusOK
		if snapshot.Status == health.StatusCritical {
			status = http.StatusServiceUnavailable
		}
		respondJSON(w, status, snapshot)
	}
}

// Pinger is a backing service pinged by the /ready endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type readiness struct {
	Ready        bool              `json:"ready"`
	Dependencies map[string]string `json:"dependencies"`
}

// ReadyHandler pings every dependency and answers 503 if any is unreachable.
func ReadyHandler(deps map[string]Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := readiness{Ready: true, Dependencies: make(map[string]string, len(deps))}
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				logger.Warn("dependency not ready", "dependency", name, "error", err)
				resp.Ready = false
				resp.Dependencies[name] = err.Error()
				continue
			}
			resp.Dependencies[name] = "ok"
		}

		status := http.StatusOK
		if !resp.Ready {
			status = http.StatusServiceUnavailable
		}
		respondJSON(w, status, resp)
	}
}
