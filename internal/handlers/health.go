package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks a backing dependency.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Health responds 200 while the database answers and 503 once it does not.
// A nil pinger only reports liveness.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		status := http.StatusOK

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				logger(r).Warn().Err(err).Msg("health: database ping failed")
				payload["status"] = "degraded"
				payload["database"] = "unreachable"
				status = http.StatusServiceUnavailable
			}
		}

		writeJSON(w, status, payload)
	}
}
