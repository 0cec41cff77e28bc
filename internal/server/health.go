package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/inkboard/internal/pipeline"
)

type healthBody struct {
	Status      string            `json:"status"`
	Connections *int              `json:"connections,omitempty"`
	DroppedJobs *uint64           `json:"droppedJobs,omitempty"`
	Worker      *pipeline.Stats   `json:"worker,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
}

func healthHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := healthBody{Status: "ok"}
		code := http.StatusOK

		if deps.Connections != nil {
			n := deps.Connections()
			body.Connections = &n
		}
		if deps.Dropped != nil {
			n := deps.Dropped()
			body.DroppedJobs = &n
		}

		if deps.WorkerStats != nil {
			st := deps.WorkerStats()
			body.Worker = &st
		}

		if len(deps.Checks) > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			body.Checks = make(map[string]string, len(deps.Checks))
			for name, check := range deps.Checks {
				if err := check(ctx); err != nil {
					log.Warn().Err(err).Str("check", name).Msg("healthz: check failed")
					body.Checks[name] = "unavailable"
					body.Status = "degraded"
					code = http.StatusServiceUnavailable
					continue
				}
				body.Checks[name] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}
