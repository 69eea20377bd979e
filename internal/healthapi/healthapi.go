// Package healthapi mounts the library's health and metrics surface: a
// thin chi router serving only /healthz, /readyz, and /metrics. It
// carries no chat or inference routes — the client talks to the engine
// over IPC, never HTTP — mirroring the teacher's NewMux but trimmed to
// the observability subset a host application mounts on its own
// listener (§ non-goal: "expose an HTTP server").
package healthapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"orchard/internal/metrics"
	"orchard/pkg/types"
)

// StatusProvider reports the engine's current readiness and last known
// telemetry for the /healthz and /readyz handlers.
type StatusProvider interface {
	EngineReady() bool
	LastTelemetry() types.TelemetrySnapshot
}

// NewMux builds the health/metrics router. The host embeds it with
// http.Handle or mounts it under a prefix with chi's Mount.
func NewMux(provider StatusProvider) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if provider == nil || !provider.EngineReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "loading"})
			return
		}
		snap := provider.LastTelemetry()
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":          "ready",
			"engine_pid":      snap.PID,
			"gpu_utilization": snap.GPUUtilization(),
		})
	})

	r.Get("/metrics", metrics.Handler().ServeHTTP)

	return r
}
