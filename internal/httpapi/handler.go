// Package httpapi exposes the minimal admin HTTP surface spec.md §6 names
// in detail: health, Prometheus metrics, and the active-runs snapshot. The
// full Schedule/Job/Session CRUD API and authentication are the external
// HTTP/UI layer's concern and are out of scope here.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cafeauto/backbone/internal/metrics"
	"github.com/cafeauto/backbone/internal/services/jobs"
	"github.com/cafeauto/backbone/internal/services/runs"
	"github.com/cafeauto/backbone/pkg/logger"
)

// handler bundles the read-only services this surface queries.
type handler struct {
	runs *runs.Service
	jobs *jobs.Service
	log  *logger.Logger
}

// NewRouter returns a chi.Mux exposing /healthz, /metrics, and
// /runs/active.
func NewRouter(runsSvc *runs.Service, jobsSvc *jobs.Service, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("http")
	}
	h := &handler{runs: runsSvc, jobs: jobsSvc, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/runs/active", h.activeRuns)

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	respond(w, h.log, http.StatusOK, map[string]string{"status": "ok"})
}
