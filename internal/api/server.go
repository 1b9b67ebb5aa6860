// Package api is the worker's operational HTTP surface: health, metrics, job
// submission for development setups, and read access to reported results.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"forgescan/tool-runner/internal/manifest"
	"forgescan/tool-runner/internal/queue"
	"forgescan/tool-runner/internal/report"
)

// Check is a named dependency check for /healthz.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Handlers struct {
	Queue     queue.Queue
	Results   report.Reader
	Manifests manifest.Provider
	Checks    []Check
	Metrics   http.Handler
	Logger    zerolog.Logger
}

func NewRouter(h *Handlers) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.EnqueueJob)
		})
		r.Route("/results", func(r chi.Router) {
			r.Get("/", h.ListResults)
			r.Get("/{runId}", h.GetResult)
		})
	})
	return r
}

func NewServer(addr string, h *Handlers) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

func renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": msg})
}
