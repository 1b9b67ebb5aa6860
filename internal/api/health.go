package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// Health runs every check and reports 503 if any fails.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.Checks))
	for _, c := range h.Checks {
		if err := c.Fn(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[c.Name] = err.Error()
			continue
		}
		checks[c.Name] = "ok"
	}

	body := map[string]any{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if h.Queue != nil {
		if depth, err := h.Queue.Depth(ctx); err == nil {
			body["queueDepth"] = depth
		}
	}
	render.Status(r, status)
	render.JSON(w, r, body)
}
