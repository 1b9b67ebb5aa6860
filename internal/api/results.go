package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/pkg/errors"

	"forgescan/tool-runner/internal/report"
)

const maxListLimit = 500

func (h *Handlers) GetResult(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	res, err := h.Results.Get(r.Context(), runID)
	if errors.Is(err, report.ErrNotFound) {
		renderError(w, r, http.StatusNotFound, "result not found")
		return
	}
	if err != nil {
		h.Logger.Error().Err(err).Str("run_id", runID).Msg("result lookup failed")
		renderError(w, r, http.StatusServiceUnavailable, "results unavailable")
		return
	}
	render.JSON(w, r, res)
}

func (h *Handlers) ListResults(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			renderError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}

	results, err := h.Results.Recent(r.Context(), limit)
	if err != nil {
		h.Logger.Error().Err(err).Msg("listing results failed")
		renderError(w, r, http.StatusServiceUnavailable, "results unavailable")
		return
	}
	render.JSON(w, r, map[string]any{"results": results, "count": len(results)})
}
