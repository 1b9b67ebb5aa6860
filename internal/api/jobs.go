package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"forgescan/tool-runner/internal/manifest"
	"forgescan/tool-runner/internal/model"
	"forgescan/tool-runner/internal/security"
)

const maxJobBody = 1 << 20

// EnqueueJob validates the envelope and queues the job. Params, target and
// scope are checked by the worker, which reports any rejection as a Result.
func (h *Handlers) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var job model.Job
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJobBody))
	if err := dec.Decode(&job); err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if job.RunID == "" {
		job.RunID = uuid.NewString()
	}
	if err := security.ValidateJob(&job); err != nil {
		renderError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if h.Manifests != nil {
		if _, err := h.Manifests.Get(job.ToolName); errors.Is(err, manifest.ErrUnknownTool) {
			renderError(w, r, http.StatusUnprocessableEntity, "unknown tool")
			return
		}
	}
	job.EnqueuedAt = time.Now().UTC()

	if err := h.Queue.Enqueue(r.Context(), &job); err != nil {
		h.Logger.Error().Err(err).Str("run_id", job.RunID).Msg("enqueue failed")
		renderError(w, r, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	h.Logger.Info().Str("run_id", job.RunID).Str("tool", job.ToolName).Msg("job enqueued")
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"runId": job.RunID, "status": "queued"})
}
