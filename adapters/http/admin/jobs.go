package admin

import (
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/artpar/meterd/pkg/jsonapi"
)

// JobRunResponse reports a manually triggered job run.
type JobRunResponse struct {
	Name     string `json:"name"`
	Duration string `json:"duration"`
}

// ListJobs returns the names of the registered background jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.scheduler.Jobs()
	jsonapi.WriteDataMeta(w, http.StatusOK, jobs, jsonapi.Meta{"total": len(jobs)})
}

// RunJob runs a background job now, outside its schedule.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !slices.Contains(h.scheduler.Jobs(), name) {
		jsonapi.WriteError(w, jsonapi.ErrNotFound("job not found"))
		return
	}

	start := time.Now()
	if err := h.scheduler.RunOnce(r.Context(), name); err != nil {
		h.logger.Error().Err(err).Str("job", name).Msg("manual job run failed")
		jsonapi.WriteError(w, jsonapi.ErrInternal(err.Error()))
		return
	}
	jsonapi.WriteData(w, http.StatusOK, JobRunResponse{
		Name:     name,
		Duration: time.Since(start).Round(time.Millisecond).String(),
	})
}
