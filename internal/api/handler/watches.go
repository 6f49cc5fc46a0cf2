package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/genwatch/internal/api/response"
)

type watchList struct {
	JobIDs []string `json:"job_ids"`
	Count  int      `json:"count"`
}

type watchState struct {
	JobID    string `json:"job_id"`
	Tracking bool   `json:"tracking"`
	Started  bool   `json:"started"`
}

// NewListWatchesHandler returns an http.HandlerFunc for GET /api/v1/watches.
func NewListWatchesHandler(svc Watcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := svc.Active()
		response.JSON(w, watchList{JobIDs: ids, Count: len(ids)})
	}
}

// NewPutWatchHandler returns an http.HandlerFunc for PUT /api/v1/watches/{jobID}.
// 202 when tracking starts, 200 when the job was already tracked.
func NewPutWatchHandler(svc Watcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimSpace(chi.URLParam(r, "jobID"))
		if jobID == "" {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "job id is required", nil)
			return
		}

		state := watchState{JobID: jobID, Tracking: true, Started: svc.Track(jobID)}
		if state.Started {
			response.Accepted(w, state)
			return
		}
		response.JSON(w, state)
	}
}

// NewDeleteWatchHandler returns an http.HandlerFunc for DELETE /api/v1/watches/{jobID}.
func NewDeleteWatchHandler(svc Watcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !svc.Untrack(chi.URLParam(r, "jobID")) {
			response.Error(w, http.StatusNotFound, response.CodeJobNotFound, "Job is not being tracked", nil)
			return
		}
		response.NoContent(w)
	}
}
