package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/genwatch/internal/api/response"
	"github.com/kiranshivaraju/genwatch/pkg/models"
)

const maxSubmitBody = 1 << 20

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitHandler(svc Watcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.GenerateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}

		jobID, err := svc.Submit(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}

		response.Accepted(w, models.JobAccepted{
			JobID:   jobID,
			Status:  string(models.JobStatusPending),
			Message: "Job submitted and tracked",
		})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc Watcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := svc.Snapshot(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, newJobView(svc, rec))
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs. It
// reads straight from the remote service: ?filter=completed&offset=&limit=.
func NewListJobsHandler(svc Watcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		filter := models.ListAll
		switch q.Get("filter") {
		case "", "all":
		case "completed":
			filter = models.ListCompleted
		default:
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "filter must be all or completed", nil)
			return
		}

		offset, ok := intParam(w, q.Get("offset"), "offset")
		if !ok {
			return
		}
		limit, ok := intParam(w, q.Get("limit"), "limit")
		if !ok {
			return
		}

		recs, err := svc.Recent(r.Context(), filter, offset, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}

		views := make([]jobView, 0, len(recs))
		for _, rec := range recs {
			views = append(views, newJobView(svc, rec))
		}
		response.JSON(w, views)
	}
}

// intParam parses an optional non-negative integer query parameter. An
// empty value yields 0.
func intParam(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, name+" must be a non-negative integer", nil)
		return 0, false
	}
	return n, true
}
