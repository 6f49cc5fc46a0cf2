package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/genwatch/internal/api/response"
	"github.com/kiranshivaraju/genwatch/internal/store"
	"github.com/kiranshivaraju/genwatch/pkg/models"
)

const maxHistoryLimit = 100

// NewListHistoryHandler returns an http.HandlerFunc for
// GET /api/v1/history?status=&page=&limit=.
func NewListHistoryHandler(svc Watcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var filter store.HistoryFilter
		if raw := q.Get("status"); raw != "" {
			st, err := models.ParseJobStatus(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
				return
			}
			filter.Status = st
		}

		var ok bool
		if filter.Page, ok = intParam(w, q.Get("page"), "page"); !ok {
			return
		}
		if filter.Limit, ok = intParam(w, q.Get("limit"), "limit"); !ok {
			return
		}
		if filter.Limit > maxHistoryLimit {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "limit cannot exceed 100", nil)
			return
		}
		filter = filter.Normalize()

		entries, total, err := svc.History(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if entries == nil {
			entries = []*store.HistoryEntry{}
		}
		response.Collection(w, entries, response.NewPaginationMeta(filter.Page, filter.Limit, total))
	}
}

// NewGetHistoryHandler returns an http.HandlerFunc for GET /api/v1/history/{jobID}.
func NewGetHistoryHandler(svc Watcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := svc.HistoryEntry(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, entry)
	}
}
