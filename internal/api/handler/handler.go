// Package handler holds the HTTP handlers for the genwatch API.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/genwatch/internal/api/response"
	"github.com/kiranshivaraju/genwatch/internal/gateway"
	"github.com/kiranshivaraju/genwatch/internal/store"
	"github.com/kiranshivaraju/genwatch/internal/watch"
	"github.com/kiranshivaraju/genwatch/pkg/models"
)

// Watcher is the service surface the handlers depend on.
type Watcher interface {
	Submit(ctx context.Context, req models.GenerateRequest) (string, error)
	Track(jobID string) bool
	Untrack(jobID string) bool
	Active() []string
	IsTracking(jobID string) bool
	Snapshot(ctx context.Context, jobID string) (models.StatusRecord, error)
	ArtifactURL(rec models.StatusRecord) string
	Recent(ctx context.Context, filter models.ListFilter, offset, limit int) ([]models.StatusRecord, error)
	History(ctx context.Context, filter store.HistoryFilter) ([]*store.HistoryEntry, int, error)
	HistoryEntry(ctx context.Context, jobID string) (*store.HistoryEntry, error)
}

var _ Watcher = (*watch.Service)(nil)

// jobView is a status record as returned by the API.
type jobView struct {
	models.StatusRecord
	ArtifactURL string `json:"artifact_url,omitempty"`
	Tracking    bool   `json:"tracking"`
}

func newJobView(w Watcher, rec models.StatusRecord) jobView {
	return jobView{
		StatusRecord: rec,
		ArtifactURL:  w.ArtifactURL(rec),
		Tracking:     w.IsTracking(rec.ID),
	}
}

// writeError maps service and gateway errors onto the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, watch.ErrEmptyJobID):
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
	case errors.Is(err, watch.ErrHistoryDisabled):
		response.Error(w, http.StatusNotImplemented, response.CodeHistoryDisabled, "History store is not configured", nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeJobNotFound, "Job not found in history", nil)
	case errors.Is(err, gateway.ErrValidation):
		response.Error(w, http.StatusUnprocessableEntity, response.CodeValidationFailed, gateway.Detail(err), nil)
	case errors.Is(err, gateway.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeJobNotFound, gateway.Detail(err), nil)
	case errors.Is(err, gateway.ErrTransport):
		slog.Warn("remote service failure", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusBadGateway, response.CodeRemoteFailure, gateway.Detail(err), nil)
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, response.CodeInternal, "An unexpected error occurred", nil)
	}
}
