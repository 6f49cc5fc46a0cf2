package store

import (
	"context"
	"errors"
	"time"

	"github.com/kiranshivaraju/genwatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// Store is the data access interface for job history.
type Store interface {
	Ping(ctx context.Context) error
	UpsertJob(ctx context.Context, rec models.StatusRecord) error
	SetArchiveLocation(ctx context.Context, jobID, location string) error
	GetJob(ctx context.Context, jobID string) (*HistoryEntry, error)
	ListJobs(ctx context.Context, filter HistoryFilter) ([]*HistoryEntry, int, error)
}

// HistoryEntry is a persisted status record plus bookkeeping columns.
type HistoryEntry struct {
	models.StatusRecord
	ArchiveLocation string    `json:"archive_location,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
}

type HistoryFilter struct {
	// Status restricts results to one state; empty means all.
	Status models.JobStatus
	Page   int
	Limit  int
}

// Normalize applies paging defaults: page 1, limit 20, limit capped at 100.
func (f HistoryFilter) Normalize() HistoryFilter {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	return f
}

func (f HistoryFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}
