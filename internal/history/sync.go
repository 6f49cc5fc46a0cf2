// Package history copies completed jobs from the remote service into the
// local history store on a cron schedule.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/genwatch/internal/telemetry"
	"github.com/kiranshivaraju/genwatch/pkg/models"
	"github.com/robfig/cron/v3"
)

// Lister is the slice of the gateway the syncer reads from.
type Lister interface {
	ListJobs(ctx context.Context, filter models.ListFilter, offset, limit int) ([]models.StatusRecord, error)
}

// Recorder is the slice of the store the syncer writes to.
type Recorder interface {
	UpsertJob(ctx context.Context, rec models.StatusRecord) error
}

const (
	defaultPageSize = 50
	defaultMaxPages = 20
	runTimeout      = 2 * time.Minute
)

// Syncer backfills the history store from the remote job list on a cron schedule.
type Syncer struct {
	lister   Lister
	recorder Recorder
	pageSize int
	maxPages int
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

type Option func(*Syncer)

func WithPageSize(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithMaxPages bounds how far back one run reads.
func WithMaxPages(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.maxPages = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSyncer returns a Syncer reading from lister and writing to recorder.
func NewSyncer(lister Lister, recorder Recorder, opts ...Option) *Syncer {
	s := &Syncer{
		lister:   lister,
		recorder: recorder,
		pageSize: defaultPageSize,
		maxPages: defaultMaxPages,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncOnce pages through completed jobs newest first and upserts each one.
// It stops at the first short page or after maxPages.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	synced := 0
	for page := 0; page < s.maxPages; page++ {
		recs, err := s.lister.ListJobs(ctx, models.ListCompleted, page*s.pageSize, s.pageSize)
		if err != nil {
			return synced, fmt.Errorf("list completed page %d: %w", page, err)
		}
		for _, rec := range recs {
			if !rec.Terminal() {
				continue
			}
			if err := s.recorder.UpsertJob(ctx, rec); err != nil {
				return synced, fmt.Errorf("record %s: %w", rec.ID, err)
			}
			synced++
			telemetry.HistorySynced.Inc()
		}
		if len(recs) < s.pageSize {
			break
		}
	}
	return synced, nil
}

// Start schedules SyncOnce with a standard cron expression. Runs never overlap.
func (s *Syncer) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("history sync already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, s.run); err != nil {
		return fmt.Errorf("schedule history sync %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("history sync scheduled", "schedule", spec, "page_size", s.pageSize)
	return nil
}

// Stop halts the schedule and waits for a running sync to finish.
func (s *Syncer) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (s *Syncer) run() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	start := time.Now()
	n, err := s.SyncOnce(ctx)
	if err != nil {
		s.logger.Error("history sync failed", "synced", n, "error", err)
		return
	}
	s.logger.Info("history sync complete", "synced", n, "duration_ms", time.Since(start).Milliseconds())
}
