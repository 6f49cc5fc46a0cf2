// Package watch ties the polling registry to the daemon's outputs: the
// snapshot cache, live streams, the history store, artifact archiving and
// terminal webhooks.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/genwatch/internal/archive"
	"github.com/kiranshivaraju/genwatch/internal/gateway"
	"github.com/kiranshivaraju/genwatch/internal/notify"
	"github.com/kiranshivaraju/genwatch/internal/poller"
	"github.com/kiranshivaraju/genwatch/internal/store"
	"github.com/kiranshivaraju/genwatch/internal/telemetry"
	"github.com/kiranshivaraju/genwatch/pkg/models"
)

var (
	ErrEmptyJobID      = errors.New("job id is required")
	ErrHistoryDisabled = errors.New("history store not configured")
)

const (
	cacheTimeout  = 2 * time.Second
	finishTimeout = 2 * time.Minute
)

// SnapshotCache holds the latest record per job for fast reads.
type SnapshotCache interface {
	SetSnapshot(ctx context.Context, rec models.StatusRecord, ttl time.Duration) error
	GetSnapshot(ctx context.Context, jobID string) (models.StatusRecord, bool, error)
}

// HistoryStore persists terminal jobs.
type HistoryStore interface {
	UpsertJob(ctx context.Context, rec models.StatusRecord) error
	SetArchiveLocation(ctx context.Context, jobID, location string) error
	GetJob(ctx context.Context, jobID string) (*store.HistoryEntry, error)
	ListJobs(ctx context.Context, filter store.HistoryFilter) ([]*store.HistoryEntry, int, error)
}

// Broadcaster pushes records to live stream subscribers.
type Broadcaster interface {
	Broadcast(rec models.StatusRecord)
	Close(jobID string)
}

// Archiver copies a finished job's artifact to durable storage.
type Archiver interface {
	Archive(ctx context.Context, jobID, artifactURL string) (archive.Result, error)
}

// Deps wires a Service. Gateway and Registry are required; any sink left nil
// is skipped.
type Deps struct {
	Gateway     gateway.Gateway
	Registry    *poller.Registry
	Cache       SnapshotCache
	Store       HistoryStore
	Stream      Broadcaster
	Notifier    notify.Sender
	Archiver    Archiver
	SnapshotTTL time.Duration
	Logger      *slog.Logger
}

// Service tracks jobs and fans their records out to the configured sinks.
type Service struct {
	gw       gateway.Gateway
	registry *poller.Registry
	cache    SnapshotCache
	store    HistoryStore
	stream   Broadcaster
	notifier notify.Sender
	archiver Archiver
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	finishing sync.WaitGroup
}

// New returns a Service wired from d.
func New(d Deps) *Service {
	s := &Service{
		gw:       d.Gateway,
		registry: d.Registry,
		cache:    d.Cache,
		store:    d.Store,
		stream:   d.Stream,
		notifier: d.Notifier,
		archiver: d.Archiver,
		ttl:      d.SnapshotTTL,
		logger:   d.Logger,
		now:      time.Now,
	}
	if s.ttl <= 0 {
		s.ttl = 30 * time.Minute
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Submit creates a job on the remote service and starts tracking it.
func (s *Service) Submit(ctx context.Context, req models.GenerateRequest) (string, error) {
	jobID, err := s.gw.Submit(ctx, req)
	if err != nil {
		return "", err
	}
	s.Track(jobID)
	return jobID, nil
}

// Track starts polling jobID. It returns false when the job was already tracked.
func (s *Service) Track(jobID string) bool {
	if s.registry.IsTracking(jobID) {
		return false
	}
	s.registry.StartTracking(jobID, s.onUpdate, s.onTerminal)
	return true
}

// Untrack stops polling jobID. It returns false when the job was not tracked.
func (s *Service) Untrack(jobID string) bool {
	if !s.registry.IsTracking(jobID) {
		return false
	}
	s.registry.StopTracking(jobID)
	if s.stream != nil {
		s.stream.Close(jobID)
	}
	return true
}

func (s *Service) Active() []string {
	return s.registry.ActiveJobIDs()
}

func (s *Service) IsTracking(jobID string) bool {
	return s.registry.IsTracking(jobID)
}

// Snapshot returns the latest known record for jobID, preferring the cache
// and falling back to a direct fetch.
func (s *Service) Snapshot(ctx context.Context, jobID string) (models.StatusRecord, error) {
	if strings.TrimSpace(jobID) == "" {
		return models.StatusRecord{}, ErrEmptyJobID
	}
	if s.cache != nil {
		rec, found, err := s.cache.GetSnapshot(ctx, jobID)
		if err != nil {
			s.logger.Warn("snapshot cache read failed", "job_id", jobID, "error", err)
		} else if found {
			return rec, nil
		}
	}

	rec, err := s.gw.FetchStatus(ctx, jobID)
	if err != nil {
		return models.StatusRecord{}, err
	}
	s.cacheSnapshot(rec)
	return rec, nil
}

// ArtifactURL resolves a record's result reference to a fetchable URL.
func (s *Service) ArtifactURL(rec models.StatusRecord) string {
	if rec.ResultReference == "" {
		return ""
	}
	return s.gw.ResolveArtifactURL(rec.ResultReference)
}

// Recent lists jobs straight from the remote service.
func (s *Service) Recent(ctx context.Context, filter models.ListFilter, offset, limit int) ([]models.StatusRecord, error) {
	return s.gw.ListJobs(ctx, filter, offset, limit)
}

// History lists terminal jobs persisted locally.
func (s *Service) History(ctx context.Context, filter store.HistoryFilter) ([]*store.HistoryEntry, int, error) {
	if s.store == nil {
		return nil, 0, ErrHistoryDisabled
	}
	return s.store.ListJobs(ctx, filter)
}

func (s *Service) HistoryEntry(ctx context.Context, jobID string) (*store.HistoryEntry, error) {
	if s.store == nil {
		return nil, ErrHistoryDisabled
	}
	return s.store.GetJob(ctx, jobID)
}

// Close stops every loop and waits for in-flight terminal handling.
func (s *Service) Close() {
	s.registry.StopAll()
	s.registry.Wait()
	s.finishing.Wait()
}

func (s *Service) onUpdate(rec models.StatusRecord) {
	s.cacheSnapshot(rec)
	if s.stream != nil {
		s.stream.Broadcast(rec)
	}
}

func (s *Service) onTerminal(rec models.StatusRecord) {
	s.logger.Info("job finished", "job_id", rec.ID, "status", rec.Status.String(), "retry_count", rec.RetryCount)
	if s.stream != nil {
		s.stream.Close(rec.ID)
	}

	s.finishing.Add(1)
	go func() {
		defer s.finishing.Done()
		ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
		defer cancel()
		s.finish(ctx, rec)
	}()
}

// finish runs the slow terminal sinks off the callback path.
func (s *Service) finish(ctx context.Context, rec models.StatusRecord) {
	log := s.logger.With("job_id", rec.ID)

	if s.store != nil {
		if err := s.store.UpsertJob(ctx, rec); err != nil {
			log.Error("record history failed", "error", err)
		}
	}

	artifactURL := s.ArtifactURL(rec)
	if rec.Status == models.JobStatusCompleted && s.archiver != nil && artifactURL != "" {
		res, err := s.archiver.Archive(ctx, rec.ID, artifactURL)
		switch {
		case err != nil:
			log.Error("archive artifact failed", "url", artifactURL, "error", err)
		case s.store != nil:
			if err := s.store.SetArchiveLocation(ctx, rec.ID, res.Original); err != nil {
				log.Error("record archive location failed", "error", err)
			}
		}
		if err == nil {
			log.Info("artifact archived", "location", res.Original, "thumbnail", res.Thumbnail)
		}
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, notify.NewEvent(rec, artifactURL, s.now())); err != nil {
			telemetry.WebhookFailures.Inc()
			log.Error("webhook delivery failed", "error", err)
		}
	}
}

func (s *Service) cacheSnapshot(rec models.StatusRecord) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := s.cache.SetSnapshot(ctx, rec, s.ttl); err != nil {
		s.logger.Warn("snapshot cache write failed", "job_id", rec.ID, "error", err)
	}
}
