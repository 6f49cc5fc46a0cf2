// Package notify delivers terminal job events to an outbound webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kiranshivaraju/genwatch/pkg/models"
)

// Event is the JSON body posted when a tracked job reaches a terminal state.
type Event struct {
	JobID       string               `json:"job_id"`
	Status      models.JobStatus     `json:"status"`
	Error       string               `json:"error,omitempty"`
	ArtifactURL string               `json:"artifact_url,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
	Record      *models.StatusRecord `json:"record,omitempty"`
}

// NewEvent builds the event for a terminal record. artifactURL is empty
// unless the job completed.
func NewEvent(rec models.StatusRecord, artifactURL string, now time.Time) Event {
	ev := Event{
		JobID:     rec.ID,
		Status:    rec.Status,
		Timestamp: now.UTC(),
		Record:    &rec,
	}
	switch rec.Status {
	case models.JobStatusCompleted:
		ev.ArtifactURL = artifactURL
	case models.JobStatusFailed:
		ev.Error = rec.ErrorDetail
	}
	return ev
}

type Sender interface {
	Notify(ctx context.Context, event Event) error
}

// WebhookSender posts events to a fixed URL, retrying non-2xx responses and
// transport errors with exponential backoff.
type WebhookSender struct {
	url         string
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

var _ Sender = (*WebhookSender)(nil)

type Option func(*WebhookSender)

// WithBaseBackoff sets the delay before the first retry; later retries double it.
func WithBaseBackoff(d time.Duration) Option {
	return func(s *WebhookSender) { s.baseBackoff = d }
}

func NewWebhookSender(url string, timeout time.Duration, maxRetries int, opts ...Option) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	s := &WebhookSender{
		url:         url,
		client:      &http.Client{Timeout: timeout},
		maxRetries:  maxRetries,
		baseBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebhookSender) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode webhook event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.baseBackoff * (1 << (attempt - 1))
			select {
			case <-time.After(backoff + time.Duration(attempt*50)*time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = s.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("webhook %s failed after %d attempts: %w", event.JobID, s.maxRetries+1, lastErr)
}

func (s *WebhookSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "genwatch-webhook")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
