// Package models contains the data shapes shared across genwatch.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a remote generation job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// ParseJobStatus maps a wire value onto the closed set of statuses.
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// Terminal reports whether no further transitions follow this status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) String() string { return string(s) }

func (s *JobStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("job status must be a string: %w", err)
	}
	st, err := ParseJobStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// StatusRecord is a read-only snapshot of a job as reported by the remote
// service. ResultReference is set only when completed, ErrorDetail only when
// failed.
type StatusRecord struct {
	ID              string         `json:"id"`
	Prompt          string         `json:"prompt"`
	Model           string         `json:"model"`
	Parameters      map[string]any `json:"parameters"`
	Status          JobStatus      `json:"status"`
	CreatedAt       Timestamp      `json:"created_at"`
	UpdatedAt       Timestamp      `json:"updated_at"`
	ResultReference string         `json:"media_path,omitempty"`
	ErrorDetail     string         `json:"error_message,omitempty"`
	RetryCount      int            `json:"retry_count"`
}

// Terminal reports whether the record carries a terminal status.
func (r StatusRecord) Terminal() bool { return r.Status.Terminal() }

// GenerateRequest is the payload submitted to start a job.
type GenerateRequest struct {
	Prompt     string         `json:"prompt"`
	Model      string         `json:"model"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// JobAccepted is the remote acknowledgement of a submission.
type JobAccepted struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ListFilter selects which jobs a listing returns.
type ListFilter int

const (
	ListAll ListFilter = iota
	ListCompleted
)

func (f ListFilter) String() string {
	if f == ListCompleted {
		return "completed"
	}
	return "all"
}

// Timestamp decodes both zoned RFC 3339 values and the naive ISO 8601 values
// some backends emit for timezone-less columns (read as UTC). JSON null
// decodes to the zero time.
type Timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", raw)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
