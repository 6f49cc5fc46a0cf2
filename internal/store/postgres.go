package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/genwatch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const historyColumns = `id, prompt, model, parameters, status, result_reference, error_detail,
	retry_count, archive_location, remote_created_at, remote_updated_at, recorded_at`

// UpsertJob inserts or refreshes the history row for rec.ID. The archive
// location is preserved across refreshes.
func (s *PostgresStore) UpsertJob(ctx context.Context, rec models.StatusRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("upsert job: empty id")
	}
	params := rec.Parameters
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO job_history (id, prompt, model, parameters, status, result_reference, error_detail,
			retry_count, remote_created_at, remote_updated_at, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		 ON CONFLICT (id) DO UPDATE SET
			prompt = EXCLUDED.prompt,
			model = EXCLUDED.model,
			parameters = EXCLUDED.parameters,
			status = EXCLUDED.status,
			result_reference = EXCLUDED.result_reference,
			error_detail = EXCLUDED.error_detail,
			retry_count = EXCLUDED.retry_count,
			remote_created_at = EXCLUDED.remote_created_at,
			remote_updated_at = EXCLUDED.remote_updated_at,
			recorded_at = NOW()`,
		rec.ID, rec.Prompt, rec.Model, paramsJSON, string(rec.Status), rec.ResultReference, rec.ErrorDetail,
		rec.RetryCount, nullableTime(rec.CreatedAt), nullableTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) SetArchiveLocation(ctx context.Context, jobID, location string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_history SET archive_location = $2 WHERE id = $1`, jobID, location)
	if err != nil {
		return fmt.Errorf("set archive location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*HistoryEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+historyColumns+` FROM job_history WHERE id = $1`, jobID)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter HistoryFilter) ([]*HistoryEntry, int, error) {
	filter = filter.Normalize()

	where := "TRUE"
	var args []any
	if filter.Status != "" {
		where = "status = $1"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM job_history WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM job_history WHERE %s ORDER BY recorded_at DESC, id LIMIT $%d OFFSET $%d`,
		historyColumns, where, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset())

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	entries := []*HistoryEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

func scanEntry(row pgx.Row) (*HistoryEntry, error) {
	var (
		e                HistoryEntry
		status           string
		paramsJSON       []byte
		created, updated *time.Time
	)
	if err := row.Scan(&e.ID, &e.Prompt, &e.Model, &paramsJSON, &status, &e.ResultReference, &e.ErrorDetail,
		&e.RetryCount, &e.ArchiveLocation, &created, &updated, &e.RecordedAt); err != nil {
		return nil, err
	}
	st, err := models.ParseJobStatus(status)
	if err != nil {
		return nil, err
	}
	e.Status = st
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &e.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	if created != nil {
		e.CreatedAt = models.Timestamp{Time: created.UTC()}
	}
	if updated != nil {
		e.UpdatedAt = models.Timestamp{Time: updated.UTC()}
	}
	return &e, nil
}

func nullableTime(t models.Timestamp) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}
