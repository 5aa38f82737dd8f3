// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// HistoryStoreConfig controls the Postgres connection pool used for job history.
type HistoryStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// HistoryStore writes terminal job rows into Postgres.
type HistoryStore struct {
	pool  pool
	table string
}

// NewHistoryStore creates a Postgres-backed HistoryStore using the provided config.
func NewHistoryStore(ctx context.Context, cfg HistoryStoreConfig) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &HistoryStore{pool: p, table: table}, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHistoryStoreWithPool(p pool, table string) (*HistoryStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &HistoryStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "capture_jobs"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordJob upserts the terminal row of a job.
func (s *HistoryStore) RecordJob(ctx context.Context, rec capture.JobRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("history store is not configured")
	}
	if rec.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	requester_id,
	document_id,
	locator,
	pages,
	phase,
	failure_kind,
	explanation,
	page_count,
	byte_size,
	location,
	submitted_at,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
ON CONFLICT (job_id) DO UPDATE SET
	phase = EXCLUDED.phase,
	failure_kind = EXCLUDED.failure_kind,
	explanation = EXCLUDED.explanation,
	page_count = EXCLUDED.page_count,
	byte_size = EXCLUDED.byte_size,
	location = EXCLUDED.location,
	finished_at = EXCLUDED.finished_at`, s.table)

	args := []any{
		rec.JobID,
		rec.RequesterID,
		rec.DocumentID,
		rec.Locator,
		int32Pages(rec.Pages),
		string(rec.Phase),
		string(rec.Kind),
		rec.Explanation,
		rec.PageCount,
		rec.ByteSize,
		rec.Location,
		rec.SubmittedAt,
		nullableTime(rec.StartedAt),
		rec.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// LookupJob loads the row for jobID.
func (s *HistoryStore) LookupJob(ctx context.Context, jobID string) (capture.JobRecord, error) {
	if s == nil || s.pool == nil {
		return capture.JobRecord{}, fmt.Errorf("history store is not configured")
	}
	query := fmt.Sprintf(`
SELECT job_id, requester_id, document_id, locator, pages, phase, failure_kind, explanation,
	page_count, byte_size, location, submitted_at, started_at, finished_at
FROM %s WHERE job_id = $1`, s.table)

	var (
		rec       capture.JobRecord
		pages     []int32
		phase     string
		kind      string
		startedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&rec.JobID,
		&rec.RequesterID,
		&rec.DocumentID,
		&rec.Locator,
		&pages,
		&phase,
		&kind,
		&rec.Explanation,
		&rec.PageCount,
		&rec.ByteSize,
		&rec.Location,
		&rec.SubmittedAt,
		&startedAt,
		&rec.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return capture.JobRecord{}, fmt.Errorf("job %s: %w", jobID, storage.ErrNotFound)
	}
	if err != nil {
		return capture.JobRecord{}, fmt.Errorf("select job: %w", err)
	}
	rec.Phase = capture.Phase(phase)
	rec.Kind = capture.Kind(kind)
	if startedAt != nil {
		rec.StartedAt = *startedAt
	}
	for _, p := range pages {
		rec.Pages = append(rec.Pages, int(p))
	}
	return rec, nil
}

func int32Pages(pages []int) []int32 {
	out := make([]int32, len(pages))
	for i, p := range pages {
		out[i] = int32(p) //nolint:gosec // page numbers are bounded by the page ceiling
	}
	return out
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
