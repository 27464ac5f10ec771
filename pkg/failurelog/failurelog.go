// Package failurelog persists terminal job failures (spec.md §3's
// FailureRecord) to a Postgres table, one row per failure. Schema
// management and the insert/query shape are adapted from
// pkg/compliance/storage/postgres/audit.go's CreateAuditEntry /
// GetAuditEntriesByTarget, trimmed from cryptographic hash-chaining (not
// relevant to an ETL failure log) down to a plain append-only table.
package failurelog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one row of spec.md §3's FailureRecord.
type Record struct {
	ID           int64
	JobID        string
	Stage        string
	Table        string
	ApproxRow    int64
	ErrorCode    string
	ErrorMessage string
	CreatedAt    time.Time
}

// Log writes FailureRecords to the `etl_failures` table.
type Log struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool; the orchestrator and the loader share one
// pgxpool.Pool per process.
func New(pool *pgxpool.Pool) *Log {
	return &Log{pool: pool}
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS etl_failures (
	id SERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	table_name TEXT NOT NULL,
	approx_row BIGINT NOT NULL DEFAULT 0,
	error_code TEXT NOT NULL,
	error_message TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// EnsureSchema creates the etl_failures table if it does not already
// exist. Idempotent; safe to call on every process start.
func (l *Log) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure etl_failures schema: %w", err)
	}
	return nil
}

// Record inserts one failure row. Failures to write the failure log are
// logged by the caller as warnings — per spec.md §7, CheckpointIo and
// DeadLetterIo never fail a job that would otherwise succeed, and the same
// best-effort posture applies here: a FailureRecord write error must not
// mask the original job failure it was trying to record.
func (l *Log) Record(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO etl_failures (job_id, stage, table_name, approx_row, error_code, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`
	_, err := l.pool.Exec(ctx, query, rec.JobID, rec.Stage, rec.Table, rec.ApproxRow, rec.ErrorCode, rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert failure record: %w", err)
	}
	return nil
}

// ByJob returns every recorded failure for one job, oldest first.
func (l *Log) ByJob(ctx context.Context, jobID string) ([]Record, error) {
	query := `
		SELECT id, job_id, stage, table_name, approx_row, error_code, error_message, created_at
		FROM etl_failures
		WHERE job_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := l.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query failures for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.JobID, &r.Stage, &r.Table, &r.ApproxRow, &r.ErrorCode, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failure record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures for job %s: %w", jobID, err)
	}
	return out, nil
}

// Latest returns the most recent failure for a job, or (Record{}, false)
// if none exists — used by pgx.ErrNoRows-style absence checks without
// leaking the driver error type to callers.
func (l *Log) Latest(ctx context.Context, jobID string) (Record, bool, error) {
	query := `
		SELECT id, job_id, stage, table_name, approx_row, error_code, error_message, created_at
		FROM etl_failures
		WHERE job_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	var r Record
	err := l.pool.QueryRow(ctx, query, jobID).Scan(&r.ID, &r.JobID, &r.Stage, &r.Table, &r.ApproxRow, &r.ErrorCode, &r.ErrorMessage, &r.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("query latest failure for job %s: %w", jobID, err)
	}
	return r, true, nil
}
