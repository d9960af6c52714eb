package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

// PostgresStore implements Store on PostgreSQL. Dequeue uses
// FOR UPDATE SKIP LOCKED so concurrent workers never pick the same job.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Enqueue(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, payload, status, attempts, max_attempts, run_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.Type, job.Payload, job.Status, job.Attempts, job.MaxAttempts,
		job.RunAt, job.LastError, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Dequeue(ctx context.Context, now time.Time) (*Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning dequeue tx: %w", err)
	}
	defer tx.Rollback()

	var job Job
	err = tx.GetContext(ctx, &job, `
		SELECT id, job_type, payload, status, attempts, max_attempts, run_at, last_error, created_at, updated_at
		FROM jobs
		WHERE (status = 'pending' AND run_at <= $1)
		   OR (status = 'running' AND updated_at < $2)
		ORDER BY run_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now, now.Add(-VisibilityTimeout))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("no runnable job")
	}
	if err != nil {
		return nil, fmt.Errorf("selecting job: %w", err)
	}

	// A running row this stale belonged to a crashed worker. Reclaiming
	// charges an attempt so a crash loop still terminates at the limit.
	if job.Status == StatusRunning {
		job.Attempts++
		if job.Attempts >= job.MaxAttempts {
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'dead', attempts = $2, last_error = 'worker lost before completion', updated_at = now()
				WHERE id = $1`, job.ID, job.Attempts); err != nil {
				return nil, fmt.Errorf("parking lost job: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("committing dequeue: %w", err)
			}
			return nil, apperr.NotFound("no runnable job")
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', attempts = $2, updated_at = now() WHERE id = $1`,
		job.ID, job.Attempts); err != nil {
		return nil, fmt.Errorf("marking job running: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing dequeue: %w", err)
	}
	job.Status = StatusRunning
	return &job, nil
}

func (s *PostgresStore) MarkDone(ctx context.Context, id string) error {
	return s.update(ctx, id,
		`UPDATE jobs SET status = 'done', updated_at = now() WHERE id = $1`, id)
}

func (s *PostgresStore) Reschedule(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error {
	return s.update(ctx, id, `
		UPDATE jobs SET status = 'pending', attempts = $2, run_at = $3, last_error = $4, updated_at = now()
		WHERE id = $1`, id, attempts, runAt, lastErr)
}

func (s *PostgresStore) MarkDead(ctx context.Context, id string, attempts int, lastErr string) error {
	return s.update(ctx, id, `
		UPDATE jobs SET status = 'dead', attempts = $2, last_error = $3, updated_at = now()
		WHERE id = $1`, id, attempts, lastErr)
}

func (s *PostgresStore) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("job " + id + " not found")
	}
	return nil
}
