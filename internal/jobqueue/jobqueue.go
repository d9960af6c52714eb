// Package jobqueue runs background work on a durable queue. Handlers are
// registered per job type; failed runs are retried with exponential backoff
// until the attempt limit, after which the job is parked as dead.
package jobqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusDead    = "dead"
)

// VisibilityTimeout bounds how long a job may sit in running before it is
// considered lost to a worker crash and handed out again. Handlers must
// finish inside this window.
const VisibilityTimeout = 10 * time.Minute

// Job is one unit of queued work.
type Job struct {
	ID          string          `db:"id" json:"id"`
	Type        string          `db:"job_type" json:"job_type"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Status      string          `db:"status" json:"status"`
	Attempts    int             `db:"attempts" json:"attempts"`
	MaxAttempts int             `db:"max_attempts" json:"max_attempts"`
	RunAt       time.Time       `db:"run_at" json:"run_at"`
	LastError   string          `db:"last_error" json:"last_error"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// Handler processes one job. A nil return marks the job done; an error
// schedules a retry, or parks the job dead once attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// Store persists jobs.
type Store interface {
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue picks the oldest runnable job, marks it running and returns
	// it. Running jobs untouched past the visibility timeout count as
	// runnable again with one attempt charged, so a worker crash never
	// strands a job; a reclaimed job out of attempts is parked dead.
	// Returns apperr.NotFound when nothing is runnable.
	Dequeue(ctx context.Context, now time.Time) (*Job, error)
	MarkDone(ctx context.Context, id string) error
	// Reschedule returns a running job to pending with a future run_at.
	Reschedule(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error
	MarkDead(ctx context.Context, id string, attempts int, lastErr string) error
}

// NewJob builds a pending job with the default attempt limit.
func NewJob(jobType string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Validation("encoding job payload: " + err.Error())
	}
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     raw,
		Status:      StatusPending,
		MaxAttempts: 5,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Backoff returns the retry delay after the given attempt count,
// 30s doubling per attempt and capped at 15 minutes.
func Backoff(attempts int) time.Duration {
	d := 30 * time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= 15*time.Minute {
			return 15 * time.Minute
		}
	}
	return d
}
