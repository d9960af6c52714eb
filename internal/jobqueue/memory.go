package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

// MemoryStore keeps jobs in process for tests.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Enqueue(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) Dequeue(_ context.Context, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-VisibilityTimeout)
	var runnable []*Job
	for _, j := range s.jobs {
		switch {
		case j.Status == StatusPending && !j.RunAt.After(now):
			runnable = append(runnable, j)
		case j.Status == StatusRunning && j.UpdatedAt.Before(cutoff):
			runnable = append(runnable, j)
		}
	}
	sort.Slice(runnable, func(i, k int) bool { return runnable[i].RunAt.Before(runnable[k].RunAt) })
	for _, j := range runnable {
		if j.Status == StatusRunning {
			j.Attempts++
			if j.Attempts >= j.MaxAttempts {
				j.Status = StatusDead
				j.LastError = "worker lost before completion"
				j.UpdatedAt = now
				continue
			}
		}
		j.Status = StatusRunning
		j.UpdatedAt = now
		cp := *j
		return &cp, nil
	}
	return nil, apperr.NotFound("no runnable job")
}

func (s *MemoryStore) MarkDone(_ context.Context, id string) error {
	return s.setStatus(id, func(j *Job) {
		j.Status = StatusDone
	})
}

func (s *MemoryStore) Reschedule(_ context.Context, id string, attempts int, runAt time.Time, lastErr string) error {
	return s.setStatus(id, func(j *Job) {
		j.Status = StatusPending
		j.Attempts = attempts
		j.RunAt = runAt
		j.LastError = lastErr
	})
}

func (s *MemoryStore) MarkDead(_ context.Context, id string, attempts int, lastErr string) error {
	return s.setStatus(id, func(j *Job) {
		j.Status = StatusDead
		j.Attempts = attempts
		j.LastError = lastErr
	})
}

// Get returns a copy of the job, for test assertions.
func (s *MemoryStore) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

func (s *MemoryStore) setStatus(id string, apply func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return apperr.NotFound("job " + id + " not found")
	}
	apply(j)
	j.UpdatedAt = time.Now().UTC()
	return nil
}
