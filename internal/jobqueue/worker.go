package jobqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/betterworld-network/marketplace/internal/apperr"
	"github.com/betterworld-network/marketplace/internal/metrics"
)

// Pool polls the store and dispatches jobs to registered handlers.
type Pool struct {
	store       Store
	log         *zap.SugaredLogger
	concurrency int
	poll        time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	wg   sync.WaitGroup
	stop chan struct{}
}

func NewPool(store Store, log *zap.SugaredLogger, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Pool{
		store:       store,
		log:         log.With("component", "jobqueue"),
		concurrency: concurrency,
		poll:        time.Second,
		handlers:    make(map[string]Handler),
		stop:        make(chan struct{}),
	}
}

// Register binds a handler to a job type. Jobs of unknown type are parked dead.
func (p *Pool) Register(jobType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

// Enqueue persists a new job for the pool to pick up.
func (p *Pool) Enqueue(ctx context.Context, jobType string, payload any) (*Job, error) {
	job, err := NewJob(jobType, payload)
	if err != nil {
		return nil, err
	}
	if err := p.store.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.log.Infow("workers started", "concurrency", p.concurrency)
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		job, err := p.store.Dequeue(ctx, time.Now().UTC())
		if apperr.IsCode(err, apperr.CodeNotFound) {
			select {
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(p.poll):
			}
			continue
		}
		if err != nil {
			p.log.Warnw("dequeue failed", "error", err)
			time.Sleep(p.poll)
			continue
		}
		p.run(ctx, job)
	}
}

// RunOnce drains runnable jobs synchronously. Used in tests and the sweeper.
func (p *Pool) RunOnce(ctx context.Context) int {
	processed := 0
	for {
		job, err := p.store.Dequeue(ctx, time.Now().UTC())
		if err != nil {
			return processed
		}
		p.run(ctx, job)
		processed++
	}
}

func (p *Pool) run(ctx context.Context, job *Job) {
	p.mu.RLock()
	h, ok := p.handlers[job.Type]
	p.mu.RUnlock()
	if !ok {
		p.log.Errorw("no handler for job type", "type", job.Type, "job", job.ID)
		if err := p.store.MarkDead(ctx, job.ID, job.Attempts, "no handler registered"); err != nil {
			p.log.Errorw("parking job failed", "job", job.ID, "error", err)
		}
		return
	}

	start := time.Now()
	err := h(ctx, job)
	metrics.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())
	if err == nil {
		if err := p.store.MarkDone(ctx, job.ID); err != nil {
			p.log.Errorw("finishing job failed", "job", job.ID, "error", err)
		}
		return
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		p.log.Errorw("job exhausted retries", "job", job.ID, "type", job.Type, "attempts", attempts, "error", err)
		if derr := p.store.MarkDead(ctx, job.ID, attempts, err.Error()); derr != nil {
			p.log.Errorw("parking job failed", "job", job.ID, "error", derr)
		}
		return
	}

	metrics.JobRetries.WithLabelValues(job.Type).Inc()
	runAt := time.Now().UTC().Add(Backoff(attempts))
	p.log.Warnw("job failed, retrying", "job", job.ID, "type", job.Type, "attempt", attempts, "next_run", runAt, "error", err)
	if rerr := p.store.Reschedule(ctx, job.ID, attempts, runAt, err.Error()); rerr != nil {
		p.log.Errorw("rescheduling job failed", "job", job.ID, "error", rerr)
	}
}
