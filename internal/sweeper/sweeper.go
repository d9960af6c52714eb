// Package sweeper runs the periodic maintenance passes that are deliberately
// kept out of request transactions: claim deadline expiry, mission expiry and
// dispute suspension cleanup.
package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ClaimExpirer releases overdue claims and expires stale missions.
type ClaimExpirer interface {
	ExpireOverdueClaims(ctx context.Context, now time.Time) ([]string, error)
	ExpireMissions(ctx context.Context, now time.Time) ([]string, error)
}

// SuspensionCleaner clears elapsed dispute suspensions.
type SuspensionCleaner interface {
	ClearElapsedSuspensions(ctx context.Context, now time.Time) (int, error)
}

// Sweeper schedules the maintenance passes on a cron.
type Sweeper struct {
	missions    ClaimExpirer
	suspensions SuspensionCleaner
	log         *zap.SugaredLogger
	cron        *cron.Cron
	schedule    string
}

func New(missions ClaimExpirer, suspensions SuspensionCleaner, log *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		missions:    missions,
		suspensions: suspensions,
		log:         log.With("component", "sweeper"),
		cron:        cron.New(),
		schedule:    "@every 10m",
	}
}

// Start registers the sweep and begins scheduling.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		s.Sweep(sweepCtx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.log.Infow("sweeper started", "schedule", s.schedule)
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one maintenance pass. Each sub-pass is independent; a failure in
// one is logged and the others still run.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	released, err := s.missions.ExpireOverdueClaims(ctx, now)
	if err != nil {
		s.log.Errorw("expiring overdue claims failed", "error", err)
	} else if len(released) > 0 {
		s.log.Infow("released overdue claims", "count", len(released), "claims", released)
	}

	expired, err := s.missions.ExpireMissions(ctx, now)
	if err != nil {
		s.log.Errorw("expiring missions failed", "error", err)
	} else if len(expired) > 0 {
		s.log.Infow("expired missions", "count", len(expired), "missions", expired)
	}

	cleared, err := s.suspensions.ClearElapsedSuspensions(ctx, now)
	if err != nil {
		s.log.Errorw("clearing suspensions failed", "error", err)
	} else if cleared > 0 {
		s.log.Infow("cleared elapsed suspensions", "count", cleared)
	}
}
