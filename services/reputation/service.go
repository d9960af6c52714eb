package reputation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

// Service updates reputation scores and activity streaks.
type Service struct {
	store Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

// New creates the reputation engine.
func New(store Store, log *zap.SugaredLogger) *Service {
	return &Service{store: store, log: log.With("component", "reputation"), now: time.Now}
}

// SetClock overrides the clock, for streak tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// UpdateReputation applies delta to the human's score, clamped to [0, 1000],
// and recomputes the tier. A missing human record is created on first update.
func (s *Service) UpdateReputation(ctx context.Context, humanID string, delta int, reason string) (*Human, error) {
	if humanID == "" {
		return nil, apperr.Validation("human id is required")
	}

	h, err := s.store.GetHuman(ctx, humanID)
	if apperr.IsCode(err, apperr.CodeNotFound) {
		h = &Human{ID: humanID, Tier: TierBronze}
	} else if err != nil {
		return nil, err
	}

	h.ReputationScore += delta
	if h.ReputationScore < minScore {
		h.ReputationScore = minScore
	}
	if h.ReputationScore > maxScore {
		h.ReputationScore = maxScore
	}
	h.Tier = TierForScore(h.ReputationScore)

	if err := s.store.UpsertHuman(ctx, h); err != nil {
		return nil, err
	}
	s.log.Infow("reputation updated",
		"human", humanID, "delta", delta, "score", h.ReputationScore,
		"tier", h.Tier, "reason", reason)
	return h, nil
}

// RecordActivity extends the human's daily streak. Activity on the same UTC
// day is a no-op; a gap of more than one day resets the streak to 1.
func (s *Service) RecordActivity(ctx context.Context, humanID string) (*Human, error) {
	if humanID == "" {
		return nil, apperr.Validation("human id is required")
	}

	h, err := s.store.GetHuman(ctx, humanID)
	if apperr.IsCode(err, apperr.CodeNotFound) {
		h = &Human{ID: humanID, Tier: TierBronze}
	} else if err != nil {
		return nil, err
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	switch {
	case h.LastActivityDay == nil:
		h.CurrentStreak = 1
	case h.LastActivityDay.Equal(today):
		return h, nil
	case h.LastActivityDay.Equal(today.AddDate(0, 0, -1)):
		h.CurrentStreak++
	default:
		h.CurrentStreak = 1
	}
	if h.CurrentStreak > h.LongestStreak {
		h.LongestStreak = h.CurrentStreak
	}
	h.LastActivityDay = &today

	if err := s.store.UpsertHuman(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// ValidatorTier looks up the validator tier for an agent, defaulting to
// apprentice when the agent has a record with no tier set.
func (s *Service) ValidatorTier(ctx context.Context, agentID string) (string, error) {
	v, err := s.store.GetValidator(ctx, agentID)
	if err != nil {
		return "", err
	}
	if v.Tier == "" {
		return ValidatorApprentice, nil
	}
	return v.Tier, nil
}
