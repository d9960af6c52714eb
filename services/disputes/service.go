package disputes

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/betterworld-network/marketplace/internal/apperr"
	"github.com/betterworld-network/marketplace/internal/metrics"
	"github.com/betterworld-network/marketplace/services/economy"
	"github.com/betterworld-network/marketplace/services/ledger"
	"github.com/betterworld-network/marketplace/services/reputation"
)

// ConsensusSource exposes the consensus rows disputes are filed against.
type ConsensusSource interface {
	GetConsensus(ctx context.Context, id string) (*economy.Consensus, error)
	ListParticipants(ctx context.Context, consensusID string) ([]string, error)
}

// ValidatorRegistry reads and writes validator suspension state.
type ValidatorRegistry interface {
	GetValidator(ctx context.Context, agentID string) (*reputation.Validator, error)
	UpdateValidatorSuspension(ctx context.Context, agentID string, until *time.Time) error
}

// Service is the dispute engine.
type Service struct {
	store      Store
	wallet     *ledger.Service
	consensus  ConsensusSource
	validators ValidatorRegistry
	log        *zap.SugaredLogger
	now        func() time.Time
}

func New(store Store, wallet *ledger.Service, consensus ConsensusSource, validators ValidatorRegistry, log *zap.SugaredLogger) *Service {
	return &Service{
		store:      store,
		wallet:     wallet,
		consensus:  consensus,
		validators: validators,
		log:        log.With("component", "disputes"),
		now:        time.Now,
	}
}

// SetClock overrides the clock for lookback-window tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// File stakes credits and opens a dispute against a terminal consensus.
// Participants in the consensus cannot dispute their own result, suspended
// challengers are rejected, and the stake spend uses an idempotency key so a
// retried request never double-charges.
func (s *Service) File(ctx context.Context, challengerAgentID, consensusID, reasoning string) (*Dispute, error) {
	if challengerAgentID == "" || consensusID == "" {
		return nil, apperr.Validation("challenger and consensus ids are required")
	}
	if reasoning == "" {
		return nil, apperr.Validation("reasoning is required")
	}

	consensus, err := s.consensus.GetConsensus(ctx, consensusID)
	if err != nil {
		return nil, err
	}
	if !consensus.Terminal() {
		return nil, apperr.Conflict("consensus %s has no terminal decision to dispute", consensusID)
	}

	participants, err := s.consensus.ListParticipants(ctx, consensusID)
	if err != nil {
		return nil, err
	}
	for _, p := range participants {
		if p == challengerAgentID {
			return nil, apperr.Forbidden("participants cannot dispute their own consensus")
		}
	}

	state, err := s.CheckSuspension(ctx, challengerAgentID)
	if err != nil {
		return nil, err
	}
	if state.Suspended {
		return nil, apperr.Forbidden("challenger %s is suspended from disputing until %s",
			challengerAgentID, state.SuspendedUntil.Format(time.RFC3339))
	}

	spend, err := s.wallet.Spend(ctx, ledger.Request{
		Ledger:         ledger.AgentCredits,
		OwnerID:        challengerAgentID,
		Amount:         StakeCredits * ledger.MilliPerCredit,
		Type:           ledger.TypeSpendDisputeStake,
		ReferenceID:    consensusID,
		IdempotencyKey: "dispute:" + consensusID + ":" + challengerAgentID,
		Description:    "dispute stake",
	})
	if err != nil {
		return nil, err
	}

	d := &Dispute{
		ID:                 uuid.NewString(),
		ConsensusID:        consensusID,
		ChallengerAgentID:  challengerAgentID,
		StakeAmount:        StakeCredits * ledger.MilliPerCredit,
		Reasoning:          reasoning,
		Status:             StatusOpen,
		StakeTransactionID: &spend.TransactionID,
		CreatedAt:          s.now().UTC(),
	}
	if err := s.store.CreateDispute(ctx, d); err != nil {
		return nil, err
	}
	s.log.Infow("dispute filed",
		"dispute", d.ID, "consensus", consensusID, "challenger", challengerAgentID,
		"stake_tx", spend.TransactionID)
	return d, nil
}

// Get reads one dispute.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// Resolve settles a dispute. Upheld disputes refund the stake and pay a
// bonus as two separate ledger entries so each movement stays auditable;
// dismissed disputes forfeit the stake and re-evaluate the challenger's
// suspension. Resolving twice reports a Conflict and moves no credits.
//
// The payouts run before the status flip: both earns carry per-dispute
// idempotency keys, so a resolve that dies between the earns and the flip
// is recovered by retrying, which replays the earns without double-paying
// and then completes the flip. The flip itself records the payout flags in
// the same write.
func (s *Service) Resolve(ctx context.Context, disputeID, decision, notes, adminID string) (*Dispute, error) {
	if decision != StatusUpheld && decision != StatusDismissed {
		return nil, apperr.Validation("decision must be upheld or dismissed, got %q", decision)
	}

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.Resolvable() {
		return nil, apperr.Conflict("dispute %s is already %s", disputeID, d.Status)
	}

	switch decision {
	case StatusUpheld:
		refund, err := s.wallet.Earn(ctx, ledger.Request{
			Ledger:         ledger.AgentCredits,
			OwnerID:        d.ChallengerAgentID,
			Amount:         d.StakeAmount,
			Type:           ledger.TypeEarnDisputeRefund,
			ReferenceID:    d.ID,
			IdempotencyKey: "dispute_refund:" + d.ID,
			Description:    "dispute stake refund",
		})
		if err != nil {
			return nil, err
		}
		bonus, err := s.wallet.Earn(ctx, ledger.Request{
			Ledger:         ledger.AgentCredits,
			OwnerID:        d.ChallengerAgentID,
			Amount:         BonusCredits * ledger.MilliPerCredit,
			Type:           ledger.TypeEarnDisputeBonus,
			ReferenceID:    d.ID,
			IdempotencyKey: "dispute_bonus:" + d.ID,
			Description:    "upheld dispute bonus",
		})
		if err != nil {
			return nil, err
		}
		d, err = s.store.ResolveDispute(ctx, disputeID, decision, notes, s.now().UTC(), true, true)
		if err != nil {
			return nil, err
		}
		s.log.Infow("dispute upheld",
			"dispute", d.ID, "admin", adminID, "refund_tx", refund.TransactionID, "bonus_tx", bonus.TransactionID)

	case StatusDismissed:
		d, err = s.store.ResolveDispute(ctx, disputeID, decision, notes, s.now().UTC(), false, false)
		if err != nil {
			return nil, err
		}
		state, err := s.CheckSuspension(ctx, d.ChallengerAgentID)
		if err != nil {
			s.log.Warnw("suspension re-evaluation failed", "challenger", d.ChallengerAgentID, "error", err)
		} else if state.Suspended {
			s.log.Infow("challenger suspended from disputing",
				"challenger", d.ChallengerAgentID, "until", state.SuspendedUntil, "dismissed", state.DismissedCount)
		}
		s.log.Infow("dispute dismissed", "dispute", d.ID, "admin", adminID)
	}
	metrics.DisputeResolutions.WithLabelValues(decision).Inc()
	return d, nil
}

// CheckSuspension reports the challenger's dispute standing. An existing
// future suspension is reported as-is without recounting; otherwise dismissed
// disputes inside the lookback window are counted and the threshold applies a
// fresh suspension. Agents without a validator record are never suspended.
func (s *Service) CheckSuspension(ctx context.Context, agentID string) (*SuspensionState, error) {
	validator, err := s.validators.GetValidator(ctx, agentID)
	if apperr.IsCode(err, apperr.CodeNotFound) {
		return &SuspensionState{AgentID: agentID}, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if validator.DisputeSuspendedUntil != nil && validator.DisputeSuspendedUntil.After(now) {
		return &SuspensionState{
			AgentID:        agentID,
			Suspended:      true,
			SuspendedUntil: validator.DisputeSuspendedUntil,
		}, nil
	}

	count, err := s.store.CountDismissedSince(ctx, agentID, now.Add(-LookbackWindow))
	if err != nil {
		return nil, err
	}
	if count < SuspensionThreshold {
		return &SuspensionState{AgentID: agentID, DismissedCount: count}, nil
	}

	until := now.Add(SuspensionDuration)
	if err := s.validators.UpdateValidatorSuspension(ctx, agentID, &until); err != nil {
		return nil, err
	}
	return &SuspensionState{
		AgentID:        agentID,
		Suspended:      true,
		SuspendedUntil: &until,
		DismissedCount: count,
	}, nil
}
