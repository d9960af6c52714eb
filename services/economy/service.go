package economy

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"go.uber.org/zap"

	"github.com/betterworld-network/marketplace/internal/apperr"
	"github.com/betterworld-network/marketplace/internal/flags"
	"github.com/betterworld-network/marketplace/services/ledger"
)

// TierLookup resolves a validator's tier. Satisfied by the reputation service.
type TierLookup interface {
	ValidatorTier(ctx context.Context, agentID string) (string, error)
}

// Service is the submission cost / reward service.
type Service struct {
	ledger *ledger.Service
	store  Store
	tiers  TierLookup
	flags  flags.Provider
	log    *zap.SugaredLogger
}

// New creates the economy service.
func New(ledgerSvc *ledger.Service, store Store, tiers TierLookup, flagProvider flags.Provider, log *zap.SugaredLogger) *Service {
	return &Service{
		ledger: ledgerSvc,
		store:  store,
		tiers:  tiers,
		flags:  flagProvider,
		log:    log.With("component", "economy"),
	}
}

// DeductSubmissionCost charges an agent for submitting content. With the
// kill-switch off no balance read occurs. Agents below the hardship threshold
// are exempted without creating a ledger transaction. The idempotency key is
// derived from the content id, so a retried submission is charged once.
func (s *Service) DeductSubmissionCost(ctx context.Context, agentID string, kind ContentKind, contentID string) (*DeductResult, error) {
	if agentID == "" || contentID == "" {
		return nil, apperr.Validation("agent id and content id are required")
	}
	base, ok := baseCosts[kind]
	if !ok {
		return nil, apperr.Validation("unknown content kind %q", kind)
	}

	if !s.flags.Bool(ctx, flags.SubmissionCostsEnabled, true) {
		return &DeductResult{}, nil
	}

	balance, err := s.ledger.Balance(ctx, ledger.AgentCredits, agentID)
	if err != nil {
		return nil, fmt.Errorf("read agent balance: %w", err)
	}

	if balance < HardshipThreshold {
		s.log.Infow("hardship exemption applied",
			"agent", agentID, "kind", kind, "balance", balance)
		return &DeductResult{
			HardshipApplied: true,
			BalanceBefore:   balance,
			BalanceAfter:    balance,
		}, nil
	}

	multiplier := s.flags.Float(ctx, flags.SubmissionCostMultiplier, 1.0)
	cost := SubmissionCost(kind, multiplier)

	res, err := s.ledger.Spend(ctx, ledger.Request{
		Ledger:         ledger.AgentCredits,
		OwnerID:        agentID,
		Amount:         cost,
		Type:           spendType(kind),
		ReferenceID:    contentID,
		IdempotencyKey: "submission:" + contentID,
		Description:    fmt.Sprintf("submission cost for %s %s (base %.0f, multiplier %.2f)", kind, contentID, base, multiplier),
	})
	if err != nil {
		return nil, err
	}

	return &DeductResult{
		CostDeducted:  cost,
		BalanceBefore: res.BalanceAfter + cost,
		BalanceAfter:  res.BalanceAfter,
		TransactionID: res.TransactionID,
	}, nil
}

// SubmissionCost computes the charge in milli-credits for a content kind at
// the given multiplier: round half up in whole credits, floored at 1 credit.
func SubmissionCost(kind ContentKind, multiplier float64) int64 {
	credits := math.Floor(baseCosts[kind]*multiplier + 0.5)
	if credits < 1 {
		credits = 1
	}
	return int64(credits) * ledger.MilliPerCredit
}

func spendType(kind ContentKind) string {
	switch kind {
	case KindProblem:
		return ledger.TypeSpendSubmissionProblem
	case KindSolution:
		return ledger.TypeSpendSubmissionSolution
	default:
		return ledger.TypeSpendSubmissionDebate
	}
}

// DistributeRewards pays every completed-but-unrewarded evaluation of the
// consensus according to the validator tier table. Each payout is an
// idempotent ledger earn keyed on the evaluation id, so re-running a
// distribution never double-pays.
func (s *Service) DistributeRewards(ctx context.Context, consensusID, contentID string, kind ContentKind) (*RewardResult, error) {
	if consensusID == "" {
		return nil, apperr.Validation("consensus id is required")
	}

	result := &RewardResult{}
	if !s.flags.Bool(ctx, flags.ValidationRewardsEnabled, true) {
		return result, nil
	}

	evals, err := s.store.ListUnrewardedEvaluations(ctx, consensusID)
	if err != nil {
		return nil, err
	}
	if len(evals) == 0 {
		return result, nil
	}

	for _, eval := range evals {
		tier, err := s.tiers.ValidatorTier(ctx, eval.ValidatorID)
		if err != nil {
			if apperr.IsCode(err, apperr.CodeNotFound) {
				s.log.Warnw("skipping reward for unknown validator",
					"validator", eval.ValidatorID, "evaluation", eval.ID)
				continue
			}
			return nil, err
		}

		amount := ledger.FromCredits(tierRewards[tier])
		if amount == 0 {
			s.log.Warnw("no reward configured for tier", "tier", tier)
			continue
		}

		earn, err := s.ledger.Earn(ctx, ledger.Request{
			Ledger:         ledger.AgentCredits,
			OwnerID:        eval.ValidatorID,
			Amount:         amount,
			Type:           ledger.TypeEarnValidation,
			ReferenceID:    consensusID,
			IdempotencyKey: "validation:" + eval.ID,
			Description:    fmt.Sprintf("validation reward for %s %s", kind, contentID),
		})
		if err != nil {
			return nil, fmt.Errorf("reward validator %s: %w", eval.ValidatorID, err)
		}

		if err := s.store.MarkEvaluationRewarded(ctx, eval.ID, earn.TransactionID); err != nil {
			return nil, err
		}

		result.RewardsDistributed++
		result.TotalCredits += amount
		result.Validators = append(result.Validators, ValidatorReward{
			ValidatorID:   eval.ValidatorID,
			Tier:          tier,
			Amount:        amount,
			TransactionID: earn.TransactionID,
		})
	}

	s.log.Infow("rewards distributed",
		"consensus", consensusID, "count", result.RewardsDistributed,
		"total_credits", ledger.Credits(result.TotalCredits))
	return result, nil
}

// ShouldRouteToPeerConsensus decides whether a submission goes through the
// peer-consensus layer. The decision is a deterministic hash of the
// submission id, so repeated evaluation attempts of the same submission
// always land on the same side.
func (s *Service) ShouldRouteToPeerConsensus(ctx context.Context, submissionID string) bool {
	pct := s.flags.Int(ctx, flags.PeerValidationTrafficPct, 100)
	return RouteToPeerConsensus(submissionID, pct)
}

// RouteToPeerConsensus maps submissionID into [0,100) and compares against
// trafficPct. 100 always routes to peer consensus; 0 never does.
func RouteToPeerConsensus(submissionID string, trafficPct int) bool {
	if trafficPct >= 100 {
		return true
	}
	if trafficPct <= 0 {
		return false
	}
	h := fnv.New32a()
	h.Write([]byte(submissionID))
	return int(h.Sum32()%100) < trafficPct
}
