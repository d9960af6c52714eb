package economy

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/betterworld-network/marketplace/internal/flags"
	"github.com/betterworld-network/marketplace/services/ledger"
	"github.com/betterworld-network/marketplace/services/reputation"
)

type fixture struct {
	svc     *Service
	ledger  *ledger.Service
	store   *MemoryStore
	reputed *reputation.MemoryStore
	flagMem *flags.Memory
}

func newFixture() *fixture {
	log := zap.NewNop().Sugar()
	ledgerSvc := ledger.New(ledger.NewMemoryStore(), log)
	store := NewMemoryStore()
	repStore := reputation.NewMemoryStore()
	flagMem := flags.NewMemory(nil)
	svc := New(ledgerSvc, store, reputation.New(repStore, log), flagMem, log)
	return &fixture{svc: svc, ledger: ledgerSvc, store: store, reputed: repStore, flagMem: flagMem}
}

func (f *fixture) seedAgent(t *testing.T, agentID string, credits float64) {
	t.Helper()
	_, err := f.ledger.Earn(context.Background(), ledger.Request{
		Ledger:         ledger.AgentCredits,
		OwnerID:        agentID,
		Amount:         ledger.FromCredits(credits),
		Type:           ledger.TypeEarnSeed,
		IdempotencyKey: "seed:" + agentID,
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func TestDeductSubmissionCost(t *testing.T) {
	ctx := context.Background()

	t.Run("standard charge", func(t *testing.T) {
		f := newFixture()
		f.seedAgent(t, "agent-1", 50)

		res, err := f.svc.DeductSubmissionCost(ctx, "agent-1", KindProblem, "problem-1")
		if err != nil {
			t.Fatalf("deduct: %v", err)
		}
		if res.CostDeducted != ledger.FromCredits(2) {
			t.Errorf("expected cost 2 credits, got %v", ledger.Credits(res.CostDeducted))
		}
		if res.BalanceAfter != ledger.FromCredits(48) {
			t.Errorf("expected balance 48, got %v", ledger.Credits(res.BalanceAfter))
		}
		if res.HardshipApplied {
			t.Error("hardship should not apply at balance 50")
		}
		if res.TransactionID == "" {
			t.Error("expected a transaction id")
		}
	})

	t.Run("hardship exemption", func(t *testing.T) {
		f := newFixture()
		f.seedAgent(t, "agent-poor", 5)

		res, err := f.svc.DeductSubmissionCost(ctx, "agent-poor", KindSolution, "solution-1")
		if err != nil {
			t.Fatalf("deduct: %v", err)
		}
		if !res.HardshipApplied {
			t.Error("expected hardship exemption below threshold")
		}
		if res.CostDeducted != 0 {
			t.Errorf("hardship should cost 0, got %d", res.CostDeducted)
		}
		if res.BalanceAfter != res.BalanceBefore {
			t.Error("hardship must not move the balance")
		}

		// No ledger transaction may exist for the waived submission.
		entries, _ := f.ledger.History(ctx, ledger.AgentCredits, "agent-poor", 0)
		if len(entries) != 1 {
			t.Errorf("expected only the seed entry, got %d entries", len(entries))
		}
	})

	t.Run("kill switch", func(t *testing.T) {
		f := newFixture()
		f.seedAgent(t, "agent-1", 50)
		f.flagMem.Set(flags.SubmissionCostsEnabled, "false")

		res, err := f.svc.DeductSubmissionCost(ctx, "agent-1", KindProblem, "problem-2")
		if err != nil {
			t.Fatalf("deduct: %v", err)
		}
		if res.CostDeducted != 0 || res.TransactionID != "" {
			t.Errorf("disabled costs should be free: %+v", res)
		}
	})

	t.Run("idempotent per content", func(t *testing.T) {
		f := newFixture()
		f.seedAgent(t, "agent-1", 50)

		if _, err := f.svc.DeductSubmissionCost(ctx, "agent-1", KindProblem, "problem-3"); err != nil {
			t.Fatalf("first deduct: %v", err)
		}
		if _, err := f.svc.DeductSubmissionCost(ctx, "agent-1", KindProblem, "problem-3"); err != nil {
			t.Fatalf("retried deduct: %v", err)
		}
		balance, _ := f.ledger.Balance(ctx, ledger.AgentCredits, "agent-1")
		if balance != ledger.FromCredits(48) {
			t.Errorf("retry double-charged: balance %v", ledger.Credits(balance))
		}
	})
}

func TestSubmissionCostFloor(t *testing.T) {
	cases := []struct {
		kind       ContentKind
		multiplier float64
		credits    float64
	}{
		{KindDebate, 0.1, 1},  // base 1 * 0.1 floors to the 1-credit minimum
		{KindDebate, 1.0, 1},
		{KindProblem, 1.0, 2},
		{KindProblem, 0.1, 1},
		{KindSolution, 0.5, 2}, // 1.5 rounds half up
		{KindSolution, 2.0, 6},
	}
	for _, tc := range cases {
		got := SubmissionCost(tc.kind, tc.multiplier)
		if got != ledger.FromCredits(tc.credits) {
			t.Errorf("%s x%.1f: expected %v credits, got %v",
				tc.kind, tc.multiplier, tc.credits, ledger.Credits(got))
		}
	}
}

func TestRouteToPeerConsensus(t *testing.T) {
	if !RouteToPeerConsensus("any-submission", 100) {
		t.Error("pct 100 must always route to peer consensus")
	}
	if RouteToPeerConsensus("any-submission", 0) {
		t.Error("pct 0 must never route to peer consensus")
	}

	// Deterministic for the same inputs.
	for _, id := range []string{"sub-a", "sub-b", "sub-c", "sub-d"} {
		first := RouteToPeerConsensus(id, 50)
		for i := 0; i < 10; i++ {
			if RouteToPeerConsensus(id, 50) != first {
				t.Fatalf("routing for %s is not deterministic", id)
			}
		}
	}
}

func TestDistributeRewards(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	setupConsensus := func(f *fixture) {
		f.store.CreateConsensus(ctx, &Consensus{
			ID: "consensus-1", SubmissionID: "problem-1",
			ContentKind: "problem", Decision: "approved", FinalizedAt: &now,
		}, []string{"val-a", "val-b"})
		f.reputed.PutValidator(&reputation.Validator{AgentID: "val-a", Tier: reputation.ValidatorApprentice})
		f.reputed.PutValidator(&reputation.Validator{AgentID: "val-b", Tier: reputation.ValidatorExpert})
		f.store.CreateEvaluation(ctx, &Evaluation{
			ID: "eval-a", ConsensusID: "consensus-1", SubmissionID: "problem-1",
			ValidatorID: "val-a", Status: "completed", CompletedAt: &now,
		})
		f.store.CreateEvaluation(ctx, &Evaluation{
			ID: "eval-b", ConsensusID: "consensus-1", SubmissionID: "problem-1",
			ValidatorID: "val-b", Status: "completed", CompletedAt: &now,
		})
	}

	t.Run("tiered payout", func(t *testing.T) {
		f := newFixture()
		setupConsensus(f)

		res, err := f.svc.DistributeRewards(ctx, "consensus-1", "problem-1", KindProblem)
		if err != nil {
			t.Fatalf("distribute: %v", err)
		}
		if res.RewardsDistributed != 2 {
			t.Errorf("expected 2 rewards, got %d", res.RewardsDistributed)
		}
		if res.TotalCredits != ledger.FromCredits(1.5) {
			t.Errorf("expected total 1.5 credits, got %v", ledger.Credits(res.TotalCredits))
		}

		balA, _ := f.ledger.Balance(ctx, ledger.AgentCredits, "val-a")
		balB, _ := f.ledger.Balance(ctx, ledger.AgentCredits, "val-b")
		if balA != ledger.FromCredits(0.5) {
			t.Errorf("apprentice reward: expected 0.5, got %v", ledger.Credits(balA))
		}
		if balB != ledger.FromCredits(1.0) {
			t.Errorf("expert reward: expected 1.0, got %v", ledger.Credits(balB))
		}
	})

	t.Run("re-run pays nothing new", func(t *testing.T) {
		f := newFixture()
		setupConsensus(f)

		if _, err := f.svc.DistributeRewards(ctx, "consensus-1", "problem-1", KindProblem); err != nil {
			t.Fatalf("first distribute: %v", err)
		}
		res, err := f.svc.DistributeRewards(ctx, "consensus-1", "problem-1", KindProblem)
		if err != nil {
			t.Fatalf("second distribute: %v", err)
		}
		if res.RewardsDistributed != 0 {
			t.Errorf("re-run distributed %d rewards", res.RewardsDistributed)
		}
	})

	t.Run("flag off", func(t *testing.T) {
		f := newFixture()
		setupConsensus(f)
		f.flagMem.Set(flags.ValidationRewardsEnabled, "false")

		res, err := f.svc.DistributeRewards(ctx, "consensus-1", "problem-1", KindProblem)
		if err != nil {
			t.Fatalf("distribute: %v", err)
		}
		if res.RewardsDistributed != 0 || res.TotalCredits != 0 {
			t.Errorf("disabled rewards still paid: %+v", res)
		}
	})
}
