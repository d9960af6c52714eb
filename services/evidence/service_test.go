package evidence

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/betterworld-network/marketplace/internal/apperr"
	"github.com/betterworld-network/marketplace/internal/broadcast"
	"github.com/betterworld-network/marketplace/internal/cache"
	"github.com/betterworld-network/marketplace/internal/jobqueue"
	"github.com/betterworld-network/marketplace/internal/scoring"
	"github.com/betterworld-network/marketplace/services/ledger"
	"github.com/betterworld-network/marketplace/services/missions"
	"github.com/betterworld-network/marketplace/services/reputation"
)

type fixedComparer struct{ distance int }

func (c fixedComparer) Distance(_, _ []byte) (int, error) { return c.distance, nil }

type fakeObjects struct{}

func (fakeObjects) SignURL(key string, _ time.Duration) (string, error) {
	return "https://cdn.test/objects/" + key, nil
}
func (fakeObjects) Fetch(_ context.Context, _ string) ([]byte, error) {
	return []byte("image-bytes"), nil
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	missions *missions.Service
	wallet   *ledger.Service
	rep      *reputation.Service
	scorer   *scoring.Stub
	counter  *cache.Memory
	jobs     *jobqueue.Pool
	events   *broadcast.Recorder
	mission  *missions.Mission
	claim    *missions.Claim
}

func newFixture(t *testing.T, confidence float64, distance int) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop().Sugar()

	missionSvc := missions.New(missions.NewMemoryStore(), log)
	m, err := missionSvc.CreateMission(ctx, missions.CreateMissionRequest{
		CreatorAgentID: "agent-1", SolutionID: "solution-1", Title: "Clean the river",
		TokenReward: 25, MaxClaims: 3,
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if _, err := missionSvc.SetGuardrailStatus(ctx, m.ID, missions.GuardrailApproved); err != nil {
		t.Fatalf("approve mission: %v", err)
	}
	claim, err := missionSvc.Claim(ctx, m.ID, "human-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	store := NewMemoryStore()
	wallet := ledger.New(ledger.NewMemoryStore(), log)
	rep := reputation.New(reputation.NewMemoryStore(), log)
	scorer := &scoring.Stub{Result: &scoring.Result{Confidence: confidence, Reasoning: "stub", CostCents: 2}}
	counter := cache.NewMemory()
	events := &broadcast.Recorder{}
	pool := jobqueue.NewPool(jobqueue.NewMemoryStore(), log, 1)

	svc := New(Deps{
		Store:       store,
		Missions:    missionSvc,
		Wallet:      wallet,
		Reputation:  rep,
		Scorer:      scorer,
		Objects:     fakeObjects{},
		Comparer:    fixedComparer{distance: distance},
		Counter:     counter,
		Jobs:        pool,
		Events:      events,
		BudgetCents: 100,
		Log:         log,
	})
	svc.RegisterJobs(pool)

	return &fixture{
		svc: svc, store: store, missions: missionSvc, wallet: wallet, rep: rep,
		scorer: scorer, counter: counter, jobs: pool, events: events,
		mission: m, claim: claim,
	}
}

func (f *fixture) submitText(t *testing.T) *Evidence {
	t.Helper()
	ev, err := f.svc.Submit(context.Background(), SubmitRequest{
		ClaimID: f.claim.ID, HumanID: "human-1", EvidenceType: "photo",
		TextContent: "planted 10 trees by the river",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return ev
}

func eventTypes(events []broadcast.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestVerificationAutoVerify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.91, 50)
	ev := f.submitText(t)

	if n := f.jobs.RunOnce(ctx); n != 1 {
		t.Fatalf("expected 1 job, processed %d", n)
	}

	got, _ := f.svc.Get(ctx, ev.ID)
	if got.VerificationStage != StageVerified {
		t.Fatalf("expected verified, got %s", got.VerificationStage)
	}
	if got.FinalVerdict == nil || *got.FinalVerdict != VerdictVerified {
		t.Errorf("final verdict not recorded: %v", got.FinalVerdict)
	}
	if got.AIScore == nil || *got.AIScore != 0.91 {
		t.Errorf("ai score not recorded: %v", got.AIScore)
	}
	if got.RewardTransactionID == nil {
		t.Error("reward transaction not linked")
	}

	// Token reward in the human-tokens ledger.
	bal, err := f.wallet.Balance(ctx, ledger.HumanTokens, "human-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 25*ledger.MilliPerCredit {
		t.Errorf("expected 25 token reward, got %d milli", bal)
	}

	// Claim finalized, reputation and streak moved.
	claim, _ := f.missions.GetClaim(ctx, f.claim.ID)
	if claim.Status != missions.ClaimVerified {
		t.Errorf("claim should be verified, got %s", claim.Status)
	}
	human, err := f.rep.UpdateReputation(ctx, "human-1", 0, "read")
	if err != nil {
		t.Fatalf("reputation read: %v", err)
	}
	if human.ReputationScore != 10 {
		t.Errorf("reputation should be 10, got %d", human.ReputationScore)
	}
	if human.CurrentStreak != 1 {
		t.Errorf("streak should be 1, got %d", human.CurrentStreak)
	}

	audit, _ := f.svc.AuditTrail(ctx, ev.ID)
	if len(audit) != 1 || audit[0].DecisionSource != SourceAI || audit[0].Decision != VerdictVerified {
		t.Errorf("unexpected audit trail %+v", audit)
	}
	if types := eventTypes(f.events.Events()); len(types) != 1 || types[0] != "evidence:verified" {
		t.Errorf("unexpected events %v", types)
	}
}

func TestScoreBoundaries(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name      string
		score     float64
		wantStage string
	}{
		{"exactly 0.80 verifies", 0.80, StageVerified},
		{"exactly 0.50 goes to peers", 0.50, StagePeerReview},
		{"just under 0.50 rejects", 0.49999, StageRejected},
		{"over 1.0 clamps and verifies", 1.7, StageVerified},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.score, 50)
			ev := f.submitText(t)
			f.jobs.RunOnce(ctx)
			got, _ := f.svc.Get(ctx, ev.ID)
			if got.VerificationStage != tc.wantStage {
				t.Errorf("score %v routed to %s, want %s", tc.score, got.VerificationStage, tc.wantStage)
			}
		})
	}
}

func TestBudgetExhaustedSkipsScorer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.95, 50)
	ev := f.submitText(t)

	day := time.Now().UTC().Format("2006-01-02")
	if _, err := f.counter.IncrBy(ctx, "vision_budget:"+day, 100, time.Hour); err != nil {
		t.Fatalf("prefill budget: %v", err)
	}

	f.jobs.RunOnce(ctx)

	got, _ := f.svc.Get(ctx, ev.ID)
	if got.VerificationStage != StagePeerReview {
		t.Errorf("exhausted budget should route to peer review, got %s", got.VerificationStage)
	}
	if f.scorer.Calls != 0 {
		t.Errorf("scorer should not be called on exhausted budget, called %d times", f.scorer.Calls)
	}
}

func TestScorerFailureFailsOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, 50)
	f.scorer.Err = apperr.Unavailable("provider down")
	ev := f.submitText(t)

	err := f.svc.ProcessVerification(ctx, ev.ID)
	if err == nil {
		t.Fatal("scorer failure should propagate for queue retry")
	}
	got, _ := f.svc.Get(ctx, ev.ID)
	if got.VerificationStage != StagePeerReview {
		t.Errorf("scorer failure should park in peer review, got %s", got.VerificationStage)
	}
	audit, _ := f.svc.AuditTrail(ctx, ev.ID)
	if len(audit) != 1 || audit[0].Decision != StagePeerReview {
		t.Errorf("failure routing should be audited, got %+v", audit)
	}
}

func TestPeerReviewMajority(t *testing.T) {
	ctx := context.Background()

	t.Run("two of three approvals verifies", func(t *testing.T) {
		f := newFixture(t, 0.6, 50)
		ev := f.submitText(t)
		f.jobs.RunOnce(ctx)

		if _, err := f.svc.RecordPeerReview(ctx, ev.ID, "rev-1", true, "looks done"); err != nil {
			t.Fatalf("vote 1: %v", err)
		}
		if _, err := f.svc.RecordPeerReview(ctx, ev.ID, "rev-2", false, "unclear"); err != nil {
			t.Fatalf("vote 2: %v", err)
		}
		got, err := f.svc.RecordPeerReview(ctx, ev.ID, "rev-3", true, "confirmed")
		if err != nil {
			t.Fatalf("vote 3: %v", err)
		}
		if got.VerificationStage != StageVerified {
			t.Errorf("majority approve should verify, got %s", got.VerificationStage)
		}
		if bal, _ := f.wallet.Balance(ctx, ledger.HumanTokens, "human-1"); bal != 25*ledger.MilliPerCredit {
			t.Errorf("peer verification should pay the reward, balance %d", bal)
		}
	})

	t.Run("majority reject rejects", func(t *testing.T) {
		f := newFixture(t, 0.6, 50)
		ev := f.submitText(t)
		f.jobs.RunOnce(ctx)

		f.svc.RecordPeerReview(ctx, ev.ID, "rev-1", false, "")
		f.svc.RecordPeerReview(ctx, ev.ID, "rev-2", true, "")
		got, err := f.svc.RecordPeerReview(ctx, ev.ID, "rev-3", false, "")
		if err != nil {
			t.Fatalf("vote 3: %v", err)
		}
		if got.VerificationStage != StageRejected {
			t.Errorf("majority reject should reject, got %s", got.VerificationStage)
		}
	})

	t.Run("duplicate reviewer conflicts", func(t *testing.T) {
		f := newFixture(t, 0.6, 50)
		ev := f.submitText(t)
		f.jobs.RunOnce(ctx)

		f.svc.RecordPeerReview(ctx, ev.ID, "rev-1", true, "")
		if _, err := f.svc.RecordPeerReview(ctx, ev.ID, "rev-1", false, ""); !apperr.IsCode(err, apperr.CodeConflict) {
			t.Errorf("second vote should conflict, got %v", err)
		}
	})

	t.Run("submitter cannot self-review", func(t *testing.T) {
		f := newFixture(t, 0.6, 50)
		ev := f.submitText(t)
		f.jobs.RunOnce(ctx)

		if _, err := f.svc.RecordPeerReview(ctx, ev.ID, "human-1", true, ""); !apperr.IsCode(err, apperr.CodeForbidden) {
			t.Errorf("self review should be forbidden, got %v", err)
		}
	})
}

func TestAppealFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.2, 50)
	ev := f.submitText(t)
	f.jobs.RunOnce(ctx)

	got, _ := f.svc.Get(ctx, ev.ID)
	if got.VerificationStage != StageRejected {
		t.Fatalf("fixture should reject, got %s", got.VerificationStage)
	}

	// Non-owner cannot appeal.
	if _, err := f.svc.Appeal(ctx, ev.ID, "human-2", "unfair"); !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Errorf("non-owner appeal should be forbidden, got %v", err)
	}

	appealed, err := f.svc.Appeal(ctx, ev.ID, "human-1", "the photo is real")
	if err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if appealed.VerificationStage != StageAppealed || appealed.AppealedAt == nil {
		t.Errorf("appeal not recorded: stage=%s appealedAt=%v", appealed.VerificationStage, appealed.AppealedAt)
	}

	// One appeal per piece of evidence.
	if _, err := f.svc.Appeal(ctx, ev.ID, "human-1", "again"); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Errorf("second appeal should conflict, got %v", err)
	}

	// Admin overturn pays the reward.
	settled, err := f.svc.AdminReview(ctx, ev.ID, "admin-1", VerdictVerified, "photo checks out")
	if err != nil {
		t.Fatalf("admin review: %v", err)
	}
	if settled.VerificationStage != StageVerified {
		t.Errorf("expected verified, got %s", settled.VerificationStage)
	}
	if bal, _ := f.wallet.Balance(ctx, ledger.HumanTokens, "human-1"); bal != 25*ledger.MilliPerCredit {
		t.Errorf("overturned appeal should pay the reward, balance %d", bal)
	}

	audit, _ := f.svc.AuditTrail(ctx, ev.ID)
	last := audit[len(audit)-1]
	if last.DecisionSource != SourceAdmin || last.Decision != VerdictVerified {
		t.Errorf("admin decision should be audited, got %+v", last)
	}
}

func TestAppealRequiresRejectedStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.6, 50)
	ev := f.submitText(t)
	f.jobs.RunOnce(ctx)

	if _, err := f.svc.Appeal(ctx, ev.ID, "human-1", "no"); !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Errorf("appealing peer_review evidence should be forbidden, got %v", err)
	}
}

func TestAppealRateLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.2, 50)

	day := time.Now().UTC().Format("2006-01-02")
	if _, err := f.counter.IncrBy(ctx, "appeal:human-1:"+day, AppealDailyLimit, time.Hour); err != nil {
		t.Fatalf("prefill: %v", err)
	}

	ev := f.submitText(t)
	f.jobs.RunOnce(ctx)

	if _, err := f.svc.Appeal(ctx, ev.ID, "human-1", "one more"); !apperr.IsCode(err, apperr.CodeRateLimited) {
		t.Errorf("appeal past the daily limit should be rate limited, got %v", err)
	}
}

func submitPair(t *testing.T, f *fixture) (before, after *Evidence) {
	t.Helper()
	ctx := context.Background()
	before, err := f.svc.Submit(ctx, SubmitRequest{
		ClaimID: f.claim.ID, HumanID: "human-1", EvidenceType: "photo",
		ContentURL: "evidence/before.jpg", PairID: "pair-1", PairRole: RoleBefore,
	})
	if err != nil {
		t.Fatalf("submit before: %v", err)
	}
	after, err = f.svc.Submit(ctx, SubmitRequest{
		ClaimID: f.claim.ID, HumanID: "human-1", EvidenceType: "photo",
		ContentURL: "evidence/after.jpg", PairID: "pair-1", PairRole: RoleAfter,
	})
	if err != nil {
		t.Fatalf("submit after: %v", err)
	}
	return before, after
}

func TestPairComparison(t *testing.T) {
	ctx := context.Background()

	t.Run("near-identical frames force peer review", func(t *testing.T) {
		f := newFixture(t, 0.95, 3)
		before, after := submitPair(t, f)
		f.jobs.RunOnce(ctx)

		got, _ := f.svc.Get(ctx, after.ID)
		if got.VerificationStage != StagePeerReview {
			t.Errorf("fraud signal should force peer review, got %s", got.VerificationStage)
		}
		if f.scorer.Calls != 0 {
			t.Errorf("fraud-flagged pair must not reach the scorer, called %d times", f.scorer.Calls)
		}
		// Only the after row is routed.
		b, _ := f.svc.Get(ctx, before.ID)
		if b.VerificationStage != StagePending {
			t.Errorf("before row should stay pending, got %s", b.VerificationStage)
		}
		audit, _ := f.svc.AuditTrail(ctx, after.ID)
		if len(audit) != 1 || audit[0].Decision != StagePeerReview {
			t.Errorf("fraud routing should be audited, got %+v", audit)
		}
	})

	t.Run("distinct frames proceed to comparison scoring", func(t *testing.T) {
		f := newFixture(t, 0.95, 12)
		_, after := submitPair(t, f)
		f.jobs.RunOnce(ctx)

		got, _ := f.svc.Get(ctx, after.ID)
		if got.VerificationStage != StageVerified {
			t.Errorf("distinct pair with high score should verify, got %s", got.VerificationStage)
		}
		if f.scorer.Calls != 1 {
			t.Errorf("scorer should run once, ran %d times", f.scorer.Calls)
		}
	})
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.9, 50)

	cases := []struct {
		name string
		req  SubmitRequest
		code apperr.Code
	}{
		{"missing content", SubmitRequest{ClaimID: f.claim.ID, HumanID: "human-1", EvidenceType: "photo"}, apperr.CodeValidation},
		{"missing type", SubmitRequest{ClaimID: f.claim.ID, HumanID: "human-1", TextContent: "x"}, apperr.CodeValidation},
		{"bad pair role", SubmitRequest{ClaimID: f.claim.ID, HumanID: "human-1", EvidenceType: "photo", TextContent: "x", PairID: "p", PairRole: "middle"}, apperr.CodeValidation},
		{"wrong owner", SubmitRequest{ClaimID: f.claim.ID, HumanID: "human-2", EvidenceType: "photo", TextContent: "x"}, apperr.CodeForbidden},
		{"unknown claim", SubmitRequest{ClaimID: "nope", HumanID: "human-1", EvidenceType: "photo", TextContent: "x"}, apperr.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Submit(ctx, tc.req); !apperr.IsCode(err, tc.code) {
				t.Errorf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestVerdictLandsWithStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.2, 50)
	ev := f.submitText(t)
	f.jobs.RunOnce(ctx)

	// Stage and verdict are one store write: a rejected row must never be
	// observable without its verdict fields.
	got, _ := f.svc.Get(ctx, ev.ID)
	if got.VerificationStage != StageRejected {
		t.Fatalf("fixture should reject, got %s", got.VerificationStage)
	}
	if got.FinalVerdict == nil || *got.FinalVerdict != VerdictRejected {
		t.Errorf("rejected row missing its verdict: %v", got.FinalVerdict)
	}
	if got.AIScore == nil || got.FinalConfidence == nil {
		t.Errorf("rejected row missing its score: score=%v confidence=%v", got.AIScore, got.FinalConfidence)
	}

	// A refused transition leaves the verdict fields untouched with it.
	verdict := VerdictVerified
	if _, err := f.store.TransitionStage(ctx, ev.ID, []string{StagePending}, StageVerified, Patch{FinalVerdict: &verdict}); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Fatalf("stale transition should conflict, got %v", err)
	}
	got, _ = f.svc.Get(ctx, ev.ID)
	if *got.FinalVerdict != VerdictRejected {
		t.Errorf("refused transition must not change the verdict, got %s", *got.FinalVerdict)
	}
}

func TestAdminReviewResumesPickedUpCase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.2, 50)
	ev := f.submitText(t)
	f.jobs.RunOnce(ctx)

	if _, err := f.svc.Appeal(ctx, ev.ID, "human-1", "the photo is real"); err != nil {
		t.Fatalf("appeal: %v", err)
	}

	// An admin who took the case but never settled leaves it parked at
	// admin_review. A later review must pick it up from there.
	parked, err := f.store.TransitionStage(ctx, ev.ID, []string{StageAppealed}, StageAdminReview, Patch{})
	if err != nil {
		t.Fatalf("park at admin_review: %v", err)
	}
	if parked.VerificationStage != StageAdminReview {
		t.Fatalf("expected admin_review, got %s", parked.VerificationStage)
	}

	settled, err := f.svc.AdminReview(ctx, ev.ID, "admin-1", VerdictVerified, "checks out")
	if err != nil {
		t.Fatalf("admin review: %v", err)
	}
	if settled.VerificationStage != StageVerified {
		t.Errorf("expected verified, got %s", settled.VerificationStage)
	}
	if settled.FinalVerdict == nil || *settled.FinalVerdict != VerdictVerified {
		t.Errorf("verdict not recorded: %v", settled.FinalVerdict)
	}
}

func TestSubmitPairRequiresBeforeFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.9, 50)

	_, err := f.svc.Submit(ctx, SubmitRequest{
		ClaimID: f.claim.ID, HumanID: "human-1", EvidenceType: "photo",
		ContentURL: "evidence/after.jpg", PairID: "pair-2", PairRole: RoleAfter,
	})
	if !apperr.IsCode(err, apperr.CodeConflict) {
		t.Fatalf("after half without its before half should conflict, got %v", err)
	}

	// In order, both halves land.
	if _, err := f.svc.Submit(ctx, SubmitRequest{
		ClaimID: f.claim.ID, HumanID: "human-1", EvidenceType: "photo",
		ContentURL: "evidence/before.jpg", PairID: "pair-2", PairRole: RoleBefore,
	}); err != nil {
		t.Fatalf("submit before: %v", err)
	}
	if _, err := f.svc.Submit(ctx, SubmitRequest{
		ClaimID: f.claim.ID, HumanID: "human-1", EvidenceType: "photo",
		ContentURL: "evidence/after.jpg", PairID: "pair-2", PairRole: RoleAfter,
	}); err != nil {
		t.Fatalf("submit after: %v", err)
	}
}
