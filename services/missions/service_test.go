package missions

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/betterworld-network/marketplace/internal/apperr"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return New(store, zap.NewNop().Sugar()), store
}

func createApprovedMission(t *testing.T, svc *Service, maxClaims int) *Mission {
	t.Helper()
	ctx := context.Background()
	m, err := svc.CreateMission(ctx, CreateMissionRequest{
		CreatorAgentID: "agent-1",
		SolutionID:     "solution-1",
		Title:          "Plant trees",
		TokenReward:    25,
		MaxClaims:      maxClaims,
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if _, err := svc.SetGuardrailStatus(ctx, m.ID, GuardrailApproved); err != nil {
		t.Fatalf("approve mission: %v", err)
	}
	return m
}

func TestClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	m := createApprovedMission(t, svc, 2)

	claim, err := svc.Claim(ctx, m.ID, "human-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.Status != ClaimActive {
		t.Errorf("expected active claim, got %s", claim.Status)
	}
	if d := claim.DeadlineAt.Sub(claim.ClaimedAt); d < ClaimDuration-time.Minute || d > ClaimDuration+time.Minute {
		t.Errorf("deadline should be claim time + 7 days, got delta %v", d)
	}

	got, _ := svc.GetMission(ctx, m.ID)
	if got.CurrentClaimCount != 1 {
		t.Errorf("claim count should be 1, got %d", got.CurrentClaimCount)
	}
	if got.Status != StatusClaimed {
		t.Errorf("mission should be claimed, got %s", got.Status)
	}

	// Abandon releases the slot.
	released, err := svc.UpdateClaim(ctx, claim.ID, "human-1", UpdateClaimRequest{Abandon: true})
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if released.Status != ClaimAbandoned {
		t.Errorf("expected abandoned, got %s", released.Status)
	}
	got, _ = svc.GetMission(ctx, m.ID)
	if got.CurrentClaimCount != 0 {
		t.Errorf("claim count should drop to 0, got %d", got.CurrentClaimCount)
	}
}

func TestClaimPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("unapproved mission is forbidden", func(t *testing.T) {
		svc, _ := newTestService()
		m, _ := svc.CreateMission(ctx, CreateMissionRequest{
			CreatorAgentID: "agent-1", SolutionID: "s", Title: "t",
			TokenReward: 1, MaxClaims: 1,
		})
		if _, err := svc.Claim(ctx, m.ID, "human-1"); !apperr.IsCode(err, apperr.CodeForbidden) {
			t.Errorf("expected forbidden, got %v", err)
		}
	})

	t.Run("missing mission", func(t *testing.T) {
		svc, _ := newTestService()
		if _, err := svc.Claim(ctx, "nope", "human-1"); !apperr.IsCode(err, apperr.CodeNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("duplicate claim on same mission", func(t *testing.T) {
		svc, _ := newTestService()
		m := createApprovedMission(t, svc, 5)
		if _, err := svc.Claim(ctx, m.ID, "human-1"); err != nil {
			t.Fatalf("first claim: %v", err)
		}
		if _, err := svc.Claim(ctx, m.ID, "human-1"); !apperr.IsCode(err, apperr.CodeConflict) {
			t.Errorf("expected conflict, got %v", err)
		}
	})

	t.Run("system-wide active claim cap", func(t *testing.T) {
		svc, _ := newTestService()
		for i := 0; i < MaxActiveClaimsPerHuman; i++ {
			m := createApprovedMission(t, svc, 1)
			if _, err := svc.Claim(ctx, m.ID, "human-1"); err != nil {
				t.Fatalf("claim %d: %v", i, err)
			}
		}
		extra := createApprovedMission(t, svc, 1)
		if _, err := svc.Claim(ctx, extra.ID, "human-1"); !apperr.IsCode(err, apperr.CodeForbidden) {
			t.Errorf("expected forbidden at cap, got %v", err)
		}
	})
}

func TestConcurrentClaimsLastSlot(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	m := createApprovedMission(t, svc, 1)

	const claimants = 16
	var wg sync.WaitGroup
	successes := make(chan *Claim, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if c, err := svc.Claim(ctx, m.ID, fmt.Sprintf("human-%d", n)); err == nil {
				successes <- c
			}
		}(i)
	}
	wg.Wait()
	close(successes)

	won := 0
	for range successes {
		won++
	}
	if won != 1 {
		t.Errorf("exactly one claimant should win the last slot, got %d", won)
	}

	got, _ := svc.GetMission(ctx, m.ID)
	if got.CurrentClaimCount > got.MaxClaims {
		t.Errorf("claim count %d exceeds max %d", got.CurrentClaimCount, got.MaxClaims)
	}
}

func TestUpdateClaimOwnership(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	m := createApprovedMission(t, svc, 1)
	claim, _ := svc.Claim(ctx, m.ID, "human-1")

	progress := 50
	if _, err := svc.UpdateClaim(ctx, claim.ID, "human-2", UpdateClaimRequest{ProgressPercent: &progress}); !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Errorf("non-owner update should be forbidden, got %v", err)
	}

	updated, err := svc.UpdateClaim(ctx, claim.ID, "human-1", UpdateClaimRequest{ProgressPercent: &progress})
	if err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if updated.ProgressPercent != 50 {
		t.Errorf("progress not applied: %d", updated.ProgressPercent)
	}

	bad := 150
	if _, err := svc.UpdateClaim(ctx, claim.ID, "human-1", UpdateClaimRequest{ProgressPercent: &bad}); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestMissionEditVersioning(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	m := createApprovedMission(t, svc, 2)

	title := "Plant more trees"
	updated, err := svc.UpdateMission(ctx, m.ID, "agent-1", MissionPatch{Title: &title}, m.Version)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if updated.Version != m.Version+1 {
		t.Errorf("version should increment, got %d", updated.Version)
	}
	if updated.GuardrailStatus != GuardrailPending {
		t.Errorf("edit should reset guardrail to pending, got %s", updated.GuardrailStatus)
	}

	// Stale version conflicts.
	if _, err := svc.UpdateMission(ctx, m.ID, "agent-1", MissionPatch{Title: &title}, m.Version); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Errorf("stale version should conflict, got %v", err)
	}

	// Non-owner forbidden.
	if _, err := svc.UpdateMission(ctx, m.ID, "agent-2", MissionPatch{Title: &title}, updated.Version); !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Errorf("non-owner edit should be forbidden, got %v", err)
	}
}

func TestActiveClaimsBlockEditAndArchive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	m := createApprovedMission(t, svc, 2)
	claim, _ := svc.Claim(ctx, m.ID, "human-1")

	title := "new title"
	if _, err := svc.UpdateMission(ctx, m.ID, "agent-1", MissionPatch{Title: &title}, m.Version); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Errorf("edit with active claims should conflict, got %v", err)
	}
	if err := svc.ArchiveMission(ctx, m.ID, "agent-1"); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Errorf("archive with active claims should conflict, got %v", err)
	}

	if _, err := svc.UpdateClaim(ctx, claim.ID, "human-1", UpdateClaimRequest{Abandon: true}); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if err := svc.ArchiveMission(ctx, m.ID, "agent-1"); err != nil {
		t.Fatalf("archive after release: %v", err)
	}
	if _, err := svc.GetMission(ctx, m.ID); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Errorf("archived mission should be invisible, got %v", err)
	}
}

func TestExpireOverdueClaims(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService()
	m := createApprovedMission(t, svc, 1)

	past := time.Now().Add(-time.Hour)
	svc.SetClock(func() time.Time { return past.Add(-ClaimDuration) })
	claim, err := svc.Claim(ctx, m.ID, "human-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	released, err := store.ExpireOverdueClaims(ctx, time.Now())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(released) != 1 || released[0] != claim.ID {
		t.Errorf("expected claim %s released, got %v", claim.ID, released)
	}

	got, _ := svc.GetMission(ctx, m.ID)
	if got.CurrentClaimCount != 0 {
		t.Errorf("expiry should free the slot, count %d", got.CurrentClaimCount)
	}
}

func TestMissionStatusProgression(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	m := createApprovedMission(t, svc, 1)

	claim, err := svc.Claim(ctx, m.ID, "human-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	progress := 40
	if _, err := svc.UpdateClaim(ctx, claim.ID, "human-1", UpdateClaimRequest{ProgressPercent: &progress}); err != nil {
		t.Fatalf("update claim: %v", err)
	}
	got, _ := svc.GetMission(ctx, m.ID)
	if got.Status != StatusInProgress {
		t.Errorf("mission should be in_progress after first progress report, got %s", got.Status)
	}

	if _, err := svc.MarkClaimSubmitted(ctx, claim.ID); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	got, _ = svc.GetMission(ctx, m.ID)
	if got.Status != StatusSubmitted {
		t.Errorf("mission should be submitted once all claims submit, got %s", got.Status)
	}

	if _, err := svc.MarkClaimVerified(ctx, claim.ID); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	got, _ = svc.GetMission(ctx, m.ID)
	if got.Status != StatusVerified {
		t.Errorf("mission should be verified once all claims verify, got %s", got.Status)
	}
}

func TestMissionStatusWaitsForAllSlots(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	m := createApprovedMission(t, svc, 2)

	first, err := svc.Claim(ctx, m.ID, "human-1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// One slot still open: progress and submission must not advance the
	// mission, or the remaining slot would stop being claimable.
	progress := 50
	if _, err := svc.UpdateClaim(ctx, first.ID, "human-1", UpdateClaimRequest{ProgressPercent: &progress}); err != nil {
		t.Fatalf("update claim: %v", err)
	}
	if _, err := svc.MarkClaimSubmitted(ctx, first.ID); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	got, _ := svc.GetMission(ctx, m.ID)
	if got.Status != StatusClaimed {
		t.Fatalf("mission with an open slot should stay claimed, got %s", got.Status)
	}

	second, err := svc.Claim(ctx, m.ID, "human-2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if _, err := svc.MarkClaimSubmitted(ctx, second.ID); err != nil {
		t.Fatalf("mark second submitted: %v", err)
	}
	got, _ = svc.GetMission(ctx, m.ID)
	if got.Status != StatusSubmitted {
		t.Errorf("mission should be submitted once the last claim submits, got %s", got.Status)
	}
}

func TestAbandonInProgressReopensMission(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	m := createApprovedMission(t, svc, 1)

	claim, err := svc.Claim(ctx, m.ID, "human-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	progress := 10
	if _, err := svc.UpdateClaim(ctx, claim.ID, "human-1", UpdateClaimRequest{ProgressPercent: &progress}); err != nil {
		t.Fatalf("update claim: %v", err)
	}
	if _, err := svc.UpdateClaim(ctx, claim.ID, "human-1", UpdateClaimRequest{Abandon: true}); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	got, _ := svc.GetMission(ctx, m.ID)
	if got.Status != StatusOpen {
		t.Errorf("abandoning the only claim should reopen the mission, got %s", got.Status)
	}
	if _, err := svc.Claim(ctx, m.ID, "human-2"); err != nil {
		t.Errorf("reopened mission should be claimable: %v", err)
	}
}
