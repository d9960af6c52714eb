package evidence

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/betterworld-network/marketplace/internal/apperr"
	"github.com/betterworld-network/marketplace/internal/broadcast"
	"github.com/betterworld-network/marketplace/internal/cache"
	"github.com/betterworld-network/marketplace/internal/imagesim"
	"github.com/betterworld-network/marketplace/internal/jobqueue"
	"github.com/betterworld-network/marketplace/internal/metrics"
	"github.com/betterworld-network/marketplace/internal/objectstore"
	"github.com/betterworld-network/marketplace/internal/scoring"
	"github.com/betterworld-network/marketplace/services/ledger"
	"github.com/betterworld-network/marketplace/services/missions"
	"github.com/betterworld-network/marketplace/services/reputation"
)

// MissionCoordinator is the slice of the missions service the pipeline uses.
type MissionCoordinator interface {
	GetMission(ctx context.Context, id string) (*missions.Mission, error)
	GetClaim(ctx context.Context, id string) (*missions.Claim, error)
	MarkClaimSubmitted(ctx context.Context, claimID string) (*missions.Claim, error)
	MarkClaimVerified(ctx context.Context, claimID string) (*missions.Claim, error)
}

// Wallet credits token rewards on verification.
type Wallet interface {
	Earn(ctx context.Context, req ledger.Request) (*ledger.Result, error)
}

// ReputationTracker records reputation and streak effects of verification.
type ReputationTracker interface {
	UpdateReputation(ctx context.Context, humanID string, delta int, reason string) (*reputation.Human, error)
	RecordActivity(ctx context.Context, humanID string) (*reputation.Human, error)
}

// Enqueuer schedules background verification work.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) (*jobqueue.Job, error)
}

// ReviewerSelector picks human reviewers for escalated evidence.
type ReviewerSelector interface {
	SelectReviewers(ctx context.Context, ev *Evidence, n int) ([]string, error)
}

// Deps wires the pipeline's collaborators.
type Deps struct {
	Store       Store
	Missions    MissionCoordinator
	Wallet      Wallet
	Reputation  ReputationTracker
	Scorer      scoring.Scorer
	Objects     objectstore.Provider
	Comparer    imagesim.Comparer
	Counter     cache.Counter
	Jobs        Enqueuer
	Events      broadcast.Publisher
	Reviewers   ReviewerSelector
	BudgetCents int64
	Log         *zap.SugaredLogger
}

// Service is the evidence verification pipeline.
type Service struct {
	store       Store
	missions    MissionCoordinator
	wallet      Wallet
	reputation  ReputationTracker
	scorer      scoring.Scorer
	objects     objectstore.Provider
	comparer    imagesim.Comparer
	counter     cache.Counter
	jobs        Enqueuer
	events      broadcast.Publisher
	reviewers   ReviewerSelector
	budgetCents int64
	log         *zap.SugaredLogger
	now         func() time.Time
}

func New(d Deps) *Service {
	events := d.Events
	if events == nil {
		events = broadcast.Nop{}
	}
	return &Service{
		store:       d.Store,
		missions:    d.Missions,
		wallet:      d.Wallet,
		reputation:  d.Reputation,
		scorer:      d.Scorer,
		objects:     d.Objects,
		comparer:    d.Comparer,
		counter:     d.Counter,
		jobs:        d.Jobs,
		events:      events,
		reviewers:   d.Reviewers,
		budgetCents: d.BudgetCents,
		log:         d.Log.With("component", "evidence"),
		now:         time.Now,
	}
}

// SetClock overrides the clock for budget-window tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Submit records new evidence against the caller's active claim and queues
// it for verification. The "before" half of a photo pair waits for its
// "after" half; comparison runs once the pair is complete.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Evidence, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}
	claim, err := s.missions.GetClaim(ctx, req.ClaimID)
	if err != nil {
		return nil, err
	}
	if claim.HumanID != req.HumanID {
		return nil, apperr.Forbidden("claim %s does not belong to %s", req.ClaimID, req.HumanID)
	}
	if claim.Status != missions.ClaimActive && claim.Status != missions.ClaimSubmitted {
		return nil, apperr.Conflict("claim %s is %s, evidence requires an active claim", claim.ID, claim.Status)
	}
	if _, err := s.missions.GetMission(ctx, claim.MissionID); err != nil {
		return nil, err
	}
	if req.PairID != "" && req.PairRole == RoleAfter {
		if _, err := s.store.GetPairMember(ctx, req.PairID, RoleBefore); err != nil {
			if apperr.IsCode(err, apperr.CodeNotFound) {
				return nil, apperr.Conflict("pair %s has no before submission yet", req.PairID)
			}
			return nil, err
		}
	}

	now := s.now().UTC()
	ev := &Evidence{
		ID:                uuid.NewString(),
		MissionID:         claim.MissionID,
		ClaimID:           claim.ID,
		HumanID:           req.HumanID,
		EvidenceType:      req.EvidenceType,
		ContentURL:        req.ContentURL,
		TextContent:       req.TextContent,
		VerificationStage: StagePending,
		PeerReviewsNeeded: PeerReviewsNeeded,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.PairID != "" {
		pairID, pairRole := req.PairID, req.PairRole
		ev.PairID = &pairID
		ev.PairRole = &pairRole
	}
	if err := s.store.CreateEvidence(ctx, ev); err != nil {
		return nil, err
	}

	if _, err := s.missions.MarkClaimSubmitted(ctx, claim.ID); err != nil && !apperr.IsCode(err, apperr.CodeConflict) {
		s.log.Warnw("marking claim submitted failed", "claim", claim.ID, "error", err)
	}

	switch {
	case req.PairID != "" && req.PairRole == RoleBefore:
		// Wait for the after half.
	case req.PairID != "" && req.PairRole == RoleAfter:
		if _, err := s.jobs.Enqueue(ctx, JobComparePair, ComparePayload{PairID: req.PairID}); err != nil {
			return nil, apperr.Internal(err, "queueing pair comparison")
		}
	default:
		if _, err := s.jobs.Enqueue(ctx, JobVerify, VerifyPayload{EvidenceID: ev.ID}); err != nil {
			return nil, apperr.Internal(err, "queueing verification")
		}
	}

	s.log.Infow("evidence submitted", "evidence", ev.ID, "claim", claim.ID, "type", req.EvidenceType, "pair", req.PairID)
	return ev, nil
}

// Get reads one evidence row.
func (s *Service) Get(ctx context.Context, id string) (*Evidence, error) {
	return s.store.GetEvidence(ctx, id)
}

// AuditTrail lists the decision history for a piece of evidence.
func (s *Service) AuditTrail(ctx context.Context, evidenceID string) ([]AuditEntry, error) {
	return s.store.ListAudit(ctx, evidenceID)
}

// processable are the stages a verification job may pick up from. A retried
// job re-enters after a scorer failure parked the evidence in peer_review.
var processable = []string{StagePending, StageAIProcessing, StagePeerReview}

// ProcessVerification is the evidence.verify job handler. Scorer failures
// park the evidence in peer review and return the error so the queue retries;
// the submission is never silently dropped.
func (s *Service) ProcessVerification(ctx context.Context, evidenceID string) error {
	ev, err := s.store.TransitionStage(ctx, evidenceID, processable, StageAIProcessing, Patch{})
	if err != nil {
		if apperr.IsCode(err, apperr.CodeConflict) {
			s.log.Infow("evidence already routed, skipping", "evidence", evidenceID)
			return nil
		}
		return err
	}
	mission, err := s.missions.GetMission(ctx, ev.MissionID)
	if err != nil {
		return err
	}

	if s.budgetExhausted(ctx) {
		metrics.VisionBudgetSkips.Inc()
		return s.routePeerReview(ctx, ev, nil, "daily vision budget exhausted", nil)
	}

	req := scoring.Request{
		MissionTitle: mission.Title,
		EvidenceType: ev.EvidenceType,
		TextContent:  ev.TextContent,
	}
	req.ImageBase64 = s.fetchImage(ctx, ev)

	res, err := s.scorer.Score(ctx, req)
	if err != nil {
		s.log.Warnw("scoring failed, failing open to peer review", "evidence", ev.ID, "error", err)
		if rerr := s.routePeerReview(ctx, ev, nil, "scoring step failed: "+err.Error(), nil); rerr != nil {
			s.log.Errorw("parking evidence in peer review failed", "evidence", ev.ID, "error", rerr)
		}
		return err
	}
	s.meterCost(ctx, res.CostCents)

	return s.route(ctx, ev, mission, clampScore(res.Confidence), res.Reasoning, nil)
}

// ProcessPairComparison is the evidence.compare_pair job handler. Near-identical
// before/after frames are a fraud signal and force peer review regardless of
// any AI score; otherwise the after row goes through the standard scoring path
// with an improvement-focused comparison.
func (s *Service) ProcessPairComparison(ctx context.Context, pairID string) error {
	before, after, err := s.store.GetPair(ctx, pairID)
	if err != nil {
		return err
	}
	after, err = s.store.TransitionStage(ctx, after.ID, processable, StageAIProcessing, Patch{})
	if err != nil {
		if apperr.IsCode(err, apperr.CodeConflict) {
			s.log.Infow("pair already routed, skipping", "pair", pairID)
			return nil
		}
		return err
	}
	mission, err := s.missions.GetMission(ctx, after.MissionID)
	if err != nil {
		return err
	}

	beforeImg := s.fetchImageRaw(ctx, before)
	afterImg := s.fetchImageRaw(ctx, after)
	if beforeImg != nil && afterImg != nil && s.comparer != nil {
		distance, derr := s.comparer.Distance(beforeImg, afterImg)
		if derr != nil {
			s.log.Warnw("perceptual hash failed", "pair", pairID, "error", derr)
		} else if imagesim.NearIdentical(distance) {
			meta, _ := json.Marshal(map[string]any{"hamming_distance": distance, "fraud_signal": true})
			return s.routePeerReview(ctx, after, nil,
				fmt.Sprintf("before/after frames are near-identical (hamming distance %d)", distance), meta)
		}
	}

	if s.budgetExhausted(ctx) {
		metrics.VisionBudgetSkips.Inc()
		return s.routePeerReview(ctx, after, nil, "daily vision budget exhausted", nil)
	}

	req := scoring.Request{
		MissionTitle:      mission.Title,
		EvidenceType:      after.EvidenceType,
		TextContent:       after.TextContent,
		ImageBase64:       base64.StdEncoding.EncodeToString(afterImg),
		BeforeImageBase64: base64.StdEncoding.EncodeToString(beforeImg),
		Comparison:        true,
	}
	res, err := s.scorer.Score(ctx, req)
	if err != nil {
		s.log.Warnw("pair scoring failed, failing open to peer review", "pair", pairID, "error", err)
		if rerr := s.routePeerReview(ctx, after, nil, "scoring step failed: "+err.Error(), nil); rerr != nil {
			s.log.Errorw("parking evidence in peer review failed", "evidence", after.ID, "error", rerr)
		}
		return err
	}
	s.meterCost(ctx, res.CostCents)

	return s.route(ctx, after, mission, clampScore(res.Confidence), res.Reasoning, nil)
}

// Appeal moves the caller's rejected evidence into the appeal track. Each
// piece can be appealed once, and appeals are rate-limited per human per day.
func (s *Service) Appeal(ctx context.Context, evidenceID, humanID, reason string) (*Evidence, error) {
	ev, err := s.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if ev.HumanID != humanID {
		return nil, apperr.Forbidden("evidence %s does not belong to %s", evidenceID, humanID)
	}
	if ev.AppealedAt != nil {
		return nil, apperr.Conflict("evidence %s was already appealed", evidenceID)
	}
	if ev.VerificationStage != StageRejected {
		return nil, apperr.Forbidden("only rejected evidence can be appealed, %s is %s", evidenceID, ev.VerificationStage)
	}

	day := s.now().UTC().Format("2006-01-02")
	n, err := s.counter.IncrBy(ctx, "appeal:"+humanID+":"+day, 1, 48*time.Hour)
	if err != nil {
		s.log.Warnw("appeal rate counter unavailable", "human", humanID, "error", err)
	} else if n > AppealDailyLimit {
		return nil, apperr.RateLimited("appeal limit of %d per day reached", AppealDailyLimit)
	}

	appealedAt := s.now().UTC()
	ev, err = s.store.TransitionStage(ctx, evidenceID, []string{StageRejected}, StageAppealed, Patch{AppealedAt: &appealedAt})
	if err != nil {
		return nil, err
	}
	s.log.Infow("evidence appealed", "evidence", evidenceID, "human", humanID, "reason", reason)
	return ev, nil
}

// AdminReview settles an appealed piece of evidence with a final verdict.
func (s *Service) AdminReview(ctx context.Context, evidenceID, adminID, verdict, notes string) (*Evidence, error) {
	if verdict != VerdictVerified && verdict != VerdictRejected {
		return nil, apperr.Validation("verdict must be verified or rejected, got %q", verdict)
	}
	// Taking the case moves it to admin_review; a settle that dies after
	// the pickup is retried from there.
	ev, err := s.store.TransitionStage(ctx, evidenceID, []string{StageAppealed, StageAdminReview}, StageAdminReview, Patch{})
	if err != nil {
		return nil, err
	}
	ev, err = s.store.TransitionStage(ctx, evidenceID, []string{StageAdminReview}, verdict, Patch{FinalVerdict: &verdict})
	if err != nil {
		return nil, err
	}
	meta, _ := json.Marshal(map[string]string{"admin_id": adminID})
	s.audit(ctx, ev.ID, SourceAdmin, verdict, ev.AIScore, notes, meta)
	metrics.EvidenceDecisions.WithLabelValues(SourceAdmin, verdict).Inc()

	if verdict == VerdictVerified {
		mission, merr := s.missions.GetMission(ctx, ev.MissionID)
		if merr != nil {
			s.log.Warnw("mission lookup failed after admin verification", "evidence", ev.ID, "error", merr)
		} else {
			s.applyVerifiedEffects(ctx, ev, mission)
		}
	} else {
		s.events.Publish("evidence:rejected", ev)
	}
	s.log.Infow("admin review settled", "evidence", evidenceID, "admin", adminID, "verdict", verdict)
	return s.store.GetEvidence(ctx, evidenceID)
}

// RecordPeerReview records one reviewer vote. When the round completes the
// majority decides the final verdict.
func (s *Service) RecordPeerReview(ctx context.Context, evidenceID, reviewerID string, approve bool, notes string) (*Evidence, error) {
	ev, err := s.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if ev.VerificationStage != StagePeerReview {
		return nil, apperr.Conflict("evidence %s is %s, not under peer review", evidenceID, ev.VerificationStage)
	}
	if ev.HumanID == reviewerID {
		return nil, apperr.Forbidden("submitter cannot review their own evidence")
	}

	review := &PeerReview{
		ID:         uuid.NewString(),
		EvidenceID: evidenceID,
		ReviewerID: reviewerID,
		Approve:    approve,
		Notes:      notes,
		CreatedAt:  s.now().UTC(),
	}
	approvals, total, err := s.store.AddPeerReview(ctx, review)
	if err != nil {
		return nil, err
	}
	if total < ev.PeerReviewsNeeded {
		return s.store.GetEvidence(ctx, evidenceID)
	}

	verdict := VerdictRejected
	if approvals*2 > total {
		verdict = VerdictVerified
	}
	ev, err = s.store.TransitionStage(ctx, evidenceID, []string{StagePeerReview}, verdict, Patch{FinalVerdict: &verdict})
	if err != nil {
		// Another reviewer's vote settled the round first.
		if apperr.IsCode(err, apperr.CodeConflict) {
			return s.store.GetEvidence(ctx, evidenceID)
		}
		return nil, err
	}
	meta, _ := json.Marshal(map[string]int{"approvals": approvals, "total": total})
	s.audit(ctx, ev.ID, SourcePeer, verdict, ev.AIScore,
		fmt.Sprintf("peer review settled %d/%d approvals", approvals, total), meta)
	metrics.EvidenceDecisions.WithLabelValues(SourcePeer, verdict).Inc()

	if verdict == VerdictVerified {
		mission, merr := s.missions.GetMission(ctx, ev.MissionID)
		if merr != nil {
			s.log.Warnw("mission lookup failed after peer verification", "evidence", ev.ID, "error", merr)
		} else {
			s.applyVerifiedEffects(ctx, ev, mission)
		}
	} else {
		s.events.Publish("evidence:rejected", ev)
	}
	return s.store.GetEvidence(ctx, evidenceID)
}

// route applies threshold routing to a scored piece of evidence.
func (s *Service) route(ctx context.Context, ev *Evidence, mission *missions.Mission, score float64, reasoning string, meta json.RawMessage) error {
	switch {
	case score >= VerifyThreshold:
		verdict := VerdictVerified
		updated, err := s.store.TransitionStage(ctx, ev.ID, []string{StageAIProcessing}, StageVerified,
			Patch{AIScore: &score, FinalVerdict: &verdict, FinalConfidence: &score})
		if err != nil {
			return err
		}
		s.audit(ctx, ev.ID, SourceAI, VerdictVerified, &score, reasoning, meta)
		metrics.EvidenceDecisions.WithLabelValues(SourceAI, VerdictVerified).Inc()
		s.applyVerifiedEffects(ctx, updated, mission)
		return nil

	case score < RejectThreshold:
		verdict := VerdictRejected
		updated, err := s.store.TransitionStage(ctx, ev.ID, []string{StageAIProcessing}, StageRejected,
			Patch{AIScore: &score, FinalVerdict: &verdict, FinalConfidence: &score})
		if err != nil {
			return err
		}
		s.audit(ctx, ev.ID, SourceAI, VerdictRejected, &score, reasoning, meta)
		metrics.EvidenceDecisions.WithLabelValues(SourceAI, VerdictRejected).Inc()
		s.events.Publish("evidence:rejected", updated)
		return nil

	default:
		return s.routePeerReview(ctx, ev, &score, reasoning, meta)
	}
}

func (s *Service) routePeerReview(ctx context.Context, ev *Evidence, score *float64, reasoning string, meta json.RawMessage) error {
	updated, err := s.store.TransitionStage(ctx, ev.ID, []string{StageAIProcessing}, StagePeerReview, Patch{AIScore: score})
	if err != nil {
		return err
	}
	s.audit(ctx, ev.ID, SourceAI, StagePeerReview, score, reasoning, meta)
	metrics.EvidenceDecisions.WithLabelValues(SourceAI, StagePeerReview).Inc()

	if s.reviewers != nil {
		if _, rerr := s.reviewers.SelectReviewers(ctx, updated, updated.PeerReviewsNeeded); rerr != nil {
			s.log.Warnw("reviewer assignment failed", "evidence", ev.ID, "error", rerr)
		}
	}
	return nil
}

// applyVerifiedEffects runs the post-verification side effects. All of them
// are best-effort: a failed reward or reputation write is logged and swallowed
// rather than undoing the verification itself.
func (s *Service) applyVerifiedEffects(ctx context.Context, ev *Evidence, mission *missions.Mission) {
	res, err := s.wallet.Earn(ctx, ledger.Request{
		Ledger:         ledger.HumanTokens,
		OwnerID:        ev.HumanID,
		Amount:         mission.TokenReward * ledger.MilliPerCredit,
		Type:           ledger.TypeEarnMissionReward,
		ReferenceID:    ev.ID,
		IdempotencyKey: "evidence_reward:" + ev.ID,
		Description:    "mission reward for " + mission.Title,
	})
	if err != nil {
		s.log.Warnw("token reward failed", "evidence", ev.ID, "human", ev.HumanID, "error", err)
	} else if _, uerr := s.store.Update(ctx, ev.ID, Patch{RewardTransactionID: &res.TransactionID}); uerr != nil {
		s.log.Warnw("recording reward transaction failed", "evidence", ev.ID, "error", uerr)
	}

	if _, err := s.missions.MarkClaimVerified(ctx, ev.ClaimID); err != nil {
		s.log.Warnw("marking claim verified failed", "claim", ev.ClaimID, "error", err)
	}
	if _, err := s.reputation.UpdateReputation(ctx, ev.HumanID, 10, "evidence verified"); err != nil {
		s.log.Warnw("reputation update failed", "human", ev.HumanID, "error", err)
	}
	if _, err := s.reputation.RecordActivity(ctx, ev.HumanID); err != nil {
		s.log.Warnw("streak update failed", "human", ev.HumanID, "error", err)
	}
	s.events.Publish("evidence:verified", ev)
}

func (s *Service) budgetExhausted(ctx context.Context) bool {
	if s.budgetCents <= 0 {
		return false
	}
	used, err := s.counter.Get(ctx, s.budgetKey())
	if err != nil {
		s.log.Warnw("vision budget counter unavailable", "error", err)
		return false
	}
	return used >= s.budgetCents
}

func (s *Service) meterCost(ctx context.Context, costCents int64) {
	if costCents <= 0 {
		return
	}
	if _, err := s.counter.IncrBy(ctx, s.budgetKey(), costCents, 48*time.Hour); err != nil {
		s.log.Warnw("metering vision cost failed", "cents", costCents, "error", err)
	}
}

func (s *Service) budgetKey() string {
	return "vision_budget:" + s.now().UTC().Format("2006-01-02")
}

// fetchImage returns the base64 image content, or empty when the evidence has
// no image or the fetch fails. Fetch failures degrade to metadata-only scoring.
func (s *Service) fetchImage(ctx context.Context, ev *Evidence) string {
	return base64.StdEncoding.EncodeToString(s.fetchImageRaw(ctx, ev))
}

func (s *Service) fetchImageRaw(ctx context.Context, ev *Evidence) []byte {
	if ev.ContentURL == "" || s.objects == nil {
		return nil
	}
	signed, err := s.objects.SignURL(ev.ContentURL, 15*time.Minute)
	if err != nil {
		s.log.Warnw("signing content url failed", "evidence", ev.ID, "error", err)
		return nil
	}
	data, err := s.objects.Fetch(ctx, signed)
	if err != nil {
		s.log.Warnw("fetching evidence image failed", "evidence", ev.ID, "error", err)
		return nil
	}
	return data
}

func (s *Service) audit(ctx context.Context, evidenceID, source, decision string, score *float64, reasoning string, meta json.RawMessage) {
	entry := &AuditEntry{
		ID:             uuid.NewString(),
		EvidenceID:     evidenceID,
		DecisionSource: source,
		Decision:       decision,
		Score:          score,
		Reasoning:      reasoning,
		Metadata:       meta,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.log.Errorw("appending audit entry failed", "evidence", evidenceID, "error", err)
	}
}

// RegisterJobs binds the pipeline's handlers to the worker pool.
func (s *Service) RegisterJobs(pool *jobqueue.Pool) {
	pool.Register(JobVerify, func(ctx context.Context, job *jobqueue.Job) error {
		var p VerifyPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decoding verify payload: %w", err)
		}
		return s.ProcessVerification(ctx, p.EvidenceID)
	})
	pool.Register(JobComparePair, func(ctx context.Context, job *jobqueue.Job) error {
		var p ComparePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decoding compare payload: %w", err)
		}
		return s.ProcessPairComparison(ctx, p.PairID)
	})
}

func validateSubmit(req SubmitRequest) error {
	if req.ClaimID == "" || req.HumanID == "" {
		return apperr.Validation("claim id and human id are required")
	}
	if req.EvidenceType == "" {
		return apperr.Validation("evidence type is required")
	}
	if req.ContentURL == "" && req.TextContent == "" {
		return apperr.Validation("evidence requires content or text")
	}
	if req.PairID != "" && req.PairRole != RoleBefore && req.PairRole != RoleAfter {
		return apperr.Validation("pair role must be before or after")
	}
	return nil
}

func clampScore(s float64) float64 {
	return math.Max(0, math.Min(1, s))
}
