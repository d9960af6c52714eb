// Package evidence runs the verification pipeline for submitted mission
// evidence: automated scoring within a daily vision budget, threshold routing
// to auto-verify, auto-reject or peer review, before/after fraud screening,
// appeals and admin review. Every routing decision lands in an immutable
// audit log.
package evidence

import (
	"encoding/json"
	"time"
)

// Verification stages.
const (
	StagePending      = "pending"
	StageAIProcessing = "ai_processing"
	StageVerified     = "verified"
	StageRejected     = "rejected"
	StagePeerReview   = "peer_review"
	StageAppealed     = "appealed"
	StageAdminReview  = "admin_review"
)

// Decision sources for the audit log.
const (
	SourceAI    = "ai"
	SourcePeer  = "peer"
	SourceAdmin = "admin"
)

// Verdicts.
const (
	VerdictVerified = "verified"
	VerdictRejected = "rejected"
)

// Pair roles for before/after photo evidence.
const (
	RoleBefore = "before"
	RoleAfter  = "after"
)

const (
	// VerifyThreshold auto-verifies at or above this score.
	VerifyThreshold = 0.80
	// RejectThreshold auto-rejects strictly below this score.
	RejectThreshold = 0.50
	// PeerReviewsNeeded completes a peer review round.
	PeerReviewsNeeded = 3
	// AppealDailyLimit caps appeals per human per UTC day.
	AppealDailyLimit = 5
)

// Evidence is one submitted proof of mission completion.
type Evidence struct {
	ID                  string     `db:"id" json:"id"`
	MissionID           string     `db:"mission_id" json:"missionId"`
	ClaimID             string     `db:"claim_id" json:"claimId"`
	HumanID             string     `db:"human_id" json:"humanId"`
	EvidenceType        string     `db:"evidence_type" json:"evidenceType"`
	ContentURL          string     `db:"content_url" json:"contentUrl,omitempty"`
	TextContent         string     `db:"text_content" json:"textContent,omitempty"`
	VerificationStage   string     `db:"verification_stage" json:"verificationStage"`
	AIScore             *float64   `db:"ai_score" json:"aiScore,omitempty"`
	PeerReviewCount     int        `db:"peer_review_count" json:"peerReviewCount"`
	PeerReviewsNeeded   int        `db:"peer_reviews_needed" json:"peerReviewsNeeded"`
	FinalVerdict        *string    `db:"final_verdict" json:"finalVerdict,omitempty"`
	FinalConfidence     *float64   `db:"final_confidence" json:"finalConfidence,omitempty"`
	RewardTransactionID *string    `db:"reward_transaction_id" json:"rewardTransactionId,omitempty"`
	PairID              *string    `db:"pair_id" json:"pairId,omitempty"`
	PairRole            *string    `db:"pair_role" json:"pairRole,omitempty"`
	AppealedAt          *time.Time `db:"appealed_at" json:"appealedAt,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updatedAt"`
}

// AuditEntry is one immutable routing decision record.
type AuditEntry struct {
	ID             string          `db:"id" json:"id"`
	EvidenceID     string          `db:"evidence_id" json:"evidenceId"`
	DecisionSource string          `db:"decision_source" json:"decisionSource"`
	Decision       string          `db:"decision" json:"decision"`
	Score          *float64        `db:"score" json:"score,omitempty"`
	Reasoning      string          `db:"reasoning" json:"reasoning"`
	Metadata       json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
}

// PeerReview is one reviewer's vote on a piece of evidence.
type PeerReview struct {
	ID         string    `db:"id" json:"id"`
	EvidenceID string    `db:"evidence_id" json:"evidenceId"`
	ReviewerID string    `db:"reviewer_id" json:"reviewerId"`
	Approve    bool      `db:"approve" json:"approve"`
	Notes      string    `db:"notes" json:"notes"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// SubmitRequest submits evidence against an active claim.
type SubmitRequest struct {
	ClaimID      string `json:"claimId"`
	HumanID      string `json:"humanId"`
	EvidenceType string `json:"evidenceType"`
	ContentURL   string `json:"contentUrl,omitempty"`
	TextContent  string `json:"textContent,omitempty"`
	// PairID groups a before/after photo pair; PairRole is before|after.
	PairID   string `json:"pairId,omitempty"`
	PairRole string `json:"pairRole,omitempty"`
}

// Patch is a partial evidence update applied by the pipeline.
type Patch struct {
	AIScore             *float64
	FinalVerdict        *string
	FinalConfidence     *float64
	RewardTransactionID *string
	AppealedAt          *time.Time
}

// Job type names consumed by the worker pool.
const (
	JobVerify      = "evidence.verify"
	JobComparePair = "evidence.compare_pair"
)

// VerifyPayload is the evidence.verify job payload.
type VerifyPayload struct {
	EvidenceID string `json:"evidence_id"`
}

// ComparePayload is the evidence.compare_pair job payload.
type ComparePayload struct {
	PairID string `json:"pair_id"`
}
