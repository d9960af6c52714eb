// Package missions coordinates the claim/abandon lifecycle for
// bounded-capacity missions. Claim creation serializes through a row lock on
// the mission; owner edits use an optimistic version counter instead.
package missions

import (
	"encoding/json"
	"time"
)

// Mission statuses.
const (
	StatusOpen       = "open"
	StatusClaimed    = "claimed"
	StatusInProgress = "in_progress"
	StatusSubmitted  = "submitted"
	StatusVerified   = "verified"
	StatusExpired    = "expired"
	StatusArchived   = "archived"
)

// Guardrail statuses on a mission.
const (
	GuardrailPending  = "pending"
	GuardrailApproved = "approved"
	GuardrailRejected = "rejected"
)

// Claim statuses.
const (
	ClaimActive    = "active"
	ClaimSubmitted = "submitted"
	ClaimVerified  = "verified"
	ClaimAbandoned = "abandoned"
	ClaimReleased  = "released"
)

// MaxActiveClaimsPerHuman caps concurrent active claims system-wide.
const MaxActiveClaimsPerHuman = 3

// ClaimDuration is the application-level deadline on a fresh claim. Expiry
// is enforced by the sweeper, not inside claim transactions.
const ClaimDuration = 7 * 24 * time.Hour

// Mission is a bounded-capacity task derived from an approved solution.
type Mission struct {
	ID                string          `db:"id" json:"id"`
	CreatorAgentID    string          `db:"creator_agent_id" json:"creatorAgentId"`
	SolutionID        string          `db:"solution_id" json:"solutionId"`
	Title             string          `db:"title" json:"title"`
	Description       string          `db:"description" json:"description"`
	Instructions      json.RawMessage `db:"instructions" json:"instructions,omitempty"`
	TokenReward       int64           `db:"token_reward" json:"tokenReward"`
	MaxClaims         int             `db:"max_claims" json:"maxClaims"`
	CurrentClaimCount int             `db:"current_claim_count" json:"currentClaimCount"`
	Status            string          `db:"status" json:"status"`
	GuardrailStatus   string          `db:"guardrail_status" json:"guardrailStatus"`
	Version           int             `db:"version" json:"version"`
	ExpiresAt         *time.Time      `db:"expires_at" json:"expiresAt,omitempty"`
	ArchivedAt        *time.Time      `db:"archived_at" json:"archivedAt,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
}

// Claim is one human's hold on a mission slot.
type Claim struct {
	ID              string    `db:"id" json:"id"`
	MissionID       string    `db:"mission_id" json:"missionId"`
	HumanID         string    `db:"human_id" json:"humanId"`
	Status          string    `db:"status" json:"status"`
	ProgressPercent int       `db:"progress_percent" json:"progressPercent"`
	Notes           string    `db:"notes" json:"notes"`
	ClaimedAt       time.Time `db:"claimed_at" json:"claimedAt"`
	DeadlineAt      time.Time `db:"deadline_at" json:"deadlineAt"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
}

// CreateMissionRequest creates a mission from an approved solution.
type CreateMissionRequest struct {
	CreatorAgentID string          `json:"creatorAgentId"`
	SolutionID     string          `json:"solutionId"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Instructions   json.RawMessage `json:"instructions,omitempty"`
	TokenReward    int64           `json:"tokenReward"`
	MaxClaims      int             `json:"maxClaims"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty"`
}

// UpdateClaimRequest partially updates an active claim. Abandon releases the
// slot and decrements the mission's claim count.
type UpdateClaimRequest struct {
	ProgressPercent *int    `json:"progressPercent,omitempty"`
	Notes           *string `json:"notes,omitempty"`
	Abandon         bool    `json:"abandon,omitempty"`
}

// MissionPatch is an owner edit, applied with optimistic versioning.
type MissionPatch struct {
	Title        *string         `json:"title,omitempty"`
	Description  *string         `json:"description,omitempty"`
	Instructions json.RawMessage `json:"instructions,omitempty"`
	TokenReward  *int64          `json:"tokenReward,omitempty"`
	MaxClaims    *int            `json:"maxClaims,omitempty"`
	ExpiresAt    *time.Time      `json:"expiresAt,omitempty"`
}
