// Package disputes lets validators challenge terminal consensus decisions by
// staking credits. Upheld disputes refund the stake plus a bonus; dismissed
// disputes forfeit the stake, and repeat offenders are suspended from filing.
package disputes

import "time"

// Dispute statuses. Upheld and dismissed are terminal.
const (
	StatusOpen        = "open"
	StatusAdminReview = "admin_review"
	StatusUpheld      = "upheld"
	StatusDismissed   = "dismissed"
)

const (
	// StakeCredits is escrowed when a dispute is filed.
	StakeCredits = 10
	// BonusCredits is paid on top of the refund when a dispute is upheld.
	BonusCredits = 5
	// SuspensionThreshold dismissed disputes inside the lookback window
	// suspend the challenger.
	SuspensionThreshold = 3
	// SuspensionDuration is how long a suspension lasts.
	SuspensionDuration = 30 * 24 * time.Hour
	// LookbackWindow bounds the dismissed-dispute count.
	LookbackWindow = 90 * 24 * time.Hour
)

// Dispute is one staked challenge against a consensus result.
type Dispute struct {
	ID                 string     `db:"id" json:"id"`
	ConsensusID        string     `db:"consensus_id" json:"consensusId"`
	ChallengerAgentID  string     `db:"challenger_agent_id" json:"challengerAgentId"`
	StakeAmount        int64      `db:"stake_amount" json:"stakeAmount"`
	Reasoning          string     `db:"reasoning" json:"reasoning"`
	Status             string     `db:"status" json:"status"`
	AdminDecision      *string    `db:"admin_decision" json:"adminDecision,omitempty"`
	AdminNotes         *string    `db:"admin_notes" json:"adminNotes,omitempty"`
	StakeTransactionID *string    `db:"stake_transaction_id" json:"stakeTransactionId,omitempty"`
	StakeReturned      bool       `db:"stake_returned" json:"stakeReturned"`
	BonusPaid          bool       `db:"bonus_paid" json:"bonusPaid"`
	ResolvedAt         *time.Time `db:"resolved_at" json:"resolvedAt,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"createdAt"`
}

// Resolvable reports whether the dispute can still be settled.
func (d *Dispute) Resolvable() bool {
	return d.Status == StatusOpen || d.Status == StatusAdminReview
}

// SuspensionState reports an agent's standing after a suspension check.
type SuspensionState struct {
	AgentID        string     `json:"agentId"`
	Suspended      bool       `json:"suspended"`
	SuspendedUntil *time.Time `json:"suspendedUntil,omitempty"`
	DismissedCount int        `json:"dismissedCount"`
}
