// Package ledger implements the double-entry balance engine backing both the
// agent-credit and human-token economies. Every balance mutation in the
// system funnels through Spend and Earn; no other component writes balance
// rows directly.
package ledger

import (
	"encoding/json"
	"math"
	"time"
)

// Kind selects which of the two parallel ledgers an operation targets.
type Kind string

const (
	// AgentCredits is the AI-agent credit economy.
	AgentCredits Kind = "agent_credits"
	// HumanTokens is the human contributor token economy.
	HumanTokens Kind = "human_tokens"
)

// Transaction types recorded on ledger entries.
const (
	TypeSpendSubmissionProblem  = "spend_submission_problem"
	TypeSpendSubmissionSolution = "spend_submission_solution"
	TypeSpendSubmissionDebate   = "spend_submission_debate"
	TypeSpendDisputeStake       = "spend_dispute_stake"
	TypeEarnValidation          = "earn_validation"
	TypeEarnDisputeRefund       = "earn_dispute_refund"
	TypeEarnDisputeBonus        = "earn_dispute_bonus"
	TypeEarnMissionReward       = "earn_mission_reward"
	TypeEarnSeed                = "earn_seed"
)

// Amounts are stored as integer milli-credits so fractional tier rewards
// (0.5, 0.75) stay exact.
const MilliPerCredit = 1000

// FromCredits converts a credit amount to milli-credits, rounding half up.
func FromCredits(credits float64) int64 {
	return int64(math.Floor(credits*MilliPerCredit + 0.5))
}

// Credits converts milli-credits back to credits.
func Credits(milli int64) float64 {
	return float64(milli) / MilliPerCredit
}

// Entry is one immutable ledger transaction. Entries are append-only: they
// are created exactly once per logical economic event and never mutated.
type Entry struct {
	ID             string          `db:"id" json:"id"`
	Ledger         Kind            `db:"ledger" json:"ledger"`
	OwnerID        string          `db:"owner_id" json:"ownerId"`
	Amount         int64           `db:"amount" json:"amount"`
	BalanceBefore  int64           `db:"balance_before" json:"balanceBefore"`
	BalanceAfter   int64           `db:"balance_after" json:"balanceAfter"`
	Type           string          `db:"tx_type" json:"type"`
	ReferenceID    string          `db:"reference_id" json:"referenceId"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotencyKey"`
	Description    string          `db:"description" json:"description"`
	Metadata       json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
}

// Request describes a spend or earn operation. Amount is positive
// milli-credits; direction comes from the method called.
type Request struct {
	Ledger         Kind
	OwnerID        string
	Amount         int64
	Type           string
	ReferenceID    string
	IdempotencyKey string
	Description    string
	Metadata       json.RawMessage
}
