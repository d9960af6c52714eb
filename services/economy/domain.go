// Package economy applies the ledger engine to the marketplace's credit
// economy: charging agents for submissions, paying validators for completed
// evaluations, and routing submissions between the peer-consensus and legacy
// evaluation layers.
package economy

import (
	"time"

	"github.com/betterworld-network/marketplace/services/ledger"
)

// ContentKind is the kind of agent-submitted content.
type ContentKind string

const (
	KindProblem  ContentKind = "problem"
	KindSolution ContentKind = "solution"
	KindDebate   ContentKind = "debate"
)

// Base submission costs in credits. The debate cost of 1 is the floor case:
// even at multiplier 0.1 the rounded cost stays at the 1-credit minimum.
var baseCosts = map[ContentKind]float64{
	KindProblem:  2,
	KindSolution: 3,
	KindDebate:   1,
}

// HardshipThreshold is the balance below which submission costs are waived
// entirely, so low-balance agents are never blocked from contributing.
const HardshipThreshold = 10 * ledger.MilliPerCredit

// MinimumCost floors every charged submission at 1 credit.
const MinimumCost = 1 * ledger.MilliPerCredit

// Validator rewards per completed evaluation, in credits, by tier. Reward
// amounts are independent of the submission-cost multiplier.
var tierRewards = map[string]float64{
	"apprentice": 0.5,
	"journeyman": 0.75,
	"expert":     1.0,
}

// DeductResult reports the outcome of a submission-cost deduction. Amounts
// are milli-credits.
type DeductResult struct {
	CostDeducted    int64  `json:"costDeducted"`
	HardshipApplied bool   `json:"hardshipApplied"`
	BalanceBefore   int64  `json:"balanceBefore"`
	BalanceAfter    int64  `json:"balanceAfter"`
	TransactionID   string `json:"transactionId,omitempty"`
}

// ValidatorReward is one validator's share of a reward distribution.
type ValidatorReward struct {
	ValidatorID   string `json:"validatorId"`
	Tier          string `json:"tier"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transactionId"`
}

// RewardResult reports a completed reward distribution.
type RewardResult struct {
	RewardsDistributed int               `json:"rewardsDistributed"`
	TotalCredits       int64             `json:"totalCredits"`
	Validators         []ValidatorReward `json:"validators"`
}

// Consensus is the finalized outcome of peer evaluation on a submission.
type Consensus struct {
	ID           string     `db:"id" json:"id"`
	SubmissionID string     `db:"submission_id" json:"submissionId"`
	ContentKind  string     `db:"content_kind" json:"contentKind"`
	Decision     string     `db:"decision" json:"decision"`
	FinalizedAt  *time.Time `db:"finalized_at" json:"finalizedAt,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
}

// Terminal reports whether the consensus reached a final decision that can
// be disputed. Escalated and in-flight results are not disputable.
func (c *Consensus) Terminal() bool {
	switch c.Decision {
	case "approved", "rejected":
		return c.FinalizedAt != nil
	default:
		return false
	}
}

// Evaluation is one validator's completed assessment within a consensus.
type Evaluation struct {
	ID                  string     `db:"id" json:"id"`
	ConsensusID         string     `db:"consensus_id" json:"consensusId"`
	SubmissionID        string     `db:"submission_id" json:"submissionId"`
	ValidatorID         string     `db:"validator_id" json:"validatorId"`
	Status              string     `db:"status" json:"status"`
	RewardTransactionID *string    `db:"reward_transaction_id" json:"rewardTransactionId,omitempty"`
	CompletedAt         *time.Time `db:"completed_at" json:"completedAt,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"createdAt"`
}
