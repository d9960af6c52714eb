// Package reputation tracks human reputation tiers, activity streaks, and
// validator tier records. It consumes events from the evidence and dispute
// engines; it never touches balances.
package reputation

import "time"

// Human reputation tiers by score.
const (
	TierBronze   = "bronze"
	TierSilver   = "silver"
	TierGold     = "gold"
	TierPlatinum = "platinum"
)

// Validator tiers, used by the reward table.
const (
	ValidatorApprentice = "apprentice"
	ValidatorJourneyman = "journeyman"
	ValidatorExpert     = "expert"
)

const (
	minScore = 0
	maxScore = 1000
)

// Human is a contributor's reputation record.
type Human struct {
	ID              string     `db:"id" json:"id"`
	ReputationScore int        `db:"reputation_score" json:"reputationScore"`
	Tier            string     `db:"tier" json:"tier"`
	CurrentStreak   int        `db:"current_streak" json:"currentStreak"`
	LongestStreak   int        `db:"longest_streak" json:"longestStreak"`
	LastActivityDay *time.Time `db:"last_activity_day" json:"lastActivityDay,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updatedAt"`
}

// Validator is an agent's validator record. A nil DisputeSuspendedUntil means
// the validator is not suspended from filing disputes.
type Validator struct {
	AgentID               string     `db:"agent_id" json:"agentId"`
	Tier                  string     `db:"tier" json:"tier"`
	DisputeSuspendedUntil *time.Time `db:"dispute_suspended_until" json:"disputeSuspendedUntil,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updatedAt"`
}

// TierForScore maps a reputation score to its tier.
func TierForScore(score int) string {
	switch {
	case score >= 700:
		return TierPlatinum
	case score >= 300:
		return TierGold
	case score >= 100:
		return TierSilver
	default:
		return TierBronze
	}
}
