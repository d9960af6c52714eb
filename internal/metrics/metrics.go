// Package metrics exposes the Prometheus collectors for the marketplace core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	LedgerTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "betterworld",
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Ledger transactions applied, by ledger and type.",
		},
		[]string{"ledger", "type"},
	)

	LedgerRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "betterworld",
			Subsystem: "ledger",
			Name:      "insufficient_balance_total",
			Help:      "Spend attempts rejected for insufficient balance.",
		},
	)

	MissionClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "betterworld",
			Subsystem: "missions",
			Name:      "claims_total",
			Help:      "Mission claim attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	EvidenceDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "betterworld",
			Subsystem: "evidence",
			Name:      "decisions_total",
			Help:      "Evidence routing decisions, by source and decision.",
		},
		[]string{"source", "decision"},
	)

	VisionBudgetSkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "betterworld",
			Subsystem: "evidence",
			Name:      "budget_skips_total",
			Help:      "AI scoring calls skipped because the daily budget was exhausted.",
		},
	)

	DisputeResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "betterworld",
			Subsystem: "disputes",
			Name:      "resolutions_total",
			Help:      "Dispute resolutions, by decision.",
		},
		[]string{"decision"},
	)

	JobRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "betterworld",
			Subsystem: "jobs",
			Name:      "retries_total",
			Help:      "Background job retries, by job type.",
		},
		[]string{"job_type"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "betterworld",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Background job handler duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"job_type"},
	)
)

func init() {
	Registry.MustRegister(
		LedgerTransactions,
		LedgerRejections,
		MissionClaims,
		EvidenceDecisions,
		VisionBudgetSkips,
		DisputeResolutions,
		JobRetries,
		JobDuration,
	)
}

// Handler serves the metrics endpoint for this registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
