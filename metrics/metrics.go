// Package metrics exposes Prometheus collectors for the wallet ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_ledger_transactions_total",
			Help: "Total number of committed ledger transactions",
		},
		[]string{"type"},
	)

	ConflictRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_ledger_conflict_retries_total",
			Help: "Total number of retried per-wallet units after a concurrency conflict",
		},
		[]string{"operation"},
	)

	RejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_ledger_rejected_total",
			Help: "Total number of mutations rejected by business rules",
		},
		[]string{"operation", "reason"},
	)

	CreditBatchesExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_ledger_credit_batches_expired_total",
			Help: "Total number of credit batches written off by the expiry sweeper",
		},
	)

	CreditsWrittenOffTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_ledger_credits_written_off_total",
			Help: "Total amount of credits written off by the expiry sweeper",
		},
	)

	PayoutTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_ledger_payout_transitions_total",
			Help: "Total number of payout requests entering each status",
		},
		[]string{"status"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wallet_ledger_sweep_duration_seconds",
			Help:    "Duration of expiry sweeper runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func RecordTransaction(txType string) {
	TransactionsTotal.WithLabelValues(txType).Inc()
}

func RecordConflictRetry(operation string) {
	ConflictRetriesTotal.WithLabelValues(operation).Inc()
}

func RecordRejection(operation, reason string) {
	RejectedTotal.WithLabelValues(operation, reason).Inc()
}

func RecordExpiry(amount float64) {
	CreditBatchesExpiredTotal.Inc()
	CreditsWrittenOffTotal.Add(amount)
}

func RecordPayoutTransition(status string) {
	PayoutTransitionsTotal.WithLabelValues(status).Inc()
}

func ObserveSweep(seconds float64) {
	SweepDuration.Observe(seconds)
}
