package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

var (
	// RelaysTotal counts relay outcomes by source role and status
	RelaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_relays_total",
			Help: "Total number of relay outcomes",
		},
		[]string{"role", "status"},
	)

	// RelayAmount tracks the amount of tokens relayed
	RelayAmount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_relay_amount",
			Help:    "Amount of tokens relayed",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 100, 1000, 10000},
		},
		[]string{"role", "token"},
	)

	// EventsDetected counts decoded events per role and event kind
	EventsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_events_detected_total",
			Help: "Total number of bridge events detected",
		},
		[]string{"role", "event_type"},
	)

	// SkippedRanges counts log sub-ranges skipped after a transient failure
	SkippedRanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_skipped_ranges_total",
			Help: "Total number of block sub-ranges skipped during scanning",
		},
		[]string{"role", "reason"},
	)

	// DroppedLogs counts logs that could not be decoded
	DroppedLogs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_dropped_logs_total",
			Help: "Total number of logs dropped on decode",
		},
		[]string{"role"},
	)

	// SubmissionAttempts counts signed transactions handed to the target chain
	SubmissionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_submission_attempts_total",
			Help: "Total number of transaction submission attempts",
		},
		[]string{"chain", "result"},
	)

	// PendingRecords tracks ledger records that are not final yet
	PendingRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_pending_records",
			Help: "Number of ledger records by non-final status",
		},
		[]string{"status"},
	)

	// LastScannedBlock tracks the upper bound of the last completed scan
	LastScannedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_last_scanned_block",
			Help: "Last scanned block number by role",
		},
		[]string{"role"},
	)

	// CycleDuration tracks scan and dispatch cycle time
	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_cycle_duration_seconds",
			Help:    "Scan and dispatch cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"},
	)
)

// ObserveAmount records a raw token amount scaled by the token decimals.
func ObserveAmount(role, token string, amount *big.Int, decimals int32) {
	if amount == nil {
		return
	}
	v, _ := decimal.NewFromBigInt(amount, -decimals).Float64()
	RelayAmount.WithLabelValues(role, token).Observe(v)
}
