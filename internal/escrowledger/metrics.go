package escrowledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts ledger operations by type and outcome.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "giftlink",
			Name:      "escrow_ledger_operations_total",
			Help:      "Escrow ledger operations by type and result.",
		},
		[]string{"op", "result"},
	)

	// OpDuration observes operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "giftlink",
			Name:      "escrow_ledger_operation_duration_seconds",
			Help:      "Escrow ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	// PendingGifts tracks entries currently in the pending state.
	PendingGifts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "giftlink",
		Name:      "escrow_pending_gifts",
		Help:      "Number of escrow entries in the pending state.",
	})
)

func init() {
	prometheus.MustRegister(OpsTotal, OpDuration, PendingGifts)
}

// observeOp returns a func to call with the operation's error once it is done.
func observeOp(op string) func(error) {
	start := time.Now()
	return func(err error) {
		OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		OpsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrAlreadyResolved):
		return "conflict"
	case errors.Is(err, ErrExpired), errors.Is(err, ErrNotYetExpired), errors.Is(err, ErrNoExpirySet):
		return "temporal"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
