package gifts

import "github.com/prometheus/client_golang/prometheus"

var (
	// MaterializationsTotal counts materialization attempts by outcome.
	MaterializationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "giftlink",
			Subsystem: "gifts",
			Name:      "materializations_total",
			Help:      "Gift materialization attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// ClaimStepsTotal counts claim saga steps by step and result.
	ClaimStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "giftlink",
			Subsystem: "gifts",
			Name:      "claim_steps_total",
			Help:      "Claim settlement steps by step and result.",
		},
		[]string{"step", "result"},
	)

	// ClaimAlertsTotal counts claims that crossed the retry alert threshold.
	ClaimAlertsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "giftlink",
		Subsystem: "gifts",
		Name:      "claim_alerts_total",
		Help:      "Stuck claims that crossed the retry alert threshold.",
	})

	// StuckClaims is the number of due claims seen by the last sweep.
	StuckClaims = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "giftlink",
		Subsystem: "gifts",
		Name:      "stuck_claims",
		Help:      "Claims awaiting a retry at the last sweep.",
	})
)

func init() {
	prometheus.MustRegister(MaterializationsTotal, ClaimStepsTotal, ClaimAlertsTotal, StuckClaims)
}
