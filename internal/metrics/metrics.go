// Package metrics provides Prometheus instrumentation for the giftlink relayer.
package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"math/big"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/giftlink/internal/escrowledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "giftlink",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "giftlink",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "giftlink", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "giftlink", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "giftlink", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "giftlink", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// LedgerHeldUSDC is the escrow ledger's custody balance.
	LedgerHeldUSDC = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "giftlink", Subsystem: "escrow", Name: "held_usdc",
		Help: "Escrow custody balance in USDC.",
	})
	// LedgerPendingUSDC is the sum of pending gift entries.
	LedgerPendingUSDC = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "giftlink", Subsystem: "escrow", Name: "pending_usdc",
		Help: "Sum of pending gift entries in USDC.",
	})
	// LedgerConsistent is 1 while held covers every pending entry.
	LedgerConsistent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "giftlink", Subsystem: "escrow", Name: "consistent",
		Help: "1 if the last audit found custody covering all pending gifts, else 0.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
		LedgerHeldUSDC,
		LedgerPendingUSDC,
		LedgerConsistent,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Auditor reports escrow custody against pending entries.
type Auditor interface {
	Audit(ctx context.Context) (*escrowledger.AuditReport, error)
}

// StartLedgerAuditCollector runs the ledger audit every interval and exports
// the result. An inconsistent report is logged at error level; nothing is
// corrected automatically. Call in a goroutine; exits when ctx is done.
func StartLedgerAuditCollector(ctx context.Context, a Auditor, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RecordAudit(ctx, a, logger)
		}
	}
}

// RecordAudit runs one audit and updates the ledger gauges.
func RecordAudit(ctx context.Context, a Auditor, logger *slog.Logger) {
	report, err := a.Audit(ctx)
	if err != nil {
		logger.Warn("ledger audit failed", "error", err)
		return
	}
	LedgerHeldUSDC.Set(toUSDC(report.Held))
	LedgerPendingUSDC.Set(toUSDC(report.PendingSum))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
	if report.Consistent {
		LedgerConsistent.Set(1)
		return
	}
	LedgerConsistent.Set(0)
	logger.Error("escrow ledger inconsistent",
		"held", report.Held.String(),
		"pending_sum", report.PendingSum.String(),
		"pending_count", report.PendingCount)
}

func toUSDC(units *big.Int) float64 {
	if units == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(units), big.NewFloat(1e6)).Float64()
	return f
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps claim ids out of the label set
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
