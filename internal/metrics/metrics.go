// Package metrics provides Prometheus instrumentation for the payment gateway.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinpayportal",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coinpayportal",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PaymentsVerifiedTotal counts x402 verify outcomes by network and result.
	PaymentsVerifiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinpayportal",
			Name:      "payments_verified_total",
			Help:      "Total x402 verification attempts by network and result.",
		},
		[]string{"network", "result"},
	)

	// PaymentsSettledTotal counts x402 settle outcomes by network and final status.
	PaymentsSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinpayportal",
			Name:      "payments_settled_total",
			Help:      "Total x402 settlement attempts by network and final status.",
		},
		[]string{"network", "status"},
	)

	// ReplaysDetectedTotal counts rejected replayed payment proofs.
	ReplaysDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinpayportal",
			Name:      "replays_detected_total",
			Help:      "Total payment proofs rejected as replays.",
		},
		[]string{"network"},
	)

	// EscrowsTotal counts escrow state transitions by resulting status.
	EscrowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinpayportal",
			Name:      "escrows_total",
			Help:      "Total escrow state transitions by resulting status.",
		},
		[]string{"status"},
	)

	// EscrowsExpiredTotal counts escrows expired by the background sweep.
	EscrowsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coinpayportal",
		Name:      "escrows_expired_total",
		Help:      "Total escrows expired by the stale-escrow sweep.",
	})

	// EscrowDuration observes time from escrow creation to a terminal state.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coinpayportal",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to resolution in seconds.",
		Buckets:   []float64{60, 300, 1800, 3600, 21600, 86400, 259200, 604800},
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coinpayportal", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coinpayportal", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coinpayportal", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coinpayportal", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PaymentsVerifiedTotal,
		PaymentsSettledTotal,
		ReplaysDetectedTotal,
		EscrowsTotal,
		EscrowsExpiredTotal,
		EscrowDuration,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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
