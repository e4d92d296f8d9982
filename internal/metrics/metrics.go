// Package metrics provides Prometheus instrumentation for the peertrade service.
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
			Namespace: "peertrade",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peertrade",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrdersTotal counts order state transitions by resulting status.
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peertrade",
			Name:      "orders_total",
			Help:      "Total order transitions by resulting status.",
		},
		[]string{"status"},
	)

	// EscrowOpsTotal counts escrow node operations by op and result.
	EscrowOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peertrade",
			Name:      "escrow_ops_total",
			Help:      "Total escrow node operations (create, settle, cancel, pay) by result.",
		},
		[]string{"op", "result"},
	)

	// DisputesTotal counts opened disputes.
	DisputesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peertrade",
		Name:      "disputes_total",
		Help:      "Total disputes opened.",
	})

	// UsersBannedTotal counts users banned by the dispute policy.
	UsersBannedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peertrade",
		Name:      "users_banned_total",
		Help:      "Total users banned after reaching the dispute limit.",
	})

	// SweepRunsTotal counts background sweep iterations by job.
	SweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peertrade",
			Name:      "sweep_runs_total",
			Help:      "Total background sweep iterations by job.",
		},
		[]string{"job"},
	)

	// PendingPayments tracks payouts currently waiting to be paid.
	PendingPayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peertrade",
		Name:      "pending_payments",
		Help:      "Number of unpaid, unexhausted pending payments.",
	})

	// PayoutsAbandonedTotal counts payouts that exhausted their attempts.
	PayoutsAbandonedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peertrade",
		Name:      "payouts_abandoned_total",
		Help:      "Total payouts abandoned after the maximum number of attempts.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peertrade",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peertrade", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peertrade", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peertrade", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrdersTotal,
		EscrowOpsTotal,
		DisputesTotal,
		UsersBannedTotal,
		SweepRunsTotal,
		PendingPayments,
		PayoutsAbandonedTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
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
