// Package metrics provides Prometheus instrumentation for the settlement
// coordinator.
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
			Namespace: "escrowbridge",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowbridge",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsObservedTotal counts bridge events seen by the tailers.
	EventsObservedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowbridge",
			Name:      "events_observed_total",
			Help:      "Total bridge contract events observed, by network and kind.",
		},
		[]string{"network", "kind"},
	)

	// FinalizersTotal counts finalizer outcomes.
	FinalizersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowbridge",
			Name:      "finalizers_total",
			Help:      "Total finalizer runs by network and terminal state.",
		},
		[]string{"network", "state"},
	)

	// ActiveFinalizers tracks in-flight finalizer goroutines.
	ActiveFinalizers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrowbridge",
			Name:      "active_finalizers",
			Help:      "Number of finalizers currently running.",
		},
	)

	// PendingEscrows tracks the pending-set size.
	PendingEscrows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrowbridge",
			Name:      "pending_escrows",
			Help:      "Number of escrows awaiting settlement.",
		},
	)

	// EscrowsExpiredTotal counts force-expired escrows.
	EscrowsExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowbridge",
			Name:      "escrows_expired_total",
			Help:      "Total escrows force-expired by the sweeper.",
		},
		[]string{"network"},
	)

	// SettlementsRecordedTotal counts analytics rows written.
	SettlementsRecordedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrowbridge",
			Name:      "settlements_recorded_total",
			Help:      "Total settled-event rows persisted.",
		},
	)

	// SettlementDuration observes registration-to-settlement latency.
	SettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowbridge",
		Name:      "settlement_duration_seconds",
		Help:      "Time from pending registration to terminal state in seconds.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	// TxSubmissionsTotal counts transaction submissions by result.
	TxSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowbridge",
			Name:      "tx_submissions_total",
			Help:      "Total transaction submissions by network, method, and result.",
		},
		[]string{"network", "method", "result"},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowbridge",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrowbridge",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowbridge", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowbridge", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowbridge", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowbridge", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsObservedTotal,
		FinalizersTotal,
		ActiveFinalizers,
		PendingEscrows,
		EscrowsExpiredTotal,
		SettlementsRecordedTotal,
		SettlementDuration,
		TxSubmissionsTotal,
		WebhookDeliveriesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the runtime
// goroutine count into Prometheus gauges. Call in a goroutine; exits when
// ctx is done.
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
			c.FullPath(), // route pattern, not raw path, to bound cardinality
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

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes (2xx, 3xx, 4xx, 5xx).
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
