// Package telemetry provides application-level observability for the License Registry.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<LRG_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router, so it stays off
// the public ingress path and outside the rate limiter.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - License operation outcomes (activate, check, register, ...)
//   - Outbound notification deliveries and latency
//   - Expiry reminder job runs
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// No metric carries a license code or device id as a label. HTTP metrics use
// c.FullPath() so that path parameters such as /admin/licenses/:code do not
// create one series per license.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// LicenseOperationsTotal counts registry operations by {operation, outcome}.
// For activate and check the outcome is the business result (activated,
// activated_elsewhere, expired, ...); other operations report "ok" or "created".
//
// Example PromQL queries:
//   - Rejected activations:  sum(rate(license_operations_total{operation="activate",outcome="activated_elsewhere"}[1h]))
//   - Activation mix:        sum by (outcome) (increase(license_operations_total{operation="activate"}[24h]))
var LicenseOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "license_operations_total",
		Help: "Total number of license registry operations, by operation and outcome.",
	},
	[]string{"operation", "outcome"},
)

// Outbound notification metrics, labelled by kind (message, confirmation,
// expiry_reminder, chat_id_reply).
//
// Example PromQL queries:
//   - Delivery failure ratio:  sum(rate(notifications_total{result="failed"}[1h])) / sum(rate(notifications_total[1h]))
//   - p95 delivery latency:    histogram_quantile(0.95, sum by (le) (rate(notification_duration_seconds_bucket[1h])))
var (
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total number of outbound notification attempts, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	NotificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_duration_seconds",
			Help:    "Latency of outbound notification attempts, by kind.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)
)

// ExpiryReminderRunsTotal is a plain Counter incremented once per completed run
// of the expiry reminder job. A flat line while the server is up means the job
// stopped.
var ExpiryReminderRunsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "license_expiry_reminder_runs_total",
		Help: "Total number of completed license expiry reminder runs.",
	},
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector rather than per-request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when the database becomes unreachable, which happens when
// the application shuts down and closes the pool.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
