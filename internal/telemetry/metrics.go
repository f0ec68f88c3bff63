// Package telemetry provides application-level observability for prism.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<PRISM_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Login outcomes
//   - Permission denials by action
//   - Invitation ledger outcomes
//   - Access simulation transitions
//   - Audit write and shipping failures
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// Labels only ever carry closed sets (route templates, action names, outcome
// codes). User, project and invitation IDs never become label values.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Error rate (%):       sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route: histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
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

// LoginsTotal counts completed OAuth callbacks by outcome: "success", or the
// public error code of the failure ("state_mismatch", "upstream_auth_error", ...).
//
// Example PromQL queries:
//   - CSRF rejections:  rate(auth_logins_total{outcome="state_mismatch"}[15m])
var LoginsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "auth_logins_total",
		Help: "Total number of OAuth login completions, by outcome.",
	},
	[]string{"outcome"},
)

// PermissionDenialsTotal counts permission engine denials by action.
var PermissionDenialsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "authz_permission_denials_total",
		Help: "Total number of permission checks that denied access, by action.",
	},
	[]string{"action"},
)

// InvitationsTotal counts invitation ledger operations by operation
// (issue, resend, accept, revoke) and outcome ("success" or an error code).
//
// Example PromQL queries:
//   - Accept races lost:  rate(invitations_total{operation="accept",outcome="already_accepted"}[1h])
var InvitationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "invitations_total",
		Help: "Total number of invitation operations, by operation and outcome.",
	},
	[]string{"operation", "outcome"},
)

// ImpersonationTransitionsTotal counts access simulation entries and exits.
var ImpersonationTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "impersonation_transitions_total",
		Help: "Total number of access simulation transitions, by event (started, ended).",
	},
	[]string{"event"},
)

// AuditWriteFailuresTotal counts audit records that could not be persisted.
// Audit writes never fail the triggering operation, so this counter is the
// only signal that the audit trail has gaps.
//
// Example PromQL queries:
//   - Alert expression:  increase(audit_write_failures_total[10m]) > 0
var AuditWriteFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Total number of audit log entries that failed to persist.",
	},
)

// AuditShipFailuresTotal counts failed deliveries to external audit shippers, by shipper type.
var AuditShipFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_ship_failures_total",
		Help: "Total number of audit entries that failed to ship, by shipper type.",
	},
	[]string{"shipper"},
)

// InvitationEmailsSentTotal counts invitation emails successfully handed to SMTP.
var InvitationEmailsSentTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "invitation_emails_sent_total",
		Help: "Total number of invitation emails successfully sent.",
	},
)

// DBOpenConnections is a Gauge that tracks the number of open connections
// currently held by the sql.DB connection pool, sampled every 30 seconds by
// StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// pool statistics every interval until ctx is cancelled.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable", "error", err)
					continue
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
