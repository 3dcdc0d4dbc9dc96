// Package telemetry provides application-level observability for the access
// review service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<ARV_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint returns data in the Prometheus text
// exposition format and is intended to be scraped by a Prometheus server.
// It is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Token lookup counters by classification
//   - Review resolution counters by decision kind
//   - Notification delivery counters and failure counters
//   - Trail write failure counter
//   - Directory sync duration and error counters (auditor CLI)
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template) rather than the raw request
// URL so user-supplied path or query segments cannot create unbounded label
// cardinality. Token lookup results are a closed enum for the same reason;
// the token itself is never a label value.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}. The
// path label holds the Gin route template, NOT the raw URL.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and
// exponential-ish buckets from 5 ms to 30 s.
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

// Review lifecycle metrics.
//
// TokenLookupsTotal is a CounterVec with label {result} drawn from a closed
// set: "missing", "invalid", "pending", "resolved". A rising "invalid" rate is
// the signal for guessed or mangled review links.
//
// ReviewsResolvedTotal is a CounterVec with label {decision}: "approved" when
// the reviewer kept all access, "removals" when at least one group was flagged.
//
// ReviewValidationFailuresTotal counts removal submissions rejected because
// they named groups outside the subject's recorded membership.
//
// Example PromQL queries:
//   - Guessed-link rate:      rate(token_lookups_total{result="invalid"}[1h])
//   - Removal share (%):      sum(rate(reviews_resolved_total{decision="removals"}[7d])) / sum(rate(reviews_resolved_total[7d])) * 100
var (
	TokenLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_lookups_total",
			Help: "Total number of review token lookups, by classification result.",
		},
		[]string{"result"},
	)

	ReviewsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviews_resolved_total",
			Help: "Total number of access reviews resolved, by decision kind.",
		},
		[]string{"decision"},
	)

	ReviewValidationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "review_validation_failures_total",
			Help: "Total number of removal submissions rejected for naming unknown groups.",
		},
	)
)

// Notification metrics — recorded by the dispatcher.
//
// Delivery failures are deliberately non-fatal to the review flow, so these
// counters are the only operational signal for a broken SMTP path. An alert on
// increase(notification_failures_total[30m]) > 0 is recommended.
var (
	ReviewInvitationsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "review_invitations_sent_total",
			Help: "Total number of review invitation emails successfully sent to managers.",
		},
	)

	DecisionSummariesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "decision_summaries_sent_total",
			Help: "Total number of decision summary emails successfully sent to the operations mailbox.",
		},
	)

	NotificationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_failures_total",
			Help: "Total number of notification emails that failed to send.",
		},
	)
)

// TrailWriteFailuresTotal counts trail entries that could not be persisted.
// Trail writes for state transitions must never fail silently; a non-zero rate
// here means decisions are being recorded without their audit trail.
var TrailWriteFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "trail_write_failures_total",
		Help: "Total number of audit trail entries that failed to persist.",
	},
)

// Directory sync metrics — recorded by the auditor CLI.
//
// DirectorySyncDuration observes one complete LDAP sync pass (all configured
// group prefixes). DirectorySyncErrorsTotal is labelled by {stage}: "search",
// "member", "manager".
var (
	DirectorySyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "directory_sync_duration_seconds",
			Help:    "Duration of a complete directory sync pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	DirectorySyncErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "directory_sync_errors_total",
			Help: "Total number of directory sync failures, by stage.",
		},
		[]string{"stage"},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections
// currently held by the sql.DB connection pool. It is sampled every 30 seconds
// by StartDBStatsCollector rather than per-request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates the DBOpenConnections
// gauge. The goroutine exits cleanly when the database becomes unreachable
// (db.Ping fails), which happens automatically when the application shuts down
// and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go.
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
