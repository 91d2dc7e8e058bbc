package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every Record/Observe helper is safe to
// call on a nil *Metrics so components can run without instrumentation.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Permission evaluation
	DecisionsTotal     *prometheus.CounterVec
	DecisionCacheTotal *prometheus.CounterVec

	// Audit ledger
	AuditEventsTotal         *prometheus.CounterVec
	AuditWriteFailuresTotal  prometheus.Counter
	RollbacksTotal           *prometheus.CounterVec
	RollbackRecordsReclaimed prometheus.Counter

	// Baseline and detection
	BaselineUpdatesTotal *prometheus.CounterVec
	AlertsTotal          *prometheus.CounterVec
	ContainmentsTotal    prometheus.Counter

	// Masking
	MaskingOutcomesTotal *prometheus.CounterVec

	// Drift
	DriftPatternsProposed prometheus.Counter
	DriftMigrationsTotal  *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBConnectionsWait   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantguard_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_decisions_total",
				Help: "Permission decisions by result and primary failing check",
			},
			[]string{"result", "check"},
		),
		DecisionCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_decision_cache_total",
				Help: "Decision cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_audit_events_total",
				Help: "Audit events durably appended",
			},
			[]string{"mode"},
		),
		AuditWriteFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantguard_audit_write_failures_total",
				Help: "Audit appends that failed and aborted their mutation",
			},
		),
		RollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_rollbacks_total",
				Help: "Rollback attempts by outcome",
			},
			[]string{"outcome"},
		),
		RollbackRecordsReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantguard_rollback_records_reclaimed_total",
				Help: "Expired or consumed rollback records deleted",
			},
		),
		BaselineUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_baseline_updates_total",
				Help: "Baseline updates by status",
			},
			[]string{"status"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_anomaly_alerts_total",
				Help: "Anomaly alerts emitted by severity",
			},
			[]string{"severity"},
		),
		ContainmentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantguard_containments_total",
				Help: "Principals locked by automatic containment",
			},
		),
		MaskingOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_masking_outcomes_total",
				Help: "Sensitive value requests by outcome",
			},
			[]string{"outcome"},
		),
		DriftPatternsProposed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantguard_drift_patterns_proposed_total",
				Help: "Drift patterns returned by analysis",
			},
		),
		DriftMigrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_drift_migrations_total",
				Help: "Drift migrations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantguard_db_connections_active",
				Help: "Number of in-use database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantguard_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWait: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantguard_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.DecisionCacheTotal,
		m.AuditEventsTotal,
		m.AuditWriteFailuresTotal,
		m.RollbacksTotal,
		m.RollbackRecordsReclaimed,
		m.BaselineUpdatesTotal,
		m.AlertsTotal,
		m.ContainmentsTotal,
		m.MaskingOutcomesTotal,
		m.DriftPatternsProposed,
		m.DriftMigrationsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWait,
	)

	return m
}

// RecordDecision counts one permission decision. check is empty when allowed.
func (m *Metrics) RecordDecision(allowed bool, check string) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.DecisionsTotal.WithLabelValues(result, check).Inc()
}

// RecordCacheLookup counts a decision cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.DecisionCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	m.DecisionCacheTotal.WithLabelValues("miss").Inc()
}

// RecordAuditAppend counts n appended events
func (m *Metrics) RecordAuditAppend(mode string, n int) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.WithLabelValues(mode).Add(float64(n))
}

// RecordAuditFailure counts a failed append
func (m *Metrics) RecordAuditFailure() {
	if m == nil {
		return
	}
	m.AuditWriteFailuresTotal.Inc()
}

// RecordRollback counts a rollback attempt
func (m *Metrics) RecordRollback(outcome string) {
	if m == nil {
		return
	}
	m.RollbacksTotal.WithLabelValues(outcome).Inc()
}

// RecordReclaimed counts reclaimed rollback records
func (m *Metrics) RecordReclaimed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RollbackRecordsReclaimed.Add(float64(n))
}

// RecordBaselineUpdate counts a baseline update by status
func (m *Metrics) RecordBaselineUpdate(status string) {
	if m == nil {
		return
	}
	m.BaselineUpdatesTotal.WithLabelValues(status).Inc()
}

// RecordAlert counts an emitted alert
func (m *Metrics) RecordAlert(severity string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(severity).Inc()
}

// RecordContainment counts a containment action
func (m *Metrics) RecordContainment() {
	if m == nil {
		return
	}
	m.ContainmentsTotal.Inc()
}

// RecordMasking counts a masking outcome (revealed, indicator, withheld)
func (m *Metrics) RecordMasking(outcome string) {
	if m == nil {
		return
	}
	m.MaskingOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordDriftProposals counts proposed patterns
func (m *Metrics) RecordDriftProposals(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DriftPatternsProposed.Add(float64(n))
}

// RecordDriftMigration counts an apply or rollback of a drift migration
func (m *Metrics) RecordDriftMigration(operation, outcome string) {
	if m == nil {
		return
	}
	m.DriftMigrationsTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveDBStats copies connection pool statistics into the gauges
func (m *Metrics) ObserveDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWait.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled by mux route template so path ids do not explode
// label cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler exposes the registry in the Prometheus text format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
