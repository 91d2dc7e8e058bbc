package observability

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDecision(true, "")
	m.RecordDecision(false, "organization_active")
	m.RecordDecision(false, "organization_active")
	m.RecordCacheLookup(true)
	m.RecordAuditAppend("batch", 5)
	m.RecordAlert("critical")
	m.RecordMasking("withheld")
	m.RecordDriftProposals(2)
	m.RecordReclaimed(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("allowed", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("denied", "organization_active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionCacheTotal.WithLabelValues("hit")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.AuditEventsTotal.WithLabelValues("batch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsTotal.WithLabelValues("critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MaskingOutcomesTotal.WithLabelValues("withheld")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DriftPatternsProposed))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RollbackRecordsReclaimed))

	m.ObserveDBStats(sql.DBStats{InUse: 4, Idle: 2})
	assert.Equal(t, 4.0, testutil.ToFloat64(m.DBConnectionsActive))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDecision(true, "")
		m.RecordAuditFailure()
		m.RecordBaselineUpdate("dropped")
		m.RecordContainment()
		m.RecordRollback("expired")
		m.RecordDriftMigration("apply", "ok")
		m.ObserveDBStats(sql.DBStats{})
	})
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	r := mux.NewRouter()
	r.Use(HTTPMetricsMiddleware(m))
	r.HandleFunc("/v1/orgs/{org}/alerts", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/orgs/12/alerts", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/orgs/{org}/alerts", "418")))
}
