package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/anomaly"
	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/baseline"
	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/drift"
	"github.com/platinummonkey/tenantguard/pkg/gate"
	"github.com/platinummonkey/tenantguard/pkg/masking"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
	"github.com/platinummonkey/tenantguard/pkg/storage"
	"github.com/platinummonkey/tenantguard/pkg/storage/storagetest"
)

type env struct {
	db      *sql.DB
	server  *Server
	gate    *gate.Gate
	members *orgs.Store
	roles   *rbac.Store
	alerts  *anomaly.AlertStore
	access  *accessLog
	now     time.Time
	org     *orgs.Organization
	admin   *orgs.Principal
	seq     int
}

func newEnv(t *testing.T, humanizer rbac.Humanizer) *env {
	t.Helper()
	ctx := context.Background()
	db := storagetest.Open(t)
	e := &env{
		db:      db,
		members: orgs.NewStore(db),
		roles:   rbac.NewStore(db),
		alerts:  anomaly.NewAlertStore(db),
		access:  &accessLog{},
		now:     time.Date(2026, 4, 6, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, e.roles.SeedBuiltIns(ctx))
	e.org = &orgs.Organization{Name: "Acme"}
	require.NoError(t, e.members.CreateOrganization(ctx, e.org))

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	evaluator := rbac.NewEvaluator(db, rbac.EvaluatorOptions{CacheSize: 64, CacheTTL: time.Hour, Metrics: metrics})
	events := audit.NewEventStore(db, audit.Options{
		Dialect: storage.DialectSQLite,
		Scope:   e.members,
		Clock:   func() time.Time { return e.now },
		Metrics: metrics,
	})
	e.gate = gate.New(db, evaluator, events, gate.Options{})
	invoices := masking.DistributionFunc(func(_ context.Context, _ int64, _ string) ([]float64, error) {
		values := make([]float64, 20)
		for i := range values {
			values[i] = float64((i + 1) * 100)
		}
		return values, nil
	})
	stored := masking.RecordSourceFunc(func(_ context.Context, _ int64, ids []string) (map[string]masking.Record, error) {
		out := make(map[string]masking.Record)
		for _, id := range ids {
			if id == "inv-7" {
				out[id] = masking.Record{ID: id, Category: "invoice", Value: 1000}
			}
		}
		return out, nil
	})

	e.server = NewServer(Options{
		Evaluator:       evaluator,
		Gate:            e.gate,
		Drift:           drift.NewAnalyzer(db, e.gate, drift.Options{Metrics: metrics}),
		Alerts:          e.alerts,
		Masking:         masking.NewPolicy(evaluator, stored, invoices, e.access, masking.PolicyOptions{Metrics: metrics}),
		Health:          observability.NewHealthChecker(db, nil, "test"),
		Registry:        registry,
		Metrics:         metrics,
		Humanizer:       humanizer,
		HumanizeTimeout: 50 * time.Millisecond,
	})
	e.admin, _ = e.member(t, rbac.RoleAdmin, nil)
	return e
}

func (e *env) role(t *testing.T, name string) *rbac.RoleTemplate {
	t.Helper()
	r, err := e.roles.GetRoleByName(context.Background(), name, &e.org.ID)
	require.NoError(t, err)
	return r
}

func (e *env) member(t *testing.T, roleName string, overrides capability.Set) (*orgs.Principal, *orgs.Membership) {
	t.Helper()
	ctx := context.Background()
	e.seq++
	p := &orgs.Principal{ExternalRef: fmt.Sprintf("%s-%d", roleName, e.seq)}
	require.NoError(t, e.members.CreatePrincipal(ctx, p))
	m := &orgs.Membership{
		PrincipalID:    p.ID,
		OrganizationID: e.org.ID,
		RoleID:         e.role(t, roleName).ID,
		Overrides:      overrides.Clone(),
	}
	require.NoError(t, e.members.AddMember(ctx, m))
	return p, m
}

// do sends a request as principalID; zero sends no principal header
func (e *env) do(t *testing.T, method, path string, principalID int64, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if principalID != 0 {
		req.Header.Set(PrincipalHeader, strconv.FormatInt(principalID, 10))
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func (e *env) orgPath(suffix string) string {
	return fmt.Sprintf("/v1/orgs/%d%s", e.org.ID, suffix)
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(dest), w.Body.String())
}

type humanizerFunc func(ctx context.Context, d *rbac.Decision, text string) (string, error)

func (f humanizerFunc) Humanize(ctx context.Context, d *rbac.Decision, text string) (string, error) {
	return f(ctx, d, text)
}

// accessLog records sensitive-access events in place of the anomaly monitor
type accessLog struct {
	events []baseline.AccessEvent
	err    error
}

func (l *accessLog) RecordAccess(_ context.Context, ev baseline.AccessEvent) error {
	if l.err != nil {
		return l.err
	}
	l.events = append(l.events, ev)
	return nil
}
