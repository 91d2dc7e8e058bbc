//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/tenantguard/pkg/anomaly"
	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/drift"
	"github.com/platinummonkey/tenantguard/pkg/gate"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
	"github.com/platinummonkey/tenantguard/pkg/storage"
	postgresStorage "github.com/platinummonkey/tenantguard/pkg/storage/postgres"
)

// setupPostgres starts a throwaway PostgreSQL, migrates it and seeds the
// built-in roles. Tests are skipped when no container runtime is available.
func setupPostgres(t *testing.T) *postgresStorage.ConnectionManager {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	provider.Close()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("tenantguard_test"),
		postgres.WithUsername("tenantguard"),
		postgres.WithPassword("tenantguard_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		// fresh context: the test's may already be cancelled
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := storage.DefaultConfig()
	cfg.PostgresURL = url
	cm, err := postgresStorage.NewConnectionManager(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cm.Close() })

	require.NoError(t, storage.RunMigrations(ctx, cm.Primary(), storage.DialectPostgres))
	// a second run is a no-op
	require.NoError(t, storage.RunMigrations(ctx, cm.Primary(), storage.DialectPostgres))
	require.NoError(t, rbac.NewStore(cm.Primary()).SeedBuiltIns(ctx))
	return cm
}

type fixture struct {
	members *orgs.Store
	roles   *rbac.Store
	eval    *rbac.Evaluator
	events  *audit.EventStore
	gate    *gate.Gate
	org     *orgs.Organization
	admin   *orgs.Principal
}

func newFixture(t *testing.T, cm *postgresStorage.ConnectionManager) *fixture {
	t.Helper()
	ctx := context.Background()
	db := cm.Primary()

	f := &fixture{members: orgs.NewStore(db), roles: rbac.NewStore(db)}
	f.eval = rbac.NewEvaluator(db, rbac.EvaluatorOptions{CacheSize: 128, CacheTTL: time.Minute})
	f.events = audit.NewEventStore(db, audit.Options{Dialect: storage.DialectPostgres, Scope: f.members})
	f.gate = gate.New(db, f.eval, f.events, gate.Options{})

	f.org = &orgs.Organization{Name: "Acme"}
	require.NoError(t, f.members.CreateOrganization(ctx, f.org))
	f.admin = &orgs.Principal{ExternalRef: "admin"}
	require.NoError(t, f.members.CreatePrincipal(ctx, f.admin))
	require.NoError(t, f.members.AddMember(ctx, &orgs.Membership{
		PrincipalID:    f.admin.ID,
		OrganizationID: f.org.ID,
		RoleID:         f.role(t, rbac.RoleAdmin).ID,
	}))
	return f
}

func (f *fixture) role(t *testing.T, name string) *rbac.RoleTemplate {
	t.Helper()
	r, err := f.roles.GetRoleByName(context.Background(), name, &f.org.ID)
	require.NoError(t, err)
	return r
}

func (f *fixture) req() gate.Request {
	return gate.Request{PrincipalID: f.admin.ID, OrganizationID: f.org.ID, Reason: "integration"}
}

func (f *fixture) addMember(t *testing.T, ref, roleName string, overrides capability.Set) (*orgs.Principal, *orgs.Membership) {
	t.Helper()
	ctx := context.Background()
	p := &orgs.Principal{ExternalRef: ref}
	require.NoError(t, f.members.CreatePrincipal(ctx, p))
	m, _, err := f.gate.AddMember(ctx, f.req(), p.ID, f.role(t, roleName).ID, overrides)
	require.NoError(t, err)
	return p, m
}

func TestPostgres_GatedChangeAndRollback(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	f := newFixture(t, setupPostgres(t))

	viewer, m := f.addMember(t, "viewer", rbac.RoleViewer, nil)
	canWrite := func() bool {
		t.Helper()
		d, err := f.eval.Evaluate(ctx, rbac.Request{PrincipalID: viewer.ID, OrganizationID: f.org.ID, Action: string(capability.Write)})
		require.NoError(t, err)
		return d.Allowed
	}
	assert.False(t, canWrite())

	res, err := f.gate.ChangeRole(ctx, f.req(), m.ID, f.role(t, rbac.RoleEditor).ID)
	require.NoError(t, err)
	require.NotNil(t, res.RollbackExpiresAt)
	assert.True(t, canWrite(), "role change must be visible to the next decision")

	batch, err := f.gate.Rollback(ctx, f.req(), res.Batch.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, batch.Events)
	assert.False(t, canWrite())

	restored, err := f.members.GetMembership(ctx, viewer.ID, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, f.role(t, rbac.RoleViewer).ID, restored.RoleID)

	_, err = f.gate.Rollback(ctx, f.req(), res.Batch.ID)
	assert.ErrorIs(t, err, audit.ErrRollbackConsumed)

	page, err := f.events.Search(ctx, f.admin.ID, audit.SearchFilter{
		OrganizationID: &f.org.ID,
		Actions:        []audit.Action{audit.ActionMemberRoleChange},
	})
	require.NoError(t, err)
	assert.Len(t, page.Events, 2, "the change and its reversal")

	page, err = f.events.Search(ctx, f.admin.ID, audit.SearchFilter{BatchID: batch.ID})
	require.NoError(t, err)
	assert.Len(t, page.Events, len(batch.Events))

	outsider := &orgs.Principal{ExternalRef: "outsider"}
	require.NoError(t, f.members.CreatePrincipal(ctx, outsider))
	page, err = f.events.Search(ctx, outsider.ID, audit.SearchFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Events, "search only sees the requester's organizations")
}

func TestPostgres_DriftAndAlerts(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	cm := setupPostgres(t)
	f := newFixture(t, cm)

	exporters := capability.Set{capability.Export: true}
	for _, ref := range []string{"a", "b", "c", "d", "e", "f"} {
		f.addMember(t, "export-"+ref, rbac.RoleViewer, exporters)
	}
	for _, ref := range []string{"g", "h", "i", "j"} {
		f.addMember(t, "plain-"+ref, rbac.RoleViewer, nil)
	}

	analyzer := drift.NewAnalyzer(cm.Replica(), f.gate, drift.Options{})
	patterns, err := analyzer.Analyze(ctx, f.org.ID)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Len(t, patterns[0].Members, 6)

	role, res, err := analyzer.Apply(ctx, f.req(), patterns[0])
	require.NoError(t, err)
	assert.Equal(t, patterns[0].SuggestedName, role.Name)
	assert.NotEmpty(t, res.Batch.ID)

	patterns, err = analyzer.Analyze(ctx, f.org.ID)
	require.NoError(t, err)
	assert.Empty(t, patterns)

	alerts := anomaly.NewAlertStore(cm.Primary())
	require.NoError(t, alerts.Insert(ctx, &anomaly.Alert{
		ID:                 uuid.NewString(),
		PrincipalID:        f.admin.ID,
		OrganizationID:     f.org.ID,
		Severity:           anomaly.SeverityHigh,
		Reasons:            []anomaly.Reason{anomaly.ReasonVolumeHigh},
		RecordCount:        400,
		BaselineConfidence: 0.5,
		CreatedAt:          time.Now().UTC(),
	}))

	stored, err := alerts.List(ctx, f.org.ID, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, []anomaly.Reason{anomaly.ReasonVolumeHigh}, stored[0].Reasons)
}
