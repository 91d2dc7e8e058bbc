package gate

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
	"github.com/platinummonkey/tenantguard/pkg/storage"
	"github.com/platinummonkey/tenantguard/pkg/storage/storagetest"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type env struct {
	db        *sql.DB
	gate      *Gate
	members   *orgs.Store
	roles     *rbac.Store
	evaluator *rbac.Evaluator
	events    *audit.EventStore
	clock     *testClock
	org       *orgs.Organization
	admin     *orgs.Membership
	seq       int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	db := storagetest.Open(t)
	e := &env{
		db:      db,
		members: orgs.NewStore(db),
		roles:   rbac.NewStore(db),
		clock:   &testClock{now: time.Date(2026, 4, 6, 12, 0, 0, 0, time.UTC)},
	}
	require.NoError(t, e.roles.SeedBuiltIns(ctx))
	e.org = &orgs.Organization{Name: "Acme"}
	require.NoError(t, e.members.CreateOrganization(ctx, e.org))

	e.evaluator = rbac.NewEvaluator(db, rbac.EvaluatorOptions{CacheSize: 64, CacheTTL: time.Hour})
	e.events = audit.NewEventStore(db, audit.Options{
		Dialect: storage.DialectSQLite,
		Scope:   e.members,
		Clock:   e.clock.Now,
	})
	e.gate = New(db, e.evaluator, e.events, Options{})
	_, e.admin = e.member(t, rbac.RoleAdmin, nil)
	return e
}

func (e *env) role(t *testing.T, name string) *rbac.RoleTemplate {
	t.Helper()
	r, err := e.roles.GetRoleByName(context.Background(), name, &e.org.ID)
	require.NoError(t, err)
	return r
}

// member adds a principal to the organization directly, bypassing the gate
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
		Overrides:      overrides,
	}
	require.NoError(t, e.members.AddMember(ctx, m))
	return p, m
}

func (e *env) as(principalID int64) Request {
	return Request{PrincipalID: principalID, OrganizationID: e.org.ID, Reason: "test"}
}

func (e *env) reload(t *testing.T, id int64) *orgs.Membership {
	t.Helper()
	m, err := e.members.GetMembershipByID(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (e *env) countEvents(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow(`SELECT COUNT(*) FROM audit_events`).Scan(&n))
	return n
}

func boolPtr(b bool) *bool { return &b }
