package drift

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/gate"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
	"github.com/platinummonkey/tenantguard/pkg/storage"
	"github.com/platinummonkey/tenantguard/pkg/storage/storagetest"
)

type env struct {
	db        *sql.DB
	gate      *gate.Gate
	analyzer  *Analyzer
	members   *orgs.Store
	roles     *rbac.Store
	evaluator *rbac.Evaluator
	now       time.Time
	org       *orgs.Organization
	admin     *orgs.Membership
	seq       int
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	ctx := context.Background()
	db := storagetest.Open(t)
	e := &env{
		db:      db,
		members: orgs.NewStore(db),
		roles:   rbac.NewStore(db),
		now:     time.Date(2026, 4, 6, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, e.roles.SeedBuiltIns(ctx))
	e.org = &orgs.Organization{Name: "Acme"}
	require.NoError(t, e.members.CreateOrganization(ctx, e.org))

	e.evaluator = rbac.NewEvaluator(db, rbac.EvaluatorOptions{CacheSize: 64, CacheTTL: time.Hour})
	events := audit.NewEventStore(db, audit.Options{
		Dialect: storage.DialectSQLite,
		Scope:   e.members,
		Clock:   func() time.Time { return e.now },
	})
	e.gate = gate.New(db, e.evaluator, events, gate.Options{})
	e.analyzer = NewAnalyzer(db, e.gate, opts)
	_, e.admin = e.member(t, rbac.RoleAdmin, nil)
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

// group adds n members holding roleName with overrides
func (e *env) group(t *testing.T, n int, roleName string, overrides capability.Set) []*orgs.Membership {
	t.Helper()
	out := make([]*orgs.Membership, n)
	for i := range out {
		_, out[i] = e.member(t, roleName, overrides)
	}
	return out
}

func (e *env) as(principalID int64) gate.Request {
	return gate.Request{PrincipalID: principalID, OrganizationID: e.org.ID, Reason: "test"}
}

func (e *env) reload(t *testing.T, id int64) *orgs.Membership {
	t.Helper()
	m, err := e.members.GetMembershipByID(context.Background(), id)
	require.NoError(t, err)
	return m
}
