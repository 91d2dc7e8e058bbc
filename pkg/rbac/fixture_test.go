package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/storage/storagetest"
)

type env struct {
	db      *sql.DB
	members *orgs.Store
	roles   *Store
	org     *orgs.Organization
	seq     int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	db := storagetest.Open(t)
	e := &env{db: db, members: orgs.NewStore(db), roles: NewStore(db)}

	require.NoError(t, e.roles.SeedBuiltIns(ctx))
	e.org = &orgs.Organization{Name: "Acme"}
	require.NoError(t, e.members.CreateOrganization(ctx, e.org))
	return e
}

func (e *env) role(t *testing.T, name string) *RoleTemplate {
	t.Helper()
	r, err := e.roles.GetRoleByName(context.Background(), name, &e.org.ID)
	require.NoError(t, err)
	return r
}

// member creates a principal holding roleName with the given overrides
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
