package orgs

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/storage/storagetest"
)

func TestPrincipalLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storagetest.Open(t))

	p := &Principal{ExternalRef: "auth0|alice"}
	require.NoError(t, store.CreatePrincipal(ctx, p))
	assert.NotZero(t, p.ID)
	assert.Equal(t, PrincipalActive, p.Status)

	require.NoError(t, store.SetPrincipalStatus(ctx, p.ID, PrincipalLocked))
	got, err := store.GetPrincipal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, PrincipalLocked, got.Status)

	_, err = store.GetPrincipal(ctx, 9999)
	assert.ErrorIs(t, err, ErrPrincipalNotFound)
	assert.ErrorIs(t, store.SetPrincipalStatus(ctx, 9999, PrincipalActive), ErrPrincipalNotFound)
	assert.Error(t, store.SetPrincipalStatus(ctx, p.ID, "banned"))
}

func TestOrganizationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storagetest.Open(t))

	org := &Organization{Name: "Acme"}
	require.NoError(t, store.CreateOrganization(ctx, org))
	assert.Equal(t, OrgStatusActive, org.Status)

	require.NoError(t, store.SetOrganizationStatus(ctx, org.ID, OrgStatusSuspended))
	got, err := store.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, OrgStatusSuspended, got.Status)

	t.Run("delete archives", func(t *testing.T) {
		require.NoError(t, store.DeleteOrganization(ctx, org.ID))
		got, err := store.GetOrganization(ctx, org.ID)
		require.NoError(t, err)
		assert.Equal(t, OrgStatusArchived, got.Status)
	})

	t.Run("externally sourced cannot be deleted", func(t *testing.T) {
		ext := &Organization{Name: "Directory Co", ExternallySourced: true}
		require.NoError(t, store.CreateOrganization(ctx, ext))

		assert.ErrorIs(t, store.DeleteOrganization(ctx, ext.ID), ErrExternallySourced)

		got, err := store.GetOrganization(ctx, ext.ID)
		require.NoError(t, err)
		assert.Equal(t, OrgStatusActive, got.Status)
	})

	_, err = store.GetOrganization(ctx, 424242)
	assert.ErrorIs(t, err, ErrOrganizationNotFound)
}

func TestAllOrganizationIDs_SkipsArchived(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storagetest.Open(t))

	a := &Organization{Name: "A"}
	b := &Organization{Name: "B", Status: OrgStatusSuspended}
	c := &Organization{Name: "C"}
	for _, o := range []*Organization{a, b, c} {
		require.NoError(t, store.CreateOrganization(ctx, o))
	}
	require.NoError(t, store.DeleteOrganization(ctx, c.ID))

	ids, err := store.AllOrganizationIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID}, ids)
}

func TestStore_DatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db)

	mock.ExpectQuery("INSERT INTO organizations").WillReturnError(errors.New("connection reset"))
	err = store.CreateOrganization(context.Background(), &Organization{Name: "x"})
	assert.ErrorContains(t, err, "failed to create organization")

	mock.ExpectExec("UPDATE principals").WillReturnError(errors.New("connection reset"))
	err = store.SetPrincipalStatus(context.Background(), 1, PrincipalSuspended)
	assert.ErrorContains(t, err, "failed to update principal status")

	require.NoError(t, mock.ExpectationsWereMet())
}
