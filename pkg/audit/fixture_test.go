package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/storage"
	"github.com/platinummonkey/tenantguard/pkg/storage/storagetest"
)

// staticScope maps principals to the organizations they belong to
type staticScope map[int64][]int64

func (s staticScope) ListOrganizationIDs(_ context.Context, principalID int64) ([]int64, error) {
	return s[principalID], nil
}

// testClock is a settable clock
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const (
	orgA  int64 = 1
	orgB  int64 = 2
	alice int64 = 10 // member of A
	bob   int64 = 20 // member of B
	carol int64 = 30 // member of A and B
)

func testScope() staticScope {
	return staticScope{
		alice: {orgA},
		bob:   {orgB},
		carol: {orgA, orgB},
	}
}

func newTestStore(t *testing.T) (*EventStore, *sql.DB, *testClock) {
	t.Helper()
	db := storagetest.Open(t)
	clock := &testClock{now: t0}
	store := NewEventStore(db, Options{
		Dialect: storage.DialectSQLite,
		Scope:   testScope(),
		Clock:   clock.Now,
	})
	return store, db, clock
}

func countEvents(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM audit_events`).Scan(&n))
	return n
}

func memberRecords(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{
			Action:       ActionMemberRoleChange,
			ResourceType: ResourceMembership,
			ResourceID:   string(rune('a' + i)),
			Before:       Snapshot{"role": "viewer"},
			After:        Snapshot{"role": "editor"},
		}
	}
	return out
}
