package audit

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/storage"
	"github.com/platinummonkey/tenantguard/pkg/storage/storagetest"
)

func TestAppendBatch_SharesIDAndIndexes(t *testing.T) {
	ctx := context.Background()
	store, db, _ := newTestStore(t)

	actor := Actor{PrincipalID: alice, OrganizationID: orgA, Reason: "quarterly review", CorrelationID: "req-1"}
	batch, err := store.AppendBatch(ctx, actor, memberRecords(3))
	require.NoError(t, err)
	require.Len(t, batch.Events, 3)

	stored, err := store.BatchEvents(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i, ev := range stored {
		assert.Equal(t, batch.ID, ev.BatchID)
		assert.Equal(t, 3, ev.BatchSize)
		assert.Equal(t, i+1, ev.BatchIndex)
		assert.Equal(t, alice, ev.ActorID)
		assert.Equal(t, "quarterly review", ev.Reason)
		assert.Equal(t, "req-1", ev.CorrelationID)
		assert.Equal(t, t0, ev.CreatedAt)
		assert.Equal(t, "editor", ev.After["role"])
	}
	assert.Equal(t, 3, countEvents(t, db))
}

func TestAppend_Single(t *testing.T) {
	store, _, _ := newTestStore(t)

	ev, err := store.Append(context.Background(), Actor{PrincipalID: alice, OrganizationID: orgA}, Record{
		Action:       ActionOrgStatus,
		ResourceType: ResourceOrganization,
		ResourceID:   "1",
		After:        Snapshot{"status": "suspended"},
	})
	require.NoError(t, err)
	assert.NotZero(t, ev.ID)
	assert.NotEmpty(t, ev.EventID)
	assert.Empty(t, ev.BatchID)
	assert.Zero(t, ev.BatchIndex)
}

func TestAppendBatch_FailureMidBatchLeavesNothing(t *testing.T) {
	ctx := context.Background()
	store, db, _ := newTestStore(t)
	boom := errors.New("disk full")
	store.beforeInsert = func(index int) error {
		if index == 4 {
			return boom
		}
		return nil
	}

	_, err := store.AppendBatch(ctx, Actor{PrincipalID: alice, OrganizationID: orgA}, memberRecords(5))
	var wf *WriteFailureError
	require.ErrorAs(t, err, &wf)
	assert.ErrorIs(t, err, boom)
	assert.NotEmpty(t, wf.BatchID)
	assert.Equal(t, 0, countEvents(t, db))
}

func TestAppendBatch_CrashMidBatchSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db := storagetest.OpenFile(t, path)
	store := NewEventStore(db, Options{Dialect: storage.DialectSQLite, Scope: testScope()})

	store.beforeInsert = func(index int) error {
		if index == 4 {
			panic("process killed")
		}
		return nil
	}
	assert.Panics(t, func() {
		_, _ = store.AppendBatch(ctx, Actor{PrincipalID: alice, OrganizationID: orgA}, memberRecords(5))
	})
	require.NoError(t, db.Close())

	reopened := storagetest.OpenFile(t, path)
	assert.Equal(t, 0, countEvents(t, reopened))

	page, err := NewEventStore(reopened, Options{Dialect: storage.DialectSQLite, Scope: testScope()}).
		Search(ctx, alice, SearchFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Events)
}

func TestAppendBatch_FailureMidBatchRollsBack_SQLMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	for i := 1; i <= 3; i++ {
		mock.ExpectQuery("INSERT INTO audit_events").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(i))
	}
	mock.ExpectQuery("INSERT INTO audit_events").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	store := NewEventStore(db, Options{Scope: testScope()})
	_, err = store.AppendBatch(context.Background(), Actor{PrincipalID: alice, OrganizationID: orgA}, memberRecords(5))

	var wf *WriteFailureError
	require.ErrorAs(t, err, &wf)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendBatch_CommitFailure_SQLMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO audit_events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit().WillReturnError(errors.New("commit lost"))

	store := NewEventStore(db, Options{Scope: testScope()})
	_, err = store.AppendBatch(context.Background(), Actor{PrincipalID: alice, OrganizationID: orgA}, memberRecords(1))

	var wf *WriteFailureError
	assert.ErrorAs(t, err, &wf)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendBatch_BoundToCallerTransaction(t *testing.T) {
	ctx := context.Background()
	store, db, _ := newTestStore(t)
	actor := Actor{PrincipalID: alice, OrganizationID: orgA}

	t.Run("caller rollback discards the batch", func(t *testing.T) {
		err := storage.WithTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := store.WithTx(tx).AppendBatch(ctx, actor, memberRecords(2)); err != nil {
				return err
			}
			return errors.New("mutation failed")
		})
		require.Error(t, err)
		assert.Equal(t, 0, countEvents(t, db))
	})

	t.Run("caller commit publishes the batch", func(t *testing.T) {
		err := storage.WithTx(ctx, db, func(tx *sql.Tx) error {
			_, err := store.WithTx(tx).AppendBatch(ctx, actor, memberRecords(2))
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 2, countEvents(t, db))
	})
}

func TestAppendBatch_Validation(t *testing.T) {
	ctx := context.Background()
	store, db, _ := newTestStore(t)
	actor := Actor{PrincipalID: alice, OrganizationID: orgA}

	_, err := store.AppendBatch(ctx, actor, nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	records := memberRecords(3)
	records[2].Action = ""
	_, err = store.AppendBatch(ctx, actor, records)
	var wf *WriteFailureError
	assert.ErrorAs(t, err, &wf)
	assert.Equal(t, 0, countEvents(t, db))
}

type payroll struct {
	Employee string `json:"employee"`
	Salary   int    `json:"salary"`
}

func TestAppend_SanitizesSnapshots(t *testing.T) {
	ctx := context.Background()
	store, db, _ := newTestStore(t)
	actor := Actor{PrincipalID: alice, OrganizationID: orgA}

	ev, err := store.Append(ctx, actor, Record{
		Action:       ActionSensitiveAccess,
		ResourceType: ResourceRecord,
		ResourceID:   "inv-7",
		After: Snapshot{
			"invoice":  "inv-7",
			"amount":   1250.50,
			"password": "hunter2",
			"nested":   map[string]interface{}{"api_key": "k", "balance": nil},
		},
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, alice, ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, "inv-7", got.After["invoice"])
	assert.Equal(t, true, got.After["has_amount"])
	assert.NotContains(t, got.After, "amount")
	assert.NotContains(t, got.After, "password")
	assert.Equal(t, map[string]interface{}{"has_balance": false}, got.After["nested"])

	t.Run("struct values are checked in encoded form", func(t *testing.T) {
		_, err := store.Append(ctx, actor, Record{
			Action:       ActionSensitiveAccess,
			ResourceType: ResourceRecord,
			ResourceID:   "pay-1",
			After:        Snapshot{"row": payroll{Employee: "e1", Salary: 90000}},
		})
		assert.ErrorIs(t, err, ErrUnsanitizedSnapshot)
		assert.Equal(t, 1, countEvents(t, db))
	})
}
