// Package storagetest opens migrated SQLite databases for package tests.
package storagetest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/storage"
)

// Open returns a fresh, fully migrated database backed by a temp file
func Open(t testing.TB) *sql.DB {
	t.Helper()
	return OpenFile(t, filepath.Join(t.TempDir(), "tenantguard.db"))
}

// OpenFile opens (and migrates) the database at path. Reopening the same path
// simulates a process restart.
//
// The pool is limited to one connection: code holding a transaction must run
// every statement through that transaction.
func OpenFile(t testing.TB, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.RunMigrations(context.Background(), db, storage.DialectSQLite))
	return db
}
