// Package storage provides the persistence primitives shared by every tenantguard store.
//
// # Overview
//
// Stores in the orgs, rbac, audit and anomaly packages are written against the DBTX
// interface, which both *sql.DB and *sql.Tx satisfy. This lets a gated mutation run the
// membership update, the role change and the audit batch inside one transaction:
//
//	err := storage.WithTx(ctx, db, func(tx *sql.Tx) error {
//		if err := members.WithTx(tx).UpdateMembership(ctx, m, version); err != nil {
//			return err
//		}
//		_, err := events.WithTx(tx).AppendBatch(ctx, actor, records)
//		return err
//	})
//
// # Schema
//
// RunMigrations creates the schema for either PostgreSQL (production) or SQLite (tests and
// single-node deployments). Queries use $N placeholders numbered in order of first
// appearance and timestamps generated in Go (UTCNow), so the same SQL runs on both.
//
// # Subpackages
//
// The postgres subpackage manages the primary/replica connection pool, the Redis client
// used by the baseline store and the S3 client used by the audit archiver.
package storage
