// Package audit is the append-only ledger of state changes.
//
// # Writing
//
// EventStore.Append and EventStore.AppendBatch are the only writers. Every
// record is passed through the Sanitizer (credential-like fields dropped,
// monetary fields reduced to a has_<field> flag) and then re-checked against
// the deny-list; a snapshot that still carries a denied field rejects the
// whole batch with ErrUnsanitizedSnapshot.
//
// A batch shares one id and numbers its events 1..N. All N events are
// committed together or not at all. A store bound to a caller's transaction
// with WithTx writes inside it, so a business mutation and its audit batch
// commit as one unit:
//
//	err := storage.WithTx(ctx, db, func(tx *sql.Tx) error {
//		if err := members.WithTx(tx).UpdateMembership(ctx, m, v); err != nil {
//			return err
//		}
//		_, err := events.WithTx(tx).AppendBatch(ctx, actor, records)
//		return err
//	})
//
// Any failure to write is returned as *WriteFailureError and must abort the
// triggering operation.
//
// # Rollback
//
// CreateRollback stores the prior state of a batch for a fixed window
// (DefaultRollbackTTL). Rollback hands that state to the Reverser registered
// for the record's kind, appends the reversal as a new batch and consumes the
// record. Once the window closes Rollback returns *RollbackExpiredError and
// changes nothing. ReclaimExpired deletes spent records; events are never
// deleted.
//
// # Reading
//
// Search, Get and Export only return events from organizations the
// requester can read, as reported by the ScopeResolver. Archiver copies
// daily windows to object storage as NDJSON.
package audit
