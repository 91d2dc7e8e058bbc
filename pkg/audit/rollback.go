package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/storage"
)

// DefaultRollbackTTL is the rollback window used when none is configured
const DefaultRollbackTTL = 7 * 24 * time.Hour

// RollbackRecord holds the state needed to reverse one batch
type RollbackRecord struct {
	BatchID        string          `json:"batch_id"`
	OrganizationID int64           `json:"organization_id"`
	Kind           string          `json:"kind"`
	PriorState     json.RawMessage `json:"prior_state"`
	CreatedBy      int64           `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	ConsumedAt     *time.Time      `json:"consumed_at,omitempty"`
}

// Expired reports whether the window has closed at now
func (r *RollbackRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Reverser restores the state captured in a rollback record. It runs inside
// the rollback transaction and returns the audit records describing the
// reversal. It must refuse, with an error, when the affected entities changed
// after the batch.
type Reverser interface {
	Reverse(ctx context.Context, tx *sql.Tx, rec *RollbackRecord) ([]Record, error)
}

// ReverserFunc adapts a function to Reverser
type ReverserFunc func(ctx context.Context, tx *sql.Tx, rec *RollbackRecord) ([]Record, error)

func (f ReverserFunc) Reverse(ctx context.Context, tx *sql.Tx, rec *RollbackRecord) ([]Record, error) {
	return f(ctx, tx, rec)
}

// CreateRollback stores reversal state for batchID, expiring ttl from now.
// Call it through a store bound to the same transaction as the batch.
func (s *EventStore) CreateRollback(ctx context.Context, rec *RollbackRecord, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultRollbackTTL
	}
	if len(rec.PriorState) == 0 {
		return errors.New("rollback record requires prior state")
	}
	rec.CreatedAt = s.Now()
	rec.ExpiresAt = rec.CreatedAt.Add(ttl)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollback_records (batch_id, organization_id, kind, prior_state, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.BatchID, rec.OrganizationID, rec.Kind, string(rec.PriorState), rec.CreatedBy, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return &WriteFailureError{BatchID: rec.BatchID, Err: fmt.Errorf("failed to create rollback record: %w", err)}
	}
	return nil
}

// GetRollback loads the rollback record for a batch
func (s *EventStore) GetRollback(ctx context.Context, batchID string) (*RollbackRecord, error) {
	return s.getRollback(ctx, s.db, batchID, false)
}

func (s *EventStore) getRollback(ctx context.Context, db storage.DBTX, batchID string, forUpdate bool) (*RollbackRecord, error) {
	query := `
		SELECT batch_id, organization_id, kind, prior_state, created_by, created_at, expires_at, consumed_at
		FROM rollback_records
		WHERE batch_id = $1
	`
	if forUpdate && s.dialect == storage.DialectPostgres {
		query += " FOR UPDATE"
	}

	var (
		rec      RollbackRecord
		prior    string
		consumed sql.NullTime
	)
	err := db.QueryRowContext(ctx, query, batchID).Scan(
		&rec.BatchID, &rec.OrganizationID, &rec.Kind, &prior,
		&rec.CreatedBy, &rec.CreatedAt, &rec.ExpiresAt, &consumed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRollbackNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rollback record: %w", err)
	}
	rec.PriorState = json.RawMessage(prior)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	if consumed.Valid {
		t := consumed.Time.UTC()
		rec.ConsumedAt = &t
	}
	return &rec, nil
}

// Rollback reverses batchID. It succeeds only while an unexpired, unconsumed
// record exists; the reversal is written as a fresh batch and the record is
// consumed in the same transaction, so a rollback cannot be rolled back. An
// expired window returns *RollbackExpiredError and changes nothing.
func (s *EventStore) Rollback(ctx context.Context, actor Actor, batchID string) (*Batch, error) {
	var batch *Batch
	run := func(tx *sql.Tx) error {
		bound := s.WithTx(tx)
		rec, err := s.getRollback(ctx, tx, batchID, true)
		if err != nil {
			return err
		}
		if rec.OrganizationID != actor.OrganizationID {
			return ErrRollbackNotFound
		}
		if rec.ConsumedAt != nil {
			return ErrRollbackConsumed
		}
		now := s.Now()
		if rec.Expired(now) {
			return &RollbackExpiredError{BatchID: batchID, ExpiredAt: rec.ExpiresAt}
		}

		rev, ok := s.reversers.get(rec.Kind)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoReverser, rec.Kind)
		}
		records, err := rev.Reverse(ctx, tx, rec)
		if err != nil {
			return err
		}
		records = append(records, Record{
			Action:       ActionRollback,
			ResourceType: "batch",
			ResourceID:   batchID,
			Before:       Snapshot{"kind": rec.Kind, "expires_at": rec.ExpiresAt.Format(time.RFC3339)},
		})

		batch, err = bound.AppendBatch(ctx, actor, records)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE rollback_records SET consumed_at = $1 WHERE batch_id = $2 AND consumed_at IS NULL`, now, batchID)
		if err != nil {
			return fmt.Errorf("failed to consume rollback record: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		} else if n == 0 {
			return ErrRollbackConsumed
		}
		return nil
	}

	var err error
	if s.root != nil {
		err = storage.WithTx(ctx, s.root, run)
	} else {
		tx, ok := s.db.(*sql.Tx)
		if !ok {
			return nil, errors.New("rollback requires a transaction")
		}
		err = run(tx)
	}

	s.metrics.RecordRollback(rollbackOutcome(err))
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func rollbackOutcome(err error) string {
	var expired *RollbackExpiredError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &expired):
		return "expired"
	case errors.Is(err, ErrRollbackNotFound):
		return "not_found"
	case errors.Is(err, ErrRollbackConsumed):
		return "consumed"
	default:
		return "error"
	}
}

// ReclaimExpired deletes rollback records that are expired or consumed as of
// now. Audit events themselves are never deleted.
func (s *EventStore) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rollback_records WHERE expires_at <= $1 OR consumed_at IS NOT NULL`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim rollback records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	s.metrics.RecordReclaimed(n)
	return n, nil
}
