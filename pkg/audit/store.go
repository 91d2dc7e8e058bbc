package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/storage"
)

// ScopeResolver lists the organizations a principal may read audit events
// for. *orgs.Store satisfies it.
type ScopeResolver interface {
	ListOrganizationIDs(ctx context.Context, principalID int64) ([]int64, error)
}

// Options configures an EventStore
type Options struct {
	Dialect   storage.Dialect
	Sanitizer *Sanitizer
	Scope     ScopeResolver
	// Clock is consulted for event timestamps and rollback expiry
	Clock   func() time.Time
	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// EventStore is the append-only audit ledger together with its rollback
// records. Append and AppendBatch are the only ways events are written.
type EventStore struct {
	db        storage.DBTX
	root      *sql.DB // nil when bound to a caller's transaction
	dialect   storage.Dialect
	sanitizer *Sanitizer
	scope     ScopeResolver
	clock     func() time.Time
	metrics   *observability.Metrics
	logger    *observability.Logger
	reversers *reverserRegistry

	// beforeInsert runs before each event of a batch is written; tests use
	// it to fail part way through
	beforeInsert func(index int) error
}

// NewEventStore creates an event store over db
func NewEventStore(db *sql.DB, opts Options) *EventStore {
	s := &EventStore{
		db:        db,
		root:      db,
		dialect:   opts.Dialect,
		sanitizer: opts.Sanitizer,
		scope:     opts.Scope,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		reversers: &reverserRegistry{byKind: make(map[string]Reverser)},
	}
	if s.dialect == "" {
		s.dialect = storage.DialectPostgres
	}
	if s.sanitizer == nil {
		s.sanitizer = NewSanitizer()
	}
	if s.clock == nil {
		s.clock = storage.UTCNow
	}
	if s.logger == nil {
		s.logger = observability.NopLogger()
	}
	return s
}

// WithTx returns a store that writes inside tx. Batches appended through it
// become visible when the caller commits, and vanish if it rolls back.
func (s *EventStore) WithTx(tx *sql.Tx) *EventStore {
	bound := *s
	bound.db = tx
	bound.root = nil
	return &bound
}

// Now returns the store's current time
func (s *EventStore) Now() time.Time {
	return s.clock().UTC()
}

type pendingEvent struct {
	event  *Event
	before sql.NullString
	after  sql.NullString
}

// prepare sanitizes every record and verifies the result before anything is
// written. A single bad snapshot rejects the whole batch.
func (s *EventStore) prepare(actor Actor, records []Record, batchID string) ([]pendingEvent, error) {
	now := s.Now()
	out := make([]pendingEvent, 0, len(records))
	for i, rec := range records {
		if rec.Action == "" || rec.ResourceType == "" {
			return nil, fmt.Errorf("record %d: action and resource type are required", i+1)
		}

		ev := &Event{
			EventID:           uuid.NewString(),
			ActorID:           actor.PrincipalID,
			OrganizationID:    actor.OrganizationID,
			Action:            rec.Action,
			ResourceType:      rec.ResourceType,
			ResourceID:        rec.ResourceID,
			Before:            s.sanitizer.Snapshot(rec.Before),
			After:             s.sanitizer.Snapshot(rec.After),
			Reason:            actor.Reason,
			CorrelationID:     actor.CorrelationID,
			CorrelationSource: actor.CorrelationSource,
			CreatedAt:         now,
		}
		if batchID != "" {
			ev.BatchID = batchID
			ev.BatchSize = len(records)
			ev.BatchIndex = i + 1
		}

		before, err := encodeSnapshot(ev.Before)
		if err != nil {
			return nil, fmt.Errorf("record %d before: %w", i+1, err)
		}
		after, err := encodeSnapshot(ev.After)
		if err != nil {
			return nil, fmt.Errorf("record %d after: %w", i+1, err)
		}
		out = append(out, pendingEvent{event: ev, before: before, after: after})
	}
	return out, nil
}

func encodeSnapshot(snap Snapshot) (sql.NullString, error) {
	if snap == nil {
		return sql.NullString{}, nil
	}
	if err := CheckSnapshot(snap); err != nil {
		return sql.NullString{}, err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// Append writes a single event outside any batch
func (s *EventStore) Append(ctx context.Context, actor Actor, rec Record) (*Event, error) {
	pending, err := s.prepare(actor, []Record{rec}, "")
	if err != nil {
		s.metrics.RecordAuditFailure()
		return nil, &WriteFailureError{Err: err}
	}
	if err := s.insert(ctx, s.db, pending[0]); err != nil {
		s.metrics.RecordAuditFailure()
		return nil, &WriteFailureError{Err: err}
	}
	s.metrics.RecordAuditAppend("single", 1)
	return pending[0].event, nil
}

// AppendBatch writes records under one new batch id with 1-based indexes.
// Either every event is written or none is: a standalone store wraps the
// batch in its own transaction, a bound store relies on the caller's.
func (s *EventStore) AppendBatch(ctx context.Context, actor Actor, records []Record) (*Batch, error) {
	if len(records) == 0 {
		return nil, &WriteFailureError{Err: ErrEmptyBatch}
	}
	batchID := uuid.NewString()

	pending, err := s.prepare(actor, records, batchID)
	if err != nil {
		s.metrics.RecordAuditFailure()
		return nil, &WriteFailureError{BatchID: batchID, Err: err}
	}

	write := func(db storage.DBTX) error {
		for i, p := range pending {
			if s.beforeInsert != nil {
				if err := s.beforeInsert(i + 1); err != nil {
					return err
				}
			}
			if err := s.insert(ctx, db, p); err != nil {
				return err
			}
		}
		return nil
	}

	if s.root != nil {
		err = storage.WithTx(ctx, s.root, func(tx *sql.Tx) error { return write(tx) })
	} else {
		err = write(s.db)
	}
	if err != nil {
		s.metrics.RecordAuditFailure()
		s.logger.WithError(err).WithField("batch_id", batchID).Error("audit batch write failed")
		return nil, &WriteFailureError{BatchID: batchID, Err: err}
	}

	batch := &Batch{ID: batchID, Events: make([]*Event, len(pending))}
	for i, p := range pending {
		batch.Events[i] = p.event
	}
	s.metrics.RecordAuditAppend("batch", len(pending))
	return batch, nil
}

func (s *EventStore) insert(ctx context.Context, db storage.DBTX, p pendingEvent) error {
	ev := p.event
	query := `
		INSERT INTO audit_events (
			event_id, actor_id, organization_id, action,
			resource_type, resource_id, before_state, after_state,
			reason, batch_id, batch_size, batch_index,
			correlation_id, correlation_source, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15
		) RETURNING id
	`
	batchID := sql.NullString{String: ev.BatchID, Valid: ev.BatchID != ""}
	err := db.QueryRowContext(ctx, query,
		ev.EventID, ev.ActorID, ev.OrganizationID, string(ev.Action),
		ev.ResourceType, ev.ResourceID, p.before, p.after,
		ev.Reason, batchID, ev.BatchSize, ev.BatchIndex,
		ev.CorrelationID, ev.CorrelationSource, ev.CreatedAt,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

const eventColumns = `
	id, event_id, actor_id, organization_id, action,
	resource_type, resource_id, before_state, after_state,
	reason, batch_id, batch_size, batch_index,
	correlation_id, correlation_source, created_at
`

func scanEvent(row interface{ Scan(...interface{}) error }) (*Event, error) {
	var (
		ev            Event
		action        string
		before, after sql.NullString
		batchID       sql.NullString
	)
	err := row.Scan(
		&ev.ID, &ev.EventID, &ev.ActorID, &ev.OrganizationID, &action,
		&ev.ResourceType, &ev.ResourceID, &before, &after,
		&ev.Reason, &batchID, &ev.BatchSize, &ev.BatchIndex,
		&ev.CorrelationID, &ev.CorrelationSource, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Action = Action(action)
	ev.BatchID = batchID.String
	ev.CreatedAt = ev.CreatedAt.UTC()

	if before.Valid {
		if err := json.Unmarshal([]byte(before.String), &ev.Before); err != nil {
			return nil, fmt.Errorf("failed to unmarshal before state: %w", err)
		}
	}
	if after.Valid {
		if err := json.Unmarshal([]byte(after.String), &ev.After); err != nil {
			return nil, fmt.Errorf("failed to unmarshal after state: %w", err)
		}
	}
	return &ev, nil
}

type reverserRegistry struct {
	mu     sync.RWMutex
	byKind map[string]Reverser
}

func (r *reverserRegistry) get(kind string) (Reverser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rev, ok := r.byKind[kind]
	return rev, ok
}

// RegisterReverser installs the reverser for rollback records of kind. The
// registry is shared by every store derived through WithTx.
func (s *EventStore) RegisterReverser(kind string, r Reverser) {
	s.reversers.mu.Lock()
	defer s.reversers.mu.Unlock()
	s.reversers.byKind[kind] = r
}
