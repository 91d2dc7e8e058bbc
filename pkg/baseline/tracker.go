package baseline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/storage"
)

const lockShards = 64

// Tracker maintains per-principal baselines
type Tracker struct {
	store   Store
	cfg     Config
	clock   func() time.Time
	metrics *observability.Metrics
	logger  *observability.Logger

	// updates for one principal are serialized through its shard
	shards [lockShards]sync.Mutex
}

// TrackerOptions configures a Tracker
type TrackerOptions struct {
	Config  Config
	Clock   func() time.Time
	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// NewTracker creates a tracker over store
func NewTracker(store Store, opts TrackerOptions) *Tracker {
	if opts.Config.Window <= 0 {
		opts.Config = DefaultConfig()
	}
	if opts.Clock == nil {
		opts.Clock = storage.UTCNow
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	return &Tracker{
		store:   store,
		cfg:     opts.Config,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// Config returns the tracker's configuration
func (t *Tracker) Config() Config { return t.cfg }

func (t *Tracker) shard(principalID int64) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(principalID, 10)))
	return &t.shards[h.Sum32()%lockShards]
}

// Get returns the principal's baseline pruned to the window. A principal
// with no history gets an empty baseline.
func (t *Tracker) Get(ctx context.Context, principalID int64) (*Baseline, error) {
	b, err := t.store.Load(ctx, principalID)
	if errors.Is(err, ErrNotFound) {
		return New(principalID), nil
	}
	if err != nil {
		return nil, err
	}
	b.Prune(t.clock(), t.cfg.Window)
	return b, nil
}

// Update folds ev into the principal's baseline
func (t *Tracker) Update(ctx context.Context, ev AccessEvent) (*Baseline, error) {
	mu := t.shard(ev.PrincipalID)
	mu.Lock()
	defer mu.Unlock()

	b, err := t.Get(ctx, ev.PrincipalID)
	if err != nil {
		t.metrics.RecordBaselineUpdate("error")
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}
	if ev.At.IsZero() {
		ev.At = t.clock()
	}
	b.Fold(ev)
	b.Prune(t.clock(), t.cfg.Window)

	if err := t.store.Save(ctx, b); err != nil {
		t.metrics.RecordBaselineUpdate("error")
		return nil, fmt.Errorf("failed to save baseline: %w", err)
	}
	t.metrics.RecordBaselineUpdate("ok")
	return b, nil
}

// Recompute rebuilds a baseline from scratch out of events, replacing
// whatever the store holds. Events outside the window are ignored.
func (t *Tracker) Recompute(ctx context.Context, principalID int64, events []AccessEvent) (*Baseline, error) {
	mu := t.shard(principalID)
	mu.Lock()
	defer mu.Unlock()

	now := t.clock()
	b := New(principalID)
	for _, ev := range events {
		if ev.PrincipalID != principalID {
			continue
		}
		b.Fold(ev)
	}
	b.Prune(now, t.cfg.Window)

	if err := t.store.Save(ctx, b); err != nil {
		t.metrics.RecordBaselineUpdate("error")
		return nil, fmt.Errorf("failed to save baseline: %w", err)
	}
	t.metrics.RecordBaselineUpdate("recomputed")
	t.logger.WithFields(map[string]interface{}{
		"principal_id": principalID,
		"samples":      b.Samples(),
	}).Info("baseline recomputed")
	return b, nil
}

// HistorySource reads a principal's sensitive access history.
// *audit.EventStore satisfies it.
type HistorySource interface {
	SensitiveAccess(ctx context.Context, principalID int64, since time.Time) ([]*audit.Event, error)
}

// RecomputeFromHistory rebuilds a baseline from the audit ledger. A non-zero
// before keeps only ledger rows recorded ahead of that row, so an access
// about to be scored is not part of its own baseline.
func (t *Tracker) RecomputeFromHistory(ctx context.Context, src HistorySource, principalID, before int64) (*Baseline, error) {
	events, err := src.SensitiveAccess(ctx, principalID, t.clock().Add(-t.cfg.Window))
	if err != nil {
		return nil, fmt.Errorf("failed to read access history: %w", err)
	}
	history := FromAuditEvents(events)
	if before > 0 {
		kept := history[:0]
		for _, ev := range history {
			if ev.AuditID < before {
				kept = append(kept, ev)
			}
		}
		history = kept
	}
	return t.Recompute(ctx, principalID, history)
}
