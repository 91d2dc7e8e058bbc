package anomaly

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tenantguard/pkg/async"
	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/baseline"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/storage"
)

// ContainmentPolicy reports whether an organization's operators opted into
// automatic containment of critical alerts
type ContainmentPolicy interface {
	AutoContain(orgID int64) bool
}

// Container locks a principal out. The gate implements it as an audited
// system action.
type Container interface {
	LockPrincipal(ctx context.Context, orgID, principalID int64, reason string) error
}

// AccessLedger durably records sensitive access. *audit.EventStore
// satisfies it.
type AccessLedger interface {
	Append(ctx context.Context, actor audit.Actor, rec audit.Record) (*audit.Event, error)
}

// MonitorOptions configures a Monitor
type MonitorOptions struct {
	Workers   int
	QueueSize int
	// Updates folds scored events into baselines off the scoring worker.
	// When nil the fold happens inline.
	Updates   *baseline.AsyncTracker
	// History rebuilds a principal's baseline from the audit ledger when the
	// store has none, as after a restart with the memory store. Only rows
	// recorded before the scored access are used.
	History   baseline.HistorySource
	Clock     func() time.Time
	Metrics   *observability.Metrics
	Logger    *observability.Logger
}

// Monitor runs the alerting pipeline for sensitive access
type Monitor struct {
	tracker  *baseline.Tracker
	detector *Detector
	alerts   *AlertStore
	ledger   AccessLedger
	policy   ContainmentPolicy
	contain  Container
	pool     *async.WorkerPool
	updates  *baseline.AsyncTracker
	history  baseline.HistorySource
	clock    func() time.Time
	metrics  *observability.Metrics
	logger   *observability.Logger

	mu          sync.RWMutex
	subscribers map[int]chan *Alert
	nextSub     int
}

// NewMonitor wires the pipeline. policy and contain may be nil, which
// disables containment.
func NewMonitor(ctx context.Context, tracker *baseline.Tracker, detector *Detector, alerts *AlertStore,
	ledger AccessLedger, policy ContainmentPolicy, contain Container, opts MonitorOptions) *Monitor {

	if opts.Clock == nil {
		opts.Clock = storage.UTCNow
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	return &Monitor{
		tracker:  tracker,
		detector: detector,
		alerts:   alerts,
		ledger:   ledger,
		policy:   policy,
		contain:  contain,
		updates:  opts.Updates,
		history:  opts.History,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		pool: async.NewWorkerPool(ctx, async.PoolOptions{
			Workers:   opts.Workers,
			QueueSize: opts.QueueSize,
			TaskName:  "anomaly-observe",
			Logger:    opts.Logger,
		}),
		subscribers: make(map[int]chan *Alert),
	}
}

// RecordAccess writes ev to the audit ledger and queues it for scoring. It
// returns once the audit event is durable; scoring never blocks the caller
// and a full queue drops the scoring work, not the audit event.
func (m *Monitor) RecordAccess(ctx context.Context, ev baseline.AccessEvent) error {
	if ev.At.IsZero() {
		ev.At = m.clock()
	}
	actor := audit.Actor{
		PrincipalID:       ev.PrincipalID,
		OrganizationID:    ev.OrganizationID,
		CorrelationID:     observability.GetRequestID(ctx),
		CorrelationSource: "request",
	}
	recorded, err := m.ledger.Append(ctx, actor, ev.Record())
	if err != nil {
		return err
	}
	ev.AuditID = recorded.ID

	if err := m.pool.TrySubmit(func(ctx context.Context) error {
		m.Observe(ctx, ev)
		return nil
	}); err != nil {
		m.metrics.RecordBaselineUpdate("dropped")
		m.logger.WithError(err).WithField("principal_id", ev.PrincipalID).Warn("access scoring skipped")
	}
	return nil
}

// Observe scores ev against the principal's baseline, persists and
// publishes any alert, applies containment where the organization allows it
// and finally folds ev into the baseline. Failures are logged and yield no
// alert.
func (m *Monitor) Observe(ctx context.Context, ev baseline.AccessEvent) *Alert {
	logger := m.logger.WithFields(map[string]interface{}{
		"principal_id":    ev.PrincipalID,
		"organization_id": ev.OrganizationID,
	})
	defer func() {
		if m.updates != nil {
			m.updates.Submit(ev)
			return
		}
		if _, err := m.tracker.Update(ctx, ev); err != nil {
			logger.WithError(err).Warn("baseline update failed")
		}
	}()

	b, err := m.tracker.Get(ctx, ev.PrincipalID)
	if err != nil {
		logger.WithError(err).Warn("baseline unavailable; not scoring")
		return nil
	}
	if b.Samples() == 0 && m.history != nil {
		rb, err := m.tracker.RecomputeFromHistory(ctx, m.history, ev.PrincipalID, ev.AuditID)
		if err != nil {
			logger.WithError(err).Warn("baseline rebuild from history failed")
		} else {
			b = rb
		}
	}
	assessment := m.detector.Score(b, ev)
	if !assessment.Alertable() {
		if !assessment.Sufficient && assessment.Severity >= SeverityMedium {
			logger.WithField("severity", assessment.Severity.String()).Debug("withholding judgment on insufficient baseline")
		}
		return nil
	}

	alert := &Alert{
		ID:                 uuid.NewString(),
		PrincipalID:        ev.PrincipalID,
		OrganizationID:     ev.OrganizationID,
		Severity:           assessment.Severity,
		Reasons:            assessment.Reasons,
		RecordCount:        ev.RecordCount,
		BaselineConfidence: assessment.Confidence,
		CreatedAt:          m.clock(),
	}

	if alert.Severity == SeverityCritical && m.contain != nil && m.policy != nil && m.policy.AutoContain(ev.OrganizationID) {
		reason := fmt.Sprintf("automatic containment: %s", joinReasons(alert.Reasons))
		if err := m.contain.LockPrincipal(ctx, ev.OrganizationID, ev.PrincipalID, reason); err != nil {
			logger.WithError(err).Error("containment failed")
		} else {
			alert.Contained = true
			m.metrics.RecordContainment()
		}
	}

	if err := m.alerts.Insert(ctx, alert); err != nil {
		logger.WithError(err).Error("failed to persist alert")
		return nil
	}
	m.metrics.RecordAlert(alert.Severity.String())
	logger.WithFields(map[string]interface{}{
		"alert_id":  alert.ID,
		"severity":  alert.Severity.String(),
		"reasons":   joinReasons(alert.Reasons),
		"contained": alert.Contained,
	}).Warn("anomalous access detected")

	m.publish(alert)
	return alert
}

// Subscribe returns a channel receiving every new alert and a function to
// cancel the subscription. Slow subscribers miss alerts rather than stall
// the pipeline.
func (m *Monitor) Subscribe(buffer int) (<-chan *Alert, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan *Alert, buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Monitor) publish(a *Alert) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- a:
		default:
			m.logger.WithField("alert_id", a.ID).Warn("subscriber full, alert not delivered")
		}
	}
}

// queueSaturationLimit is the fill level past which readiness reports the
// scoring queue as failing
const queueSaturationLimit = 0.9

// CheckQueue reports an error once the scoring queue is nearly full, since
// further accesses would be audited but never scored. It has the shape of a
// readiness check.
func (m *Monitor) CheckQueue(_ context.Context) error {
	if s := m.pool.Saturation(); s >= queueSaturationLimit {
		return fmt.Errorf("anomaly scoring queue is %.0f%% full", s*100)
	}
	return nil
}

// Shutdown waits up to timeout for queued scoring work
func (m *Monitor) Shutdown(timeout time.Duration) error {
	return m.pool.Shutdown(timeout)
}

func joinReasons(reasons []Reason) string {
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}
