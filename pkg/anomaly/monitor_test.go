package anomaly

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/baseline"
	"github.com/platinummonkey/tenantguard/pkg/storage"
	"github.com/platinummonkey/tenantguard/pkg/storage/storagetest"
)

type policyMap map[int64]bool

func (p policyMap) AutoContain(orgID int64) bool { return p[orgID] }

type recordingContainer struct {
	mu      sync.Mutex
	locked  []int64
	reasons []string
	err     error
}

func (c *recordingContainer) LockPrincipal(_ context.Context, _, principalID int64, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.locked = append(c.locked, principalID)
	c.reasons = append(c.reasons, reason)
	return nil
}

type monitorEnv struct {
	monitor   *Monitor
	tracker   *baseline.Tracker
	alerts    *AlertStore
	events    *audit.EventStore
	container *recordingContainer
	now       time.Time
}

func newMonitorEnv(t *testing.T, policy ContainmentPolicy) *monitorEnv {
	t.Helper()
	db := storagetest.Open(t)
	now := start.Add(60 * 24 * time.Hour)
	clock := func() time.Time { return now }

	env := &monitorEnv{now: now, container: &recordingContainer{}}
	env.tracker = baseline.NewTracker(baseline.NewMemoryStore(), baseline.TrackerOptions{
		Config: baseline.DefaultConfig(),
		Clock:  clock,
	})
	env.alerts = NewAlertStore(db)
	env.events = audit.NewEventStore(db, audit.Options{Dialect: storage.DialectSQLite, Clock: clock})
	env.monitor = NewMonitor(context.Background(), env.tracker,
		NewDetector(DefaultDetectorConfig(), baseline.DefaultConfig()),
		env.alerts, env.events, policy, env.container, MonitorOptions{Workers: 1, Clock: clock})
	t.Cleanup(func() { env.monitor.Shutdown(time.Second) })

	_, err := env.tracker.Recompute(context.Background(), 7, eventsOf(learned(30)))
	require.NoError(t, err)
	return env
}

// eventsOf replays the daily accesses a learned baseline was built from
func eventsOf(b *baseline.Baseline) []baseline.AccessEvent {
	var out []baseline.AccessEvent
	for i := 0; i < b.Samples(); i++ {
		out = append(out, baseline.AccessEvent{
			PrincipalID:     7,
			At:              start.Add(time.Duration(i)*24*time.Hour + 10*time.Hour),
			RecordCount:     10,
			Origin:          "office",
			ClientSignature: "web",
		})
	}
	return out
}

func TestMonitor_Observe(t *testing.T) {
	ctx := context.Background()

	t.Run("ordinary access raises nothing and is learned", func(t *testing.T) {
		env := newMonitorEnv(t, nil)
		assert.Nil(t, env.monitor.Observe(ctx, live(10, 10)))

		b, err := env.tracker.Get(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, 31, b.Samples())
	})

	t.Run("high volume alerts without containment", func(t *testing.T) {
		env := newMonitorEnv(t, policyMap{1: true})
		alerts, cancel := env.monitor.Subscribe(1)
		defer cancel()

		alert := env.monitor.Observe(ctx, live(10, 60))
		require.NotNil(t, alert)
		assert.Equal(t, SeverityHigh, alert.Severity)
		assert.False(t, alert.Contained, "only critical alerts are contained")
		assert.Empty(t, env.container.locked)
		assert.Equal(t, alert, <-alerts)

		stored, err := env.alerts.List(ctx, 1, start, 10)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, []Reason{ReasonVolumeHigh}, stored[0].Reasons)
		assert.Equal(t, 60, stored[0].RecordCount)
		assert.InDelta(t, 0.15, stored[0].BaselineConfidence, 0.0001)
	})

	t.Run("critical alert is contained only when the organization opted in", func(t *testing.T) {
		for _, optedIn := range []bool{false, true} {
			env := newMonitorEnv(t, policyMap{1: optedIn})
			ev := live(10, 10)
			ev.MaskedFieldSort = true

			alert := env.monitor.Observe(ctx, ev)
			require.NotNil(t, alert)
			assert.Equal(t, SeverityCritical, alert.Severity)
			assert.Equal(t, optedIn, alert.Contained)
			if optedIn {
				assert.Equal(t, []int64{7}, env.container.locked)
				assert.Contains(t, env.container.reasons[0], "masking_bypass")
			} else {
				assert.Empty(t, env.container.locked)
			}
		}
	})

	t.Run("containment failure still records the alert", func(t *testing.T) {
		env := newMonitorEnv(t, policyMap{1: true})
		env.container.err = errors.New("gate unavailable")
		ev := live(10, 500)

		alert := env.monitor.Observe(ctx, ev)
		require.NotNil(t, alert)
		assert.False(t, alert.Contained)
	})

	t.Run("insufficient baseline withholds judgment", func(t *testing.T) {
		env := newMonitorEnv(t, nil)
		ev := live(23, 9999)
		ev.PrincipalID = 8
		ev.MaskedFieldSort = true

		assert.Nil(t, env.monitor.Observe(ctx, ev))
		stored, err := env.alerts.List(ctx, 1, start, 10)
		require.NoError(t, err)
		assert.Empty(t, stored)
	})
}

func TestMonitor_RecordAccess(t *testing.T) {
	ctx := context.Background()
	env := newMonitorEnv(t, nil)
	alerts, cancel := env.monitor.Subscribe(4)
	defer cancel()

	ev := live(10, 300)
	require.NoError(t, env.monitor.RecordAccess(ctx, ev))

	history, err := env.events.SensitiveAccess(ctx, 7, start)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, float64(300), history[0].After["record_count"])

	select {
	case alert := <-alerts:
		assert.Equal(t, SeverityCritical, alert.Severity)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert published")
	}
}

func TestMonitor_RecordAccessFailsWhenLedgerFails(t *testing.T) {
	env := newMonitorEnv(t, nil)
	env.monitor.ledger = failingLedger{}

	err := env.monitor.RecordAccess(context.Background(), live(10, 1))
	assert.Error(t, err)
}

type failingLedger struct{}

func (failingLedger) Append(context.Context, audit.Actor, audit.Record) (*audit.Event, error) {
	return nil, &audit.WriteFailureError{Err: errors.New("database down")}
}

func TestMonitor_UnsubscribeClosesChannel(t *testing.T) {
	env := newMonitorEnv(t, nil)
	ch, cancel := env.monitor.Subscribe(0)
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestMonitor_AsyncBaselineUpdates(t *testing.T) {
	ctx := context.Background()
	db := storagetest.Open(t)
	now := start.Add(60 * 24 * time.Hour)
	clock := func() time.Time { return now }

	tracker := baseline.NewTracker(baseline.NewMemoryStore(), baseline.TrackerOptions{
		Config: baseline.DefaultConfig(),
		Clock:  clock,
	})
	_, err := tracker.Recompute(ctx, 7, eventsOf(learned(30)))
	require.NoError(t, err)

	updates := baseline.NewAsyncTracker(ctx, tracker, baseline.AsyncOptions{Workers: 1, QueueSize: 4})
	monitor := NewMonitor(ctx, tracker,
		NewDetector(DefaultDetectorConfig(), baseline.DefaultConfig()),
		NewAlertStore(db), audit.NewEventStore(db, audit.Options{Dialect: storage.DialectSQLite, Clock: clock}),
		nil, &recordingContainer{}, MonitorOptions{Workers: 1, Updates: updates, Clock: clock})

	assert.Nil(t, monitor.Observe(ctx, live(10, 10)))
	require.NoError(t, monitor.Shutdown(time.Second))
	require.NoError(t, updates.Shutdown(time.Second))

	b, err := tracker.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 31, b.Samples())
	assert.Zero(t, updates.Dropped())
}

func newHistoryMonitor(t *testing.T) (*Monitor, *baseline.Tracker, *AlertStore, func(time.Time)) {
	t.Helper()
	ctx := context.Background()
	db := storagetest.Open(t)
	var mu sync.Mutex
	now := start
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	setNow := func(at time.Time) {
		mu.Lock()
		defer mu.Unlock()
		now = at
	}
	events := audit.NewEventStore(db, audit.Options{Dialect: storage.DialectSQLite, Clock: clock})

	actor := audit.Actor{PrincipalID: 7, OrganizationID: 1, CorrelationSource: "request"}
	for i, ev := range eventsOf(learned(25)) {
		setNow(start.Add(time.Duration(i)*24*time.Hour + 10*time.Hour))
		_, err := events.Append(ctx, actor, ev.Record())
		require.NoError(t, err)
	}
	setNow(start.Add(60*24*time.Hour + 10*time.Hour))

	tracker := baseline.NewTracker(baseline.NewMemoryStore(), baseline.TrackerOptions{
		Config: baseline.DefaultConfig(),
		Clock:  clock,
	})
	alerts := NewAlertStore(db)
	monitor := NewMonitor(ctx, tracker,
		NewDetector(DefaultDetectorConfig(), baseline.DefaultConfig()),
		alerts, events, nil, nil,
		MonitorOptions{Workers: 1, History: events, Clock: clock})
	return monitor, tracker, alerts, setNow
}

func TestMonitor_RebuildsMissingBaselineFromHistory(t *testing.T) {
	ctx := context.Background()
	monitor, tracker, alerts, _ := newHistoryMonitor(t)

	require.NoError(t, monitor.RecordAccess(ctx, live(10, 10)))
	require.NoError(t, monitor.Shutdown(time.Second))

	b, err := tracker.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 26, b.Samples(), "history plus the recorded access, folded once")

	stored, err := alerts.List(ctx, 1, start, 10)
	require.NoError(t, err)
	assert.Empty(t, stored, "routine access")
}

func TestMonitor_RebuiltBaselineExcludesTheScoredAccess(t *testing.T) {
	ctx := context.Background()
	monitor, tracker, alerts, setNow := newHistoryMonitor(t)

	ev := live(3, 10)
	ev.Origin = "never-seen-origin"
	setNow(ev.At)
	require.NoError(t, monitor.RecordAccess(ctx, ev))
	require.NoError(t, monitor.Shutdown(time.Second))

	stored, err := alerts.List(ctx, 1, start, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, SeverityMedium, stored[0].Severity)
	assert.ElementsMatch(t, []Reason{ReasonUnusualHour, ReasonUnknownOrigin}, stored[0].Reasons)

	b, err := tracker.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 26, b.Samples())
	assert.True(t, b.KnowsOrigin("never-seen-origin"), "folded after scoring")
}

func TestMonitor_CheckQueue(t *testing.T) {
	ctx := context.Background()
	events := audit.NewEventStore(storagetest.Open(t), audit.Options{Dialect: storage.DialectSQLite})
	tracker := baseline.NewTracker(baseline.NewMemoryStore(), baseline.TrackerOptions{Config: baseline.DefaultConfig()})
	m := NewMonitor(ctx, tracker, NewDetector(DefaultDetectorConfig(), baseline.DefaultConfig()),
		NewAlertStore(storagetest.Open(t)), events, nil, nil, MonitorOptions{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, m.pool.TrySubmit(func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	assert.NoError(t, m.CheckQueue(ctx))

	require.NoError(t, m.pool.TrySubmit(func(context.Context) error { return nil }))
	err := m.CheckQueue(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "100% full")

	close(release)
	require.NoError(t, m.Shutdown(time.Second))
}
