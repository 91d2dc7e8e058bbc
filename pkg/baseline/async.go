package baseline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/async"
	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// AsyncOptions configures an AsyncTracker
type AsyncOptions struct {
	Workers   int
	QueueSize int
	// Attempts bounds retries of a failed update
	Attempts int
	Backoff  time.Duration
	Metrics  *observability.Metrics
	Logger   *observability.Logger
}

// AsyncTracker applies baseline updates off the caller's path. Submit never
// blocks: when the queue is full the update is dropped and counted.
type AsyncTracker struct {
	tracker *Tracker
	pool    *async.WorkerPool
	opts    AsyncOptions
	dropped atomic.Int64
	failed  atomic.Int64

	done     chan struct{}
	stopOnce sync.Once
}

// NewAsyncTracker starts workers feeding tracker
func NewAsyncTracker(ctx context.Context, tracker *Tracker, opts AsyncOptions) *AsyncTracker {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	a := &AsyncTracker{tracker: tracker, opts: opts, done: make(chan struct{})}
	a.pool = async.NewWorkerPool(ctx, async.PoolOptions{
		Workers:   opts.Workers,
		QueueSize: opts.QueueSize,
		TaskName:  "baseline-update",
		Logger:    opts.Logger,
	})
	go a.drainErrors()
	return a
}

// Submit queues ev and returns immediately
func (a *AsyncTracker) Submit(ev AccessEvent) {
	err := a.pool.TrySubmit(func(ctx context.Context) error {
		return async.Retry(ctx, a.opts.Attempts, a.opts.Backoff, func(ctx context.Context) error {
			_, err := a.tracker.Update(ctx, ev)
			return err
		})
	})
	if err == nil {
		return
	}
	a.dropped.Add(1)
	a.opts.Metrics.RecordBaselineUpdate("dropped")
	if !errors.Is(err, async.ErrQueueFull) {
		a.opts.Logger.WithError(err).Warn("baseline update rejected")
	}
}

func (a *AsyncTracker) drainErrors() {
	for {
		select {
		case err := <-a.pool.Errors():
			a.recordFailure(err)
		case <-a.done:
			for {
				select {
				case err := <-a.pool.Errors():
					a.recordFailure(err)
				default:
					return
				}
			}
		}
	}
}

func (a *AsyncTracker) recordFailure(err error) {
	a.failed.Add(1)
	a.opts.Logger.WithError(err).Warn("baseline update failed")
}

// Dropped returns how many updates were discarded because the queue was full
func (a *AsyncTracker) Dropped() int64 { return a.dropped.Load() }

// Failed returns how many updates exhausted their retries
func (a *AsyncTracker) Failed() int64 { return a.failed.Load() }

// Tracker returns the underlying synchronous tracker
func (a *AsyncTracker) Tracker() *Tracker { return a.tracker }

// Shutdown waits up to timeout for queued updates
func (a *AsyncTracker) Shutdown(timeout time.Duration) error {
	err := a.pool.Shutdown(timeout)
	a.stopOnce.Do(func() { close(a.done) })
	return err
}
