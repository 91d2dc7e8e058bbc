package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/observability"
)

var (
	// ErrPoolClosed is returned when submitting to a pool that has shut down
	ErrPoolClosed = errors.New("worker pool shut down")
	// ErrQueueFull is returned by TrySubmit when no queue slot is free
	ErrQueueFull = errors.New("worker pool queue full")
)

// SafeGo executes fn in a goroutine with a timeout and panic recovery.
// Errors are logged, never propagated.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("panic in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}

// PoolOptions configures a WorkerPool
type PoolOptions struct {
	Workers   int
	QueueSize int
	TaskName  string
	// Timeout bounds each task
	Timeout time.Duration
	Logger  *observability.Logger
}

// WorkerPool runs submitted tasks on a fixed set of workers fed by a bounded
// queue. Task errors are delivered on Errors(); when nobody drains it they
// are logged and dropped.
type WorkerPool struct {
	opts    PoolOptions
	workCh  chan func(context.Context) error
	doneCh  chan struct{}
	errCh   chan error
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	closed  bool
	pending atomic.Int64

	shutdownOnce sync.Once
}

// NewWorkerPool starts a pool. Zero options get defaults of 4 workers, a
// queue of 8 per worker and a 30s task timeout.
func NewWorkerPool(ctx context.Context, opts PoolOptions) *WorkerPool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers * 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}

	ctx, cancel := context.WithCancel(ctx)
	pool := &WorkerPool{
		opts:   opts,
		workCh: make(chan func(context.Context) error, opts.QueueSize),
		doneCh: make(chan struct{}),
		errCh:  make(chan error, opts.Workers*10),
		ctx:    ctx,
		cancel: cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < opts.Workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues a task, blocking while the queue is full
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		p.pending.Add(1)
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TrySubmit queues a task without ever blocking the caller
func (p *WorkerPool) TrySubmit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		p.pending.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued or running tasks
func (p *WorkerPool) Pending() int64 {
	return p.pending.Load()
}

// Saturation returns how full the queue is, in [0,1]
func (p *WorkerPool) Saturation() float64 {
	return float64(len(p.workCh)) / float64(cap(p.workCh))
}

// Shutdown stops accepting tasks and waits up to timeout for queued tasks to
// finish. Tasks still running at the deadline see their context cancelled.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.workCh)
		p.mu.Unlock()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})

	return shutdownErr
}

// Errors returns a channel that receives task errors
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) worker(id int) {
	for fn := range p.workCh {
		p.run(id, fn)
	}
}

func (p *WorkerPool) run(id int, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.Timeout)
	defer cancel()
	defer p.pending.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.opts.Logger.WithFields(map[string]interface{}{
				"task":   p.opts.TaskName,
				"worker": id,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			}).Error("panic in worker")
			p.report(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(ctx); err != nil {
		p.report(err)
	}
}

func (p *WorkerPool) report(err error) {
	select {
	case p.errCh <- err:
	default:
		p.opts.Logger.WithError(err).WithField("task", p.opts.TaskName).Warn("error channel full, dropping error")
	}
}

// Retry calls fn until it succeeds, attempts are exhausted, or ctx ends.
// The delay doubles after every failure starting at backoff.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	delay := backoff
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, err)
}

// Batch processes items concurrently on a temporary pool and returns every
// error encountered.
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	var (
		mu   sync.Mutex
		errs []error
	)
	pool := NewWorkerPool(ctx, PoolOptions{Workers: workers, QueueSize: len(items) + 1, TaskName: taskName, Timeout: timeout})

	for _, item := range items {
		item := item
		err := pool.Submit(func(ctx context.Context) error {
			if err := fn(ctx, item); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
	}

	if err := pool.Shutdown(timeout + time.Second); err != nil {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	mu.Lock()
	defer mu.Unlock()
	return errs
}
