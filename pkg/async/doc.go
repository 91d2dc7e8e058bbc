// Package async provides the background execution primitives used off the request path.
//
// WorkerPool runs baseline updates and anomaly scoring so sensitive data access never
// waits on the detector. TrySubmit never blocks: a full queue returns ErrQueueFull and the
// caller drops and counts the work.
//
//	pool := async.NewWorkerPool(ctx, async.PoolOptions{Workers: 4, QueueSize: 256, TaskName: "baseline"})
//	defer pool.Shutdown(5 * time.Second)
//
//	if err := pool.TrySubmit(func(ctx context.Context) error {
//		return async.Retry(ctx, 3, 50*time.Millisecond, update)
//	}); err != nil {
//		metrics.RecordBaselineUpdate("dropped")
//	}
//
// SafeGo runs a one-off task with a timeout and panic recovery. Batch fans a slice out over
// a temporary pool and collects the errors.
package async
