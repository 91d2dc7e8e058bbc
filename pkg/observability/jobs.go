package observability

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// RecoverPanic recovers from a panic and logs it with its stack. It must be
// deferred directly; the panic is not re-raised.
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
	}
}

// RunJob runs one scheduled job. A panic inside fn is logged and returned as
// an error so one bad run never takes down the scheduler.
func RunJob(ctx context.Context, logger *Logger, name string, fn func(context.Context) error) (err error) {
	if logger == nil {
		logger = NopLogger()
	}
	logger = logger.WithField("job", name)
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).
				WithField("stack", string(debug.Stack())).
				Error("PANIC recovered")
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
		logger = logger.WithField("duration_ms", time.Since(started).Milliseconds())
		if err != nil {
			logger.WithError(err).Error("job failed")
			return
		}
		logger.Info("job completed")
	}()

	return fn(ctx)
}
