package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeGo_RecoversPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGo(context.Background(), time.Second, "panicky", nil, func(ctx context.Context) error {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolOptions{Workers: 3, TaskName: "test"})

	var count atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			count.Add(1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(20), count.Load())
	assert.Equal(t, int64(0), pool.Pending())
	assert.ErrorIs(t, pool.Submit(func(context.Context) error { return nil }), ErrPoolClosed)
	assert.ErrorIs(t, pool.TrySubmit(func(context.Context) error { return nil }), ErrPoolClosed)
}

func TestWorkerPool_TrySubmitNeverBlocks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolOptions{Workers: 1, QueueSize: 1, TaskName: "test"})
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, pool.TrySubmit(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	assert.Equal(t, 0.0, pool.Saturation())
	require.NoError(t, pool.TrySubmit(func(context.Context) error { return nil }))
	assert.Equal(t, 1.0, pool.Saturation())

	begin := time.Now()
	err := pool.TrySubmit(func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Less(t, time.Since(begin), 50*time.Millisecond)

	close(release)
	require.NoError(t, pool.Shutdown(time.Second))
}

func TestWorkerPool_ReportsErrorsAndPanics(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolOptions{Workers: 1, TaskName: "test"})

	require.NoError(t, pool.Submit(func(context.Context) error { return errors.New("failed") }))
	require.NoError(t, pool.Submit(func(context.Context) error { panic("boom") }))
	require.NoError(t, pool.Shutdown(time.Second))

	var got []string
	for len(got) < 2 {
		select {
		case err := <-pool.Errors():
			got = append(got, err.Error())
		case <-time.After(time.Second):
			t.Fatal("missing errors")
		}
	}
	assert.ElementsMatch(t, []string{"failed", "panic: boom"}, got)
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls int
		err := Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		var calls int
		err := Retry(context.Background(), 2, time.Millisecond, func(context.Context) error {
			calls++
			return errors.New("permanent")
		})
		assert.ErrorContains(t, err, "failed after 2 attempts: permanent")
		assert.Equal(t, 2, calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Retry(ctx, 5, time.Second, func(context.Context) error { return errors.New("x") })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestBatch(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6}
	var sum atomic.Int32
	errs := Batch(context.Background(), items, 3, "sum", time.Second, func(ctx context.Context, n int) error {
		sum.Add(int32(n))
		if n%2 == 0 {
			return errors.New("even")
		}
		return nil
	})

	assert.Equal(t, int32(21), sum.Load())
	assert.Len(t, errs, 3)
}
