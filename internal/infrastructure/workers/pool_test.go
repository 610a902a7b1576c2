package workers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

func startPool(t *testing.T, workers, queue int) *Pool {
	t.Helper()
	pool := NewPool(workers, queue)
	pool.Start(context.Background())
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return pool
}

func TestPoolRunsSubmittedJobs(t *testing.T) {
	pool := startPool(t, 4, 8)
	var count atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) { count.Add(1) }))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Wait(ctx))
	assert.Equal(t, int32(50), count.Load())
}

func TestPoolSubmitFromWorkerDoesNotDeadlock(t *testing.T) {
	pool := startPool(t, 1, 1)
	var count atomic.Int32
	var spawn func(depth int) func(context.Context)
	spawn = func(depth int) func(context.Context) {
		return func(ctx context.Context) {
			count.Add(1)
			if depth == 0 {
				return
			}
			for i := 0; i < 3; i++ {
				_ = pool.Submit(ctx, spawn(depth-1))
			}
		}
	}
	require.NoError(t, pool.Submit(context.Background(), spawn(3)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Wait(ctx))
	assert.Equal(t, int32(1+3+9+27), count.Load())
}

type ctxKey struct{}

func TestPoolJobsOutliveSubmitterContext(t *testing.T) {
	pool := startPool(t, 1, 1)
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "v"))
	got := make(chan context.Context, 1)
	require.NoError(t, pool.Submit(ctx, func(jobCtx context.Context) { got <- jobCtx }))
	cancel()

	select {
	case jobCtx := <-got:
		assert.Equal(t, "v", jobCtx.Value(ctxKey{}))
		assert.NoError(t, jobCtx.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := startPool(t, 1, 1)
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) { panic("boom") }))
	ran := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) { close(ran) }))

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestPoolRejectsAfterShutdown(t *testing.T) {
	pool := NewPool(1, 1)
	pool.Start(context.Background())
	require.NoError(t, pool.Shutdown(context.Background()))
	err := pool.Submit(context.Background(), func(context.Context) {})
	require.ErrorIs(t, err, ErrPoolClosed)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPoolClosesWhenStartContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(2, 4)
	pool.Start(ctx)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	cancel()
	var err error
	require.Eventually(t, func() bool {
		err = pool.Submit(context.Background(), func(context.Context) {})
		return err != nil
	}, 5*time.Second, time.Millisecond)
	require.ErrorIs(t, err, ErrPoolClosed)
	require.ErrorIs(t, err, context.Canceled)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, pool.Shutdown(waitCtx))
	require.NoError(t, pool.Wait(waitCtx), "dropped jobs must not keep Wait blocked")
}

func TestPoolImplementsSubmitter(t *testing.T) {
	var _ ports.WorkerSubmitter = NewPool(1, 1)
}
