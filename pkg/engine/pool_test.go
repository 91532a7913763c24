package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeamWiseflow/wiseflow-go/pkg/engine"
)

// fixedSizer pins the resource-derived optimal worker count in tests.
type fixedSizer int

func (f fixedSizer) OptimalWorkers() int { return int(f) }

func startPool(t *testing.T, cfg engine.PoolConfig) *engine.Pool {
	t.Helper()

	pool := engine.NewPool(cfg)
	pool.Start(context.Background())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = pool.Shutdown(ctx)
	})

	return pool
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not met in time")
}

func TestPoolRunsTask(t *testing.T) {
	t.Parallel()

	pool := startPool(t, engine.PoolConfig{MinWorkers: 2, MaxWorkers: 4})

	id, err := pool.Submit(&engine.Task{
		Name:    "hello",
		Enabled: true,
		Fn: func(context.Context) (any, error) {
			return 42, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, pool.Wait(context.Background(), id))

	snap, ok := pool.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, engine.StatusCompleted, snap.Status)
	assert.Equal(t, 42, snap.Result)
	require.Len(t, snap.Executions, 1)
	assert.Equal(t, engine.StatusCompleted, snap.Executions[0].Status)
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()

	pool := startPool(t, engine.PoolConfig{
		MinWorkers:     1,
		MaxWorkers:     1,
		Sizer:          fixedSizer(1),
		AdjustInterval: time.Hour,
	})

	gate := make(chan struct{})

	var (
		mu    sync.Mutex
		order []string
	)

	record := func(name string) engine.TaskFunc {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()

			return nil, nil
		}
	}

	// Occupy the single worker so the next two really queue up.
	blockerID, err := pool.Submit(&engine.Task{
		Name:    "blocker",
		Enabled: true,
		Fn: func(context.Context) (any, error) {
			<-gate

			return nil, nil
		},
	})
	require.NoError(t, err)

	lowID, err := pool.Submit(&engine.Task{
		Name: "low", Enabled: true, Priority: engine.PriorityLow, Fn: record("low"),
	})
	require.NoError(t, err)

	criticalID, err := pool.Submit(&engine.Task{
		Name: "critical", Enabled: true, Priority: engine.PriorityCritical, Fn: record("critical"),
	})
	require.NoError(t, err)

	close(gate)

	ctx := context.Background()
	require.NoError(t, pool.Wait(ctx, blockerID))
	require.NoError(t, pool.Wait(ctx, lowID))
	require.NoError(t, pool.Wait(ctx, criticalID))

	assert.Equal(t, []string{"critical", "low"}, order)
}

func TestFailedTaskRetriesLinearly(t *testing.T) {
	t.Parallel()

	pool := startPool(t, engine.PoolConfig{MinWorkers: 1, MaxWorkers: 2})

	var (
		mu       sync.Mutex
		attempts int
	)

	id, err := pool.Submit(&engine.Task{
		Name:       "flaky",
		Enabled:    true,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Fn: func(context.Context) (any, error) {
			mu.Lock()
			defer mu.Unlock()

			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}

			return "done", nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, pool.Wait(context.Background(), id))

	snap, ok := pool.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, engine.StatusCompleted, snap.Status)
	assert.Equal(t, "done", snap.Result)
	assert.Len(t, snap.Executions, 3)
}

func TestCancelOnlyPendingTasks(t *testing.T) {
	t.Parallel()

	pool := startPool(t, engine.PoolConfig{
		MinWorkers:     1,
		MaxWorkers:     1,
		Sizer:          fixedSizer(1),
		AdjustInterval: time.Hour,
	})

	gate := make(chan struct{})
	started := make(chan struct{})

	runningID, err := pool.Submit(&engine.Task{
		Name:    "running",
		Enabled: true,
		Fn: func(context.Context) (any, error) {
			close(started)
			<-gate

			return nil, nil
		},
	})
	require.NoError(t, err)

	<-started

	pendingID, err := pool.Submit(&engine.Task{
		Name: "pending", Enabled: true,
		Fn: func(context.Context) (any, error) { return nil, nil },
	})
	require.NoError(t, err)

	// The queued task cancels; the in-flight one refuses.
	require.NoError(t, pool.Cancel(pendingID))
	require.ErrorIs(t, pool.Cancel(runningID), engine.ErrNotCancelled)

	close(gate)

	ctx := context.Background()
	require.NoError(t, pool.Wait(ctx, runningID))
	require.NoError(t, pool.Wait(ctx, pendingID))

	snap, _ := pool.Snapshot(pendingID)
	assert.Equal(t, engine.StatusCancelled, snap.Status)
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	pool := startPool(t, engine.PoolConfig{MinWorkers: 1, MaxWorkers: 2})

	id, err := pool.Submit(&engine.Task{
		Name:    "explosive",
		Enabled: true,
		Fn: func(context.Context) (any, error) {
			panic("boom")
		},
	})
	require.NoError(t, err)

	require.NoError(t, pool.Wait(context.Background(), id))

	snap, ok := pool.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, engine.StatusFailed, snap.Status)
	assert.Contains(t, snap.Err.Error(), "panicked")

	// The pool keeps working after a panic.
	okID, err := pool.Submit(&engine.Task{
		Name: "after", Enabled: true,
		Fn: func(context.Context) (any, error) { return "fine", nil },
	})
	require.NoError(t, err)
	require.NoError(t, pool.Wait(context.Background(), okID))
}

func TestDisabledTaskIsCancelled(t *testing.T) {
	t.Parallel()

	pool := startPool(t, engine.PoolConfig{MinWorkers: 1, MaxWorkers: 2})

	id, err := pool.Submit(&engine.Task{
		Name: "disabled",
		Fn:   func(context.Context) (any, error) { return nil, nil },
	})
	require.NoError(t, err)

	require.NoError(t, pool.Wait(context.Background(), id))

	snap, _ := pool.Snapshot(id)
	assert.Equal(t, engine.StatusCancelled, snap.Status)
}

func TestTaskTimeout(t *testing.T) {
	t.Parallel()

	pool := startPool(t, engine.PoolConfig{MinWorkers: 1, MaxWorkers: 2})

	id, err := pool.Submit(&engine.Task{
		Name:    "slow",
		Enabled: true,
		Timeout: 20 * time.Millisecond,
		Fn: func(ctx context.Context) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return "too late", nil
			}
		},
	})
	require.NoError(t, err)

	require.NoError(t, pool.Wait(context.Background(), id))

	snap, _ := pool.Snapshot(id)
	assert.Equal(t, engine.StatusFailed, snap.Status)
	assert.ErrorIs(t, snap.Err, context.DeadlineExceeded)
}

func TestDynamicResizeGrowsWorkers(t *testing.T) {
	t.Parallel()

	pool := startPool(t, engine.PoolConfig{
		MinWorkers:     1,
		MaxWorkers:     8,
		Sizer:          fixedSizer(4),
		AdjustInterval: 5 * time.Millisecond,
	})

	gate := make(chan struct{})
	ids := make([]string, 0, 6)

	for range 6 {
		id, err := pool.Submit(&engine.Task{
			Name: "held", Enabled: true,
			Fn: func(context.Context) (any, error) {
				<-gate

				return nil, nil
			},
		})
		require.NoError(t, err)

		ids = append(ids, id)
	}

	// The resize loop should lift the pool well past its single worker.
	waitFor(t, func() bool { return pool.Metrics().ActiveWorkers >= 4 })

	close(gate)

	for _, id := range ids {
		require.NoError(t, pool.Wait(context.Background(), id))
	}

	m := pool.Metrics()
	assert.Equal(t, 6, m.Completed)
	assert.Zero(t, m.Failed)
}

func TestCleanupDropsOldTerminalTasks(t *testing.T) {
	t.Parallel()

	pool := startPool(t, engine.PoolConfig{MinWorkers: 1, MaxWorkers: 2})

	id, err := pool.Submit(&engine.Task{
		Name: "ephemeral", Enabled: true,
		Fn: func(context.Context) (any, error) { return nil, nil },
	})
	require.NoError(t, err)
	require.NoError(t, pool.Wait(context.Background(), id))

	// Young entries survive; a zero horizon sweeps terminal ones.
	assert.Zero(t, pool.Cleanup(time.Hour))
	assert.Equal(t, 1, pool.Cleanup(-time.Second))

	_, ok := pool.Snapshot(id)
	assert.False(t, ok)
}
