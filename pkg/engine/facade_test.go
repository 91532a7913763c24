package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeamWiseflow/wiseflow-go/pkg/engine"
)

func newFacade(t *testing.T, backend engine.Backend) *engine.Facade {
	t.Helper()

	pool := startPool(t, engine.PoolConfig{MinWorkers: 2, MaxWorkers: 4})
	monitor := engine.NewMonitor(engine.MonitorConfig{})
	manager := engine.NewManager(engine.ManagerConfig{Pool: pool, Monitor: monitor})

	facade, err := engine.NewFacade(engine.FacadeConfig{
		Backend: backend,
		Pool:    pool,
		Manager: manager,
		Monitor: monitor,
	})
	require.NoError(t, err)

	return facade
}

func TestFacadeRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := engine.NewFacade(engine.FacadeConfig{Backend: "quantum"})
	require.ErrorIs(t, err, engine.ErrUnknownBackend)
}

func TestFacadeNewBackendLifecycle(t *testing.T) {
	t.Parallel()

	facade := newFacade(t, engine.BackendNew)

	id, err := facade.Register(engine.Definition{
		Name: "compute",
		Fn:   func(context.Context) (any, error) { return 7, nil },
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	status, err := facade.Status(id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPending, status)

	require.NoError(t, facade.Execute(context.Background(), id))

	status, err = facade.Status(id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, status)

	result, err := facade.Result(id)
	require.NoError(t, err)
	assert.Equal(t, 7, result)

	taskErr, err := facade.Err(id)
	require.NoError(t, err)
	assert.NoError(t, taskErr)
}

func TestFacadeLegacyBackendLifecycle(t *testing.T) {
	t.Parallel()

	facade := newFacade(t, engine.BackendLegacy)

	id, err := facade.Register(engine.Definition{
		Name: "legacy-job",
		Fn:   func(context.Context) (any, error) { return "ok", nil },
	})
	require.NoError(t, err)

	require.NoError(t, facade.Execute(context.Background(), id))

	status, err := facade.Status(id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, status)

	result, err := facade.Result(id)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestFacadeSurfacesTaskErrors(t *testing.T) {
	t.Parallel()

	facade := newFacade(t, engine.BackendNew)

	id, err := facade.Register(engine.Definition{
		Name: "broken",
		Fn:   func(context.Context) (any, error) { return nil, errors.New("no luck") },
	})
	require.NoError(t, err)

	require.Error(t, facade.Execute(context.Background(), id))

	taskErr, err := facade.Err(id)
	require.NoError(t, err)
	require.Error(t, taskErr)
	assert.Contains(t, taskErr.Error(), "no luck")
}

func TestFacadeListAndCleanup(t *testing.T) {
	t.Parallel()

	facade := newFacade(t, engine.BackendNew)

	id, err := facade.Register(engine.Definition{
		Name: "transient",
		Fn:   func(context.Context) (any, error) { return nil, nil },
	})
	require.NoError(t, err)
	require.NoError(t, facade.Execute(context.Background(), id))

	list := facade.List()
	require.Len(t, list, 1)
	assert.Equal(t, "transient", list[0].Name)
	assert.Equal(t, engine.BackendNew, list[0].Backend)

	removed := facade.Cleanup(-time.Second)
	assert.Equal(t, 1, removed)
	assert.Empty(t, facade.List())
}

func TestFacadeCancelsQueuedLegacyTask(t *testing.T) {
	t.Parallel()

	pool := startPool(t, engine.PoolConfig{MinWorkers: 1, MaxWorkers: 1})
	monitor := engine.NewMonitor(engine.MonitorConfig{})
	manager := engine.NewManager(engine.ManagerConfig{Pool: pool, Monitor: monitor})

	facade, err := engine.NewFacade(engine.FacadeConfig{
		Backend: engine.BackendLegacy,
		Pool:    pool,
		Manager: manager,
		Monitor: monitor,
	})
	require.NoError(t, err)

	// One long task holds the only worker so the next run stays queued.
	gate := make(chan struct{})

	_, submitErr := pool.Submit(&engine.Task{
		Name:    "holder",
		Enabled: true,
		Fn: func(ctx context.Context) (any, error) {
			select {
			case <-gate:
			case <-ctx.Done():
			}

			return nil, nil
		},
	})
	require.NoError(t, submitErr)

	var ran atomic.Bool

	id, regErr := facade.Register(engine.Definition{
		Name: "queued",
		Fn: func(context.Context) (any, error) {
			ran.Store(true)

			return nil, nil
		},
	})
	require.NoError(t, regErr)

	done := make(chan error, 1)

	go func() { done <- facade.Execute(context.Background(), id) }()

	// Cancel lands once the run is queued behind the held worker.
	require.Eventually(t, func() bool {
		return facade.Cancel(id) == nil
	}, time.Second, 5*time.Millisecond)

	close(gate)

	select {
	case execErr := <-done:
		require.NoError(t, execErr)
	case <-time.After(3 * time.Second):
		t.Fatal("execute never returned")
	}

	assert.False(t, ran.Load())
}

func TestFacadeUnknownID(t *testing.T) {
	t.Parallel()

	facade := newFacade(t, engine.BackendNew)

	_, err := facade.Status("nope")
	require.ErrorIs(t, err, engine.ErrUnknownTask)

	require.ErrorIs(t, facade.Execute(context.Background(), "nope"), engine.ErrUnknownTask)
	require.ErrorIs(t, facade.Cancel("nope"), engine.ErrUnknownTask)
}
