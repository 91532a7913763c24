package shutdown_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeamWiseflow/wiseflow-go/pkg/engine"
	"github.com/TeamWiseflow/wiseflow-go/pkg/events"
	"github.com/TeamWiseflow/wiseflow-go/pkg/shutdown"
	"github.com/TeamWiseflow/wiseflow-go/pkg/store"
	"github.com/TeamWiseflow/wiseflow-go/pkg/sysprobe"
)

// fakeSampler serves a fixed resource reading.
type fakeSampler struct {
	sample sysprobe.Sample
	ok     bool
}

func (f fakeSampler) Latest() (sysprobe.Sample, bool) { return f.sample, f.ok }

// exitRecorder captures the exit call without terminating the test binary.
type exitRecorder struct {
	mu    sync.Mutex
	codes []int
	done  chan struct{}
	once  sync.Once
}

func newExitRecorder() *exitRecorder {
	return &exitRecorder{done: make(chan struct{})}
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	e.codes = append(e.codes, code)
	e.mu.Unlock()

	e.once.Do(func() { close(e.done) })
}

func (e *exitRecorder) waitExit(t *testing.T) {
	t.Helper()

	select {
	case <-e.done:
	case <-time.After(3 * time.Second):
		t.Fatal("exit was never called")
	}
}

func (e *exitRecorder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.codes)
}

func startPool(t *testing.T) *engine.Pool {
	t.Helper()

	pool := engine.NewPool(engine.PoolConfig{MinWorkers: 2, MaxWorkers: 4})
	pool.Start(context.Background())

	return pool
}

// collectShutdownEvents subscribes before Start so no publish is missed.
func collectShutdownEvents(bus *events.Bus) func() []events.Event {
	var (
		mu   sync.Mutex
		seen []events.Event
	)

	bus.Subscribe(events.SystemShutdown, func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()

		seen = append(seen, ev)
	})

	return func() []events.Event {
		mu.Lock()
		defer mu.Unlock()

		out := make([]events.Event, len(seen))
		copy(out, seen)

		return out
	}
}

func TestIdleTimeoutTriggersShutdown(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	recorded := collectShutdownEvents(bus)
	exit := newExitRecorder()

	sup := shutdown.New(shutdown.Config{
		Enabled:         true,
		IdleTimeout:     20 * time.Millisecond,
		CheckInterval:   5 * time.Millisecond,
		GracefulTimeout: time.Millisecond,
		Pool:            startPool(t),
		Bus:             bus,
		Exit:            exit.exit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Start(ctx)
	exit.waitExit(t)

	assert.Eventually(t, func() bool {
		seen := recorded()

		return len(seen) == 1 && seen[0].Payload["reason"] == string(shutdown.ReasonIdle)
	}, time.Second, 5*time.Millisecond)
}

func TestCompletionTriggersAfterWait(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	recorded := collectShutdownEvents(bus)
	exit := newExitRecorder()
	pool := startPool(t)

	fileStore, err := store.Open(t.TempDir())
	require.NoError(t, err)

	for range 3 {
		_, submitErr := pool.Submit(&engine.Task{
			Name:    "flagged",
			Enabled: true,
			Tags:    []string{shutdown.AutoShutdownTag},
			Fn:      func(context.Context) (any, error) { return nil, nil },
		})
		require.NoError(t, submitErr)
	}

	sup := shutdown.New(shutdown.Config{
		Enabled:         true,
		IdleTimeout:     time.Hour,
		CheckInterval:   10 * time.Millisecond,
		CompletionWait:  50 * time.Millisecond,
		GracefulTimeout: time.Millisecond,
		Pool:            pool,
		Bus:             bus,
		Store:           fileStore,
		Exit:            exit.exit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()

	sup.Start(ctx)
	exit.waitExit(t)

	// The wait window must elapse between detection and trigger.
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	assert.Eventually(t, func() bool {
		seen := recorded()

		return len(seen) == 1 && seen[0].Payload["reason"] == string(shutdown.ReasonCompletion)
	}, time.Second, 5*time.Millisecond)

	// The trigger is also recorded in the persistent event log.
	logged, readErr := fileStore.Read(store.CollectionShutdownEvents, nil)
	require.NoError(t, readErr)
	require.Len(t, logged, 1)
	assert.Equal(t, string(shutdown.ReasonCompletion), logged[0]["reason"])
}

func TestBusyPoolHoldsOffIdleShutdown(t *testing.T) {
	t.Parallel()

	exit := newExitRecorder()
	pool := startPool(t)
	gate := make(chan struct{})

	_, err := pool.Submit(&engine.Task{
		Name:    "held",
		Enabled: true,
		Fn: func(ctx context.Context) (any, error) {
			select {
			case <-gate:
			case <-ctx.Done():
			}

			return nil, nil
		},
	})
	require.NoError(t, err)

	sup := shutdown.New(shutdown.Config{
		Enabled:         true,
		IdleTimeout:     20 * time.Millisecond,
		CheckInterval:   5 * time.Millisecond,
		GracefulTimeout: time.Millisecond,
		Pool:            pool,
		Exit:            exit.exit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Start(ctx)

	// While the task runs, the idle clock keeps resetting.
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, exit.count())

	close(gate)
	exit.waitExit(t)
}

func TestResourcePressureTriggersShutdown(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	recorded := collectShutdownEvents(bus)
	exit := newExitRecorder()

	sup := shutdown.New(shutdown.Config{
		Enabled:         true,
		IdleTimeout:     time.Hour,
		CheckInterval:   5 * time.Millisecond,
		GracefulTimeout: time.Millisecond,
		Thresholds:      map[sysprobe.Resource]float64{sysprobe.ResourceMemory: 90},
		Sampler:         fakeSampler{sample: sysprobe.Sample{MemPct: 97.5}, ok: true},
		Pool:            startPool(t),
		Bus:             bus,
		Exit:            exit.exit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Start(ctx)
	exit.waitExit(t)

	assert.Eventually(t, func() bool {
		seen := recorded()
		if len(seen) != 1 {
			return false
		}

		payload := seen[0].Payload

		return payload["reason"] == string(shutdown.ReasonResources) &&
			payload["resource"] == string(sysprobe.ResourceMemory)
	}, time.Second, 5*time.Millisecond)
}

func TestTriggerFiresExactlyOnce(t *testing.T) {
	t.Parallel()

	exit := newExitRecorder()

	sup := shutdown.New(shutdown.Config{
		GracefulTimeout: time.Millisecond,
		Exit:            exit.exit,
	})

	sup.Trigger(shutdown.ReasonSignal, map[string]any{"signal": "interrupt"})
	sup.Trigger(shutdown.ReasonIdle, nil)

	exit.waitExit(t)
	assert.Equal(t, 1, exit.count())
}

func TestDisabledSupervisorNeverChecks(t *testing.T) {
	t.Parallel()

	exit := newExitRecorder()

	sup := shutdown.New(shutdown.Config{
		Enabled:         false,
		IdleTimeout:     time.Millisecond,
		CheckInterval:   time.Millisecond,
		GracefulTimeout: time.Millisecond,
		Exit:            exit.exit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, exit.count())
}

func TestResourceAlertsArePersisted(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)

	fileStore, err := store.Open(t.TempDir())
	require.NoError(t, err)

	shutdown.New(shutdown.Config{
		Bus:   bus,
		Store: fileStore,
		Exit:  func(int) {},
	})

	bus.Publish(events.ResourceWarning, map[string]any{
		"kind":     "high_memory_usage",
		"resource": "memory",
	})

	assert.Eventually(t, func() bool {
		logged, readErr := fileStore.Read(store.CollectionResourceAlerts, nil)

		return readErr == nil && len(logged) == 1
	}, time.Second, 5*time.Millisecond)
}
