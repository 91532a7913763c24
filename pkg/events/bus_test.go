package events_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/TeamWiseflow/wiseflow-go/pkg/events"
)

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

func TestPublishDeliversToSubscribers(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)

	var completed, all atomic.Int32

	bus.Subscribe(events.TaskCompleted, func(e events.Event) {
		completed.Add(1)
		assert.Equal(t, "t-1", e.Payload["task_id"])
	})
	bus.SubscribeAll(func(events.Event) { all.Add(1) })

	bus.Publish(events.TaskCompleted, map[string]any{"task_id": "t-1"})
	bus.Publish(events.TaskFailed, map[string]any{"task_id": "t-2"})

	waitFor(t, func() bool { return completed.Load() == 1 && all.Load() == 2 })
}

func TestSubscriberPanicDoesNotPropagate(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)

	var delivered atomic.Int32

	bus.Subscribe(events.SystemShutdown, func(events.Event) { panic("boom") })
	bus.Subscribe(events.SystemShutdown, func(events.Event) { delivered.Add(1) })

	assert.NotPanics(t, func() {
		bus.Publish(events.SystemShutdown, nil)
	})

	waitFor(t, func() bool { return delivered.Load() == 1 })
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	bus.Publish(events.ResourceWarning, map[string]any{"resource": "cpu"})
}
