// Package events provides a fire-and-forget in-process event bus for task
// lifecycle, resource, and shutdown notifications.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies an event category.
type Type string

// Published event types.
const (
	TaskStarted     Type = "task_started"
	TaskProgress    Type = "task_progress"
	TaskCompleted   Type = "task_completed"
	TaskFailed      Type = "task_failed"
	TaskCancelled   Type = "task_cancelled"
	ResourceWarning Type = "resource_warning"
	SystemShutdown  Type = "system_shutdown"
	ConnectorError  Type = "connector_error"
)

// Event is one published notification.
type Event struct {
	Type    Type           `json:"type"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Handler consumes events. Handlers are best-effort: panics are swallowed and
// never reach the publisher.
type Handler func(Event)

// Bus delivers events asynchronously to subscribers. Publishing never blocks;
// delivery order across event types is not guaranteed.
type Bus struct {
	mu sync.RWMutex

	subscribers map[Type][]Handler
	all         []Handler
	logger      *slog.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		subscribers: make(map[Type][]Handler),
		logger:      logger,
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[t] = append(b.subscribers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all = append(b.all, h)
}

// Publish delivers the event to subscribers on a separate goroutine.
func (b *Bus) Publish(t Type, payload map[string]any) {
	event := Event{Type: t, At: time.Now(), Payload: payload}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[t])+len(b.all))
	handlers = append(handlers, b.subscribers[t]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	go func() {
		for _, h := range handlers {
			b.deliver(h, event)
		}
	}()
}

// deliver invokes one handler, isolating the publisher from panics.
func (b *Bus) deliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event subscriber panicked",
				slog.String("type", string(event.Type)),
				slog.Any("panic", r),
			)
		}
	}()

	h(event)
}
