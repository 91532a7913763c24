// Package shutdown implements the auto-shutdown supervisor: it watches
// idleness, resource pressure, and completion of flagged tasks, and drives
// one graceful exit through the event bus and the worker pool.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/TeamWiseflow/wiseflow-go/pkg/engine"
	"github.com/TeamWiseflow/wiseflow-go/pkg/events"
	"github.com/TeamWiseflow/wiseflow-go/pkg/store"
	"github.com/TeamWiseflow/wiseflow-go/pkg/sysprobe"
)

// AutoShutdownTag marks pool tasks that participate in the completion
// predicate: once every tagged task is terminal, the system may exit.
const AutoShutdownTag = "auto_shutdown"

// Default supervisor timing.
const (
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultCheckInterval   = 10 * time.Second
	DefaultCompletionWait  = 5 * time.Second
	DefaultGracefulTimeout = 10 * time.Second
)

// Reason names what triggered the shutdown.
type Reason string

// Shutdown reasons.
const (
	ReasonIdle       Reason = "idle_timeout"
	ReasonResources  Reason = "resource_exhaustion"
	ReasonCompletion Reason = "all_tasks_complete"
	ReasonSignal     Reason = "signal"
)

// ResourceSampler supplies the latest resource reading; the system probe
// implements it.
type ResourceSampler interface {
	Latest() (sysprobe.Sample, bool)
}

// Config parameterizes the supervisor.
type Config struct {
	// Enabled gates the whole supervisor; when false, Start is a no-op and
	// only explicit Trigger calls (signals) shut the system down.
	Enabled bool

	IdleTimeout     time.Duration
	CheckInterval   time.Duration
	CompletionWait  time.Duration
	GracefulTimeout time.Duration

	// Thresholds maps a resource to the percent above which the pressure
	// predicate fires.
	Thresholds map[sysprobe.Resource]float64

	Sampler ResourceSampler
	Pool    *engine.Pool
	Bus     *events.Bus
	Store   store.Store
	Logger  *slog.Logger

	// Exit terminates the process. Defaults to os.Exit.
	Exit func(code int)
}

// Supervisor periodically evaluates the idle, resource, and completion
// predicates and orchestrates at most one graceful exit.
type Supervisor struct {
	cfg Config

	mu sync.Mutex

	lastActivity time.Time

	// completionSeenAt is when all flagged tasks were first observed
	// terminal; the trigger waits CompletionWait past it and re-checks.
	completionSeenAt time.Time

	triggerOnce sync.Once
}

// New creates a supervisor. Call Start to begin watching.
func New(cfg Config) *Supervisor {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}

	if cfg.CompletionWait <= 0 {
		cfg.CompletionWait = DefaultCompletionWait
	}

	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = DefaultGracefulTimeout
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}

	s := &Supervisor{
		cfg:          cfg,
		lastActivity: time.Now(),
	}

	// Task lifecycle events count as activity and reset the idle clock.
	if cfg.Bus != nil {
		for _, t := range []events.Type{
			events.TaskStarted, events.TaskProgress, events.TaskCompleted,
			events.TaskFailed, events.TaskCancelled,
		} {
			cfg.Bus.Subscribe(t, func(events.Event) { s.NotifyActivity() })
		}

		if cfg.Store != nil {
			cfg.Bus.Subscribe(events.ResourceWarning, s.recordResourceAlert)
		}
	}

	return s
}

// recordResourceAlert appends one resource warning to the persistent log.
func (s *Supervisor) recordResourceAlert(ev events.Event) {
	record := map[string]any{"at": ev.At.UTC().Format(time.RFC3339)}
	for k, v := range ev.Payload {
		record[k] = v
	}

	err := s.cfg.Store.Add(store.CollectionResourceAlerts, uuid.NewString(), record)
	if err != nil {
		s.cfg.Logger.Warn("record resource alert failed", slog.String("error", err.Error()))
	}
}

// NotifyActivity resets the idle clock.
func (s *Supervisor) NotifyActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
}

// Start launches the periodic predicate checks until ctx is cancelled. It is
// a no-op when the supervisor is disabled.
func (s *Supervisor) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}

	go func() {
		ticker := time.NewTicker(s.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.check()
			}
		}
	}()
}

// HandleSignals routes interrupt and terminate into the shutdown path until
// ctx is cancelled.
func (s *Supervisor) HandleSignals(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(ch)

		select {
		case <-ctx.Done():
		case sig := <-ch:
			s.Trigger(ReasonSignal, map[string]any{"signal": sig.String()})
		}
	}()
}

// check evaluates the three predicates in order: completion, resource
// pressure, idleness. The first satisfied one triggers the shutdown.
func (s *Supervisor) check() {
	now := time.Now()
	busy := s.poolBusy()

	if busy {
		s.NotifyActivity()
	}

	if s.completionSatisfied(now, busy) {
		s.Trigger(ReasonCompletion, nil)

		return
	}

	if resource, value, threshold, over := s.resourcePressure(); over {
		s.Trigger(ReasonResources, map[string]any{
			"resource":  string(resource),
			"value":     value,
			"threshold": threshold,
		})

		return
	}

	s.mu.Lock()
	idleFor := now.Sub(s.lastActivity)
	s.mu.Unlock()

	if !busy && idleFor > s.cfg.IdleTimeout {
		s.Trigger(ReasonIdle, map[string]any{"idle_for": idleFor.String()})
	}
}

// poolBusy reports whether any task is still pending or running.
func (s *Supervisor) poolBusy() bool {
	if s.cfg.Pool == nil {
		return false
	}

	for _, snap := range s.cfg.Pool.Tasks() {
		if !snap.Status.Terminal() {
			return true
		}
	}

	return false
}

// completionSatisfied reports whether every flagged task has been terminal
// for at least CompletionWait. A non-terminal flagged task resets the clock.
func (s *Supervisor) completionSatisfied(now time.Time, busy bool) bool {
	if s.cfg.Pool == nil {
		return false
	}

	flagged := 0

	for _, snap := range s.cfg.Pool.Tasks() {
		if !hasTag(snap.Task.Tags, AutoShutdownTag) {
			continue
		}

		flagged++

		if !snap.Status.Terminal() {
			s.mu.Lock()
			s.completionSeenAt = time.Time{}
			s.mu.Unlock()

			return false
		}
	}

	if flagged == 0 || busy {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completionSeenAt.IsZero() {
		s.completionSeenAt = now

		return false
	}

	return now.Sub(s.completionSeenAt) >= s.cfg.CompletionWait
}

// resourcePressure reports the first resource whose latest reading exceeds
// its threshold.
func (s *Supervisor) resourcePressure() (sysprobe.Resource, float64, float64, bool) {
	if s.cfg.Sampler == nil || len(s.cfg.Thresholds) == 0 {
		return "", 0, 0, false
	}

	sample, ok := s.cfg.Sampler.Latest()
	if !ok {
		return "", 0, 0, false
	}

	readings := map[sysprobe.Resource]float64{
		sysprobe.ResourceCPU:    sample.CPUPct,
		sysprobe.ResourceMemory: sample.MemPct,
		sysprobe.ResourceDisk:   sample.DiskPct,
		sysprobe.ResourceIO:     sample.IOPct,
	}

	for resource, threshold := range s.cfg.Thresholds {
		if value := readings[resource]; value > threshold {
			return resource, value, threshold, true
		}
	}

	return "", 0, 0, false
}

// Trigger starts the graceful shutdown sequence exactly once: record and
// publish the shutdown event, wait the graceful window, drain the pool, exit.
func (s *Supervisor) Trigger(reason Reason, detail map[string]any) {
	s.triggerOnce.Do(func() {
		s.cfg.Logger.Warn("system shutdown triggered", slog.String("reason", string(reason)))

		payload := map[string]any{"reason": string(reason)}
		for k, v := range detail {
			payload[k] = v
		}

		s.recordEvent(payload)

		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(events.SystemShutdown, payload)
		}

		time.Sleep(s.cfg.GracefulTimeout)

		if s.cfg.Pool != nil {
			drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulTimeout)
			defer cancel()

			err := s.cfg.Pool.Shutdown(drainCtx)
			if err != nil {
				s.cfg.Logger.Error("pool drain incomplete", slog.String("error", err.Error()))
			}
		}

		s.cfg.Exit(0)
	})
}

// recordEvent appends the shutdown event to the persistent log.
func (s *Supervisor) recordEvent(payload map[string]any) {
	if s.cfg.Store == nil {
		return
	}

	record := map[string]any{"at": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range payload {
		record[k] = v
	}

	err := s.cfg.Store.Add(store.CollectionShutdownEvents, uuid.NewString(), record)
	if err != nil {
		s.cfg.Logger.Warn("record shutdown event failed", slog.String("error", err.Error()))
	}
}

// hasTag reports whether tags contains want.
func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}

	return false
}
