package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/TeamWiseflow/wiseflow-go/pkg/toposort"
)

// schedulerTick is the scheduler wake cadence.
const schedulerTick = time.Second

// NamedTask is a registered task with dependencies and an optional schedule.
type NamedTask struct {
	Task         *Task
	Dependencies []string
	Schedule     *Schedule

	history []TaskExecution

	// lastMinute guards against double dispatch within one cron minute.
	lastMinute string
}

// Manager errors.
var (
	ErrDuplicateTask   = errors.New("task already registered")
	ErrCycle           = errors.New("dependency cycle")
	ErrDepNotSatisfied = errors.New("dependency not satisfied")
)

// ManagerConfig parameterizes the task manager.
type ManagerConfig struct {
	HistoryLimit int

	Pool    *Pool
	Monitor *Monitor
	Logger  *slog.Logger
}

// Manager layers named tasks, dependency resolution, and cron schedules on
// top of the worker pool.
type Manager struct {
	cfg ManagerConfig

	mu    sync.Mutex
	tasks map[string]*NamedTask

	// running maps a task name to its in-flight pool id, present between
	// Submit and the end of Wait.
	running map[string]string

	schedWg   sync.WaitGroup
	schedStop chan struct{}
	schedOnce sync.Once
}

// NewManager creates a task manager over an existing pool.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		cfg:       cfg,
		tasks:     make(map[string]*NamedTask),
		running:   make(map[string]string),
		schedStop: make(chan struct{}),
	}
}

// Register adds a named task. The schedule, when present, must be a valid
// cron-5 expression.
func (m *Manager) Register(task *Task, dependencies []string, scheduleExpr string) error {
	if task.Name == "" {
		return errors.New("task needs a name")
	}

	var schedule *Schedule

	if scheduleExpr != "" {
		parsed, err := ParseSchedule(scheduleExpr)
		if err != nil {
			return err
		}

		schedule = parsed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.Name)
	}

	m.tasks[task.Name] = &NamedTask{
		Task:         task,
		Dependencies: append([]string(nil), dependencies...),
		Schedule:     schedule,
	}

	if m.cfg.Monitor != nil {
		m.cfg.Monitor.Register(task.Name, "managed", task.Description, nil)
	}

	return nil
}

// Unregister removes a named task.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tasks, name)

	if m.cfg.Monitor != nil {
		m.cfg.Monitor.Remove(name)
	}
}

// ExecutionOrder expands names to their transitive dependencies and returns
// a dependency-first order, or ErrCycle naming one cycle.
func (m *Manager) ExecutionOrder(names []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	graph := toposort.NewGraph()
	seen := make(map[string]bool)

	var add func(name string) error

	add = func(name string) error {
		if seen[name] {
			return nil
		}

		seen[name] = true

		named, ok := m.tasks[name]
		if !ok {
			return fmt.Errorf("unknown task %q", name)
		}

		graph.AddNode(name)

		for _, dep := range named.Dependencies {
			graph.AddEdge(dep, name)

			if err := add(dep); err != nil {
				return err
			}
		}

		return nil
	}

	for _, name := range names {
		if err := add(name); err != nil {
			return nil, err
		}
	}

	order, ok := graph.Toposort()
	if !ok {
		cycle := graph.FindCycle(names[0])

		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
	}

	return order, nil
}

// ExecuteTasks runs the named tasks and their dependencies in dependency
// order, waiting for each before starting its dependents. A dependency is
// satisfied iff its most recent execution completed.
func (m *Manager) ExecuteTasks(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	order, err := m.ExecutionOrder(names)
	if err != nil {
		return err
	}

	for _, name := range order {
		runErr := m.runOne(ctx, name)
		if runErr != nil {
			return runErr
		}
	}

	return nil
}

// ExecuteTask runs one named task, requiring its dependencies to already be
// satisfied.
func (m *Manager) ExecuteTask(ctx context.Context, name string) error {
	return m.runOne(ctx, name)
}

// runOne checks dependencies, submits the task, waits, and records history.
func (m *Manager) runOne(ctx context.Context, name string) error {
	m.mu.Lock()

	named, ok := m.tasks[name]
	if !ok {
		m.mu.Unlock()

		return fmt.Errorf("unknown task %q", name)
	}

	for _, dep := range named.Dependencies {
		if !m.dependencySatisfiedLocked(dep) {
			m.mu.Unlock()

			return fmt.Errorf("%w: %s needs %s", ErrDepNotSatisfied, name, dep)
		}
	}

	// Fresh pool id per run; the name is the stable handle.
	run := *named.Task
	run.ID = ""
	m.mu.Unlock()

	if m.cfg.Monitor != nil {
		m.cfg.Monitor.SetStatus(name, StatusRunning)
	}

	id, submitErr := m.cfg.Pool.Submit(&run)
	if submitErr != nil {
		return fmt.Errorf("submit %s: %w", name, submitErr)
	}

	m.mu.Lock()
	m.running[name] = id
	m.mu.Unlock()

	waitErr := m.cfg.Pool.Wait(ctx, id)

	m.mu.Lock()
	delete(m.running, name)
	m.mu.Unlock()

	if waitErr != nil {
		return fmt.Errorf("wait for %s: %w", name, waitErr)
	}

	snap, _ := m.cfg.Pool.Snapshot(id)
	m.recordOutcome(name, snap)

	if snap.Status == StatusFailed {
		return fmt.Errorf("task %s failed: %w", name, snap.Err)
	}

	return nil
}

// Cancel cancels the named task's current pool run. Only runs still queued
// can be cancelled; a task with no run in flight is not cancellable.
func (m *Manager) Cancel(name string) error {
	m.mu.Lock()
	id, ok := m.running[name]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s has no run in flight", ErrNotCancelled, name)
	}

	return m.cfg.Pool.Cancel(id)
}

// recordOutcome appends the run's final execution to the bounded history.
func (m *Manager) recordOutcome(name string, snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	named, ok := m.tasks[name]
	if !ok {
		return
	}

	if n := len(snap.Executions); n > 0 {
		named.history = append(named.history, snap.Executions[n-1])

		if len(named.history) > m.cfg.HistoryLimit {
			named.history = named.history[len(named.history)-m.cfg.HistoryLimit:]
		}
	}

	if m.cfg.Monitor != nil {
		m.cfg.Monitor.SetStatus(name, snap.Status)

		if n := len(snap.Executions); n > 0 {
			m.cfg.Monitor.RecordExecution(snap.Executions[n-1])
		}
	}
}

// dependencySatisfiedLocked reports whether the dependency's latest recorded
// execution completed. Caller holds mu.
func (m *Manager) dependencySatisfiedLocked(name string) bool {
	named, ok := m.tasks[name]
	if !ok {
		return false
	}

	n := len(named.history)
	if n == 0 {
		return false
	}

	return named.history[n-1].Status == StatusCompleted
}

// History returns a copy of a task's execution history.
func (m *Manager) History(name string) []TaskExecution {
	m.mu.Lock()
	defer m.mu.Unlock()

	named, ok := m.tasks[name]
	if !ok {
		return nil
	}

	return append([]TaskExecution(nil), named.history...)
}

// Names returns the registered task names.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.tasks))
	for name := range m.tasks {
		names = append(names, name)
	}

	return names
}

// StartScheduler launches the cron loop: one goroutine waking every second,
// dispatching tasks whose schedule matches the current minute.
func (m *Manager) StartScheduler(ctx context.Context) {
	m.schedWg.Add(1)

	go func() {
		defer m.schedWg.Done()

		ticker := time.NewTicker(schedulerTick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.schedStop:
				return
			case now := <-ticker.C:
				m.dispatchDue(ctx, now)
			}
		}
	}()
}

// StopScheduler stops the cron loop and waits for it to exit.
func (m *Manager) StopScheduler() {
	m.schedOnce.Do(func() { close(m.schedStop) })
	m.schedWg.Wait()
}

// dispatchDue submits every scheduled task matching the current minute, at
// most once per minute.
func (m *Manager) dispatchDue(ctx context.Context, now time.Time) {
	minute := now.Format("2006-01-02T15:04")

	m.mu.Lock()

	var due []string

	for name, named := range m.tasks {
		if named.Schedule == nil || named.lastMinute == minute {
			continue
		}

		if named.Schedule.Matches(now) {
			named.lastMinute = minute
			due = append(due, name)
		}
	}
	m.mu.Unlock()

	for _, name := range due {
		m.cfg.Logger.Info("dispatching scheduled task", slog.String("task", name))

		go func(name string) {
			err := m.runOne(ctx, name)
			if err != nil {
				m.cfg.Logger.Error("scheduled task failed",
					slog.String("task", name),
					slog.String("error", err.Error()),
				)
			}
		}(name)
	}
}
