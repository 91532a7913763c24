package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend selects the execution path behind the facade.
type Backend string

// Execution backends.
const (
	// BackendLegacy routes through the task manager: named tasks,
	// dependencies, schedules.
	BackendLegacy Backend = "legacy"

	// BackendNew routes straight through the pool and monitor.
	BackendNew Backend = "new"
)

// Definition is the facade-level task description.
type Definition struct {
	Name         string
	Fn           TaskFunc
	Priority     Priority
	MaxRetries   int
	RetryDelay   time.Duration
	Timeout      time.Duration
	Dependencies []string
	Schedule     string
	Description  string
	Tags         []string
}

// Summary is one row of the facade task listing.
type Summary struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Status  Status  `json:"status"`
	Backend Backend `json:"backend"`
}

// facadeTask bridges one external id to its backend handle.
type facadeTask struct {
	def     *Task
	deps    []string
	backend Backend

	// name addresses the legacy manager; poolID the new pool.
	name   string
	poolID string
}

// ErrUnknownBackend rejects configuration values outside legacy|new.
var ErrUnknownBackend = errors.New("unknown engine backend")

// FacadeConfig parameterizes the facade.
type FacadeConfig struct {
	Backend Backend

	Pool    *Pool
	Manager *Manager
	Monitor *Monitor
	Logger  *slog.Logger
}

// Facade is the single task surface external callers use. It routes to the
// configured backend and keeps external ids stable across the switch.
type Facade struct {
	cfg FacadeConfig

	mu    sync.Mutex
	tasks map[string]*facadeTask
}

// NewFacade creates a facade over the given backends.
func NewFacade(cfg FacadeConfig) (*Facade, error) {
	switch cfg.Backend {
	case BackendLegacy, BackendNew:
	case "":
		cfg.Backend = BackendNew
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Facade{
		cfg:   cfg,
		tasks: make(map[string]*facadeTask),
	}, nil
}

// Register records a task and returns its external id. On the legacy
// backend the task is also registered with the manager by name.
func (f *Facade) Register(def Definition) (string, error) {
	if def.Fn == nil {
		return "", errors.New("definition has no function")
	}

	extID := uuid.NewString()

	if def.Name == "" {
		def.Name = extID
	}

	task := &Task{
		Name:        def.Name,
		Fn:          def.Fn,
		Priority:    def.Priority,
		MaxRetries:  def.MaxRetries,
		RetryDelay:  def.RetryDelay,
		Timeout:     def.Timeout,
		Enabled:     true,
		Tags:        def.Tags,
		Description: def.Description,
	}

	ft := &facadeTask{
		def:     task,
		deps:    append([]string(nil), def.Dependencies...),
		backend: f.cfg.Backend,
		name:    def.Name,
	}

	if f.cfg.Backend == BackendLegacy {
		err := f.cfg.Manager.Register(task, def.Dependencies, def.Schedule)
		if err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	f.tasks[extID] = ft
	f.mu.Unlock()

	f.cfg.Logger.Debug("task registered",
		slog.String("id", extID),
		slog.String("name", def.Name),
		slog.String("backend", string(f.cfg.Backend)),
	)

	return extID, nil
}

// Execute runs a registered task to completion.
func (f *Facade) Execute(ctx context.Context, extID string) error {
	ft, err := f.lookup(extID)
	if err != nil {
		return err
	}

	if ft.backend == BackendLegacy {
		return f.cfg.Manager.ExecuteTask(ctx, ft.name)
	}

	run := *ft.def
	run.ID = ""

	if f.cfg.Monitor != nil {
		f.cfg.Monitor.Register(extID, "facade", run.Description, nil)
		f.cfg.Monitor.SetStatus(extID, StatusRunning)
	}

	poolID, submitErr := f.cfg.Pool.Submit(&run)
	if submitErr != nil {
		return fmt.Errorf("submit %s: %w", ft.name, submitErr)
	}

	f.mu.Lock()
	ft.poolID = poolID
	f.mu.Unlock()

	waitErr := f.cfg.Pool.Wait(ctx, poolID)
	if waitErr != nil {
		return fmt.Errorf("wait for %s: %w", ft.name, waitErr)
	}

	snap, _ := f.cfg.Pool.Snapshot(poolID)

	if f.cfg.Monitor != nil {
		f.cfg.Monitor.SetStatus(extID, snap.Status)

		if n := len(snap.Executions); n > 0 {
			f.cfg.Monitor.RecordExecution(snap.Executions[n-1])
		}
	}

	if snap.Status == StatusFailed {
		return fmt.Errorf("task %s failed: %w", ft.name, snap.Err)
	}

	return nil
}

// Cancel cancels a task that is still queued, on either backend. Running
// tasks cannot be interrupted mid-call.
func (f *Facade) Cancel(extID string) error {
	ft, err := f.lookup(extID)
	if err != nil {
		return err
	}

	if ft.backend == BackendLegacy {
		return f.cfg.Manager.Cancel(ft.name)
	}

	if ft.poolID == "" {
		return fmt.Errorf("%w: %s has not been queued", ErrNotCancelled, extID)
	}

	return f.cfg.Pool.Cancel(ft.poolID)
}

// Status returns the task's current lifecycle state.
func (f *Facade) Status(extID string) (Status, error) {
	ft, err := f.lookup(extID)
	if err != nil {
		return "", err
	}

	if ft.backend == BackendLegacy {
		history := f.cfg.Manager.History(ft.name)
		if n := len(history); n > 0 {
			return history[n-1].Status, nil
		}

		return StatusPending, nil
	}

	if ft.poolID != "" {
		if snap, ok := f.cfg.Pool.Snapshot(ft.poolID); ok {
			return snap.Status, nil
		}
	}

	return StatusPending, nil
}

// Result returns the task's last result.
func (f *Facade) Result(extID string) (any, error) {
	ft, err := f.lookup(extID)
	if err != nil {
		return nil, err
	}

	if ft.backend == BackendLegacy {
		history := f.cfg.Manager.History(ft.name)
		if n := len(history); n > 0 {
			return history[n-1].Result, nil
		}

		return nil, nil
	}

	if ft.poolID != "" {
		if snap, ok := f.cfg.Pool.Snapshot(ft.poolID); ok {
			return snap.Result, nil
		}
	}

	return nil, nil
}

// Err returns the task's last error, nil when it succeeded or has not run.
func (f *Facade) Err(extID string) (error, error) {
	ft, err := f.lookup(extID)
	if err != nil {
		return nil, err
	}

	if ft.backend == BackendLegacy {
		history := f.cfg.Manager.History(ft.name)
		if n := len(history); n > 0 && history[n-1].Error != "" {
			return errors.New(history[n-1].Error), nil
		}

		return nil, nil
	}

	if ft.poolID != "" {
		if snap, ok := f.cfg.Pool.Snapshot(ft.poolID); ok {
			return snap.Err, nil
		}
	}

	return nil, nil
}

// List returns a summary per registered task.
func (f *Facade) List() []Summary {
	f.mu.Lock()
	ids := make([]string, 0, len(f.tasks))

	for id := range f.tasks {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	out := make([]Summary, 0, len(ids))

	for _, id := range ids {
		ft, err := f.lookup(id)
		if err != nil {
			continue
		}

		status, _ := f.Status(id)
		out = append(out, Summary{ID: id, Name: ft.name, Status: status, Backend: ft.backend})
	}

	return out
}

// Cleanup drops terminal tasks older than maxAge from the facade and the
// pool. Returns the number of facade records removed.
func (f *Facade) Cleanup(maxAge time.Duration) int {
	f.cfg.Pool.Cleanup(maxAge)

	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0

	for id, ft := range f.tasks {
		if ft.poolID == "" {
			continue
		}

		// Terminal and already evicted from the pool means stale here too.
		if _, ok := f.cfg.Pool.Snapshot(ft.poolID); !ok {
			delete(f.tasks, id)

			removed++
		}
	}

	return removed
}

// lookup resolves an external id.
func (f *Facade) lookup(extID string) (*facadeTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ft, ok := f.tasks[extID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, extID)
	}

	return ft, nil
}
