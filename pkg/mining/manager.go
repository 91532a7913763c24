package mining

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TeamWiseflow/wiseflow-go/pkg/connector"
	"github.com/TeamWiseflow/wiseflow-go/pkg/engine"
	"github.com/TeamWiseflow/wiseflow-go/pkg/events"
	"github.com/TeamWiseflow/wiseflow-go/pkg/item"
	"github.com/TeamWiseflow/wiseflow-go/pkg/observability"
	"github.com/TeamWiseflow/wiseflow-go/pkg/store"
)

// Manager errors.
var (
	ErrNotActive      = errors.New("task is not active")
	ErrAlreadyRunning = errors.New("task is already running")
	ErrTaskRunning    = errors.New("task is running")
	ErrTerminalTask   = errors.New("task already finished")
)

// Config parameterizes the mining manager.
type Config struct {
	Store    store.Store
	Registry *connector.Registry
	Pool     *engine.Pool
	Monitor  *engine.Monitor
	Bus      *events.Bus
	Metrics  *observability.CollectMetrics
	Logger   *slog.Logger

	// ConnectorConfig carries per-family connector configuration handed to
	// the registry factories.
	ConnectorConfig map[string]map[string]any

	// BackoffUnit scales the retry backoff 2^(retry_count-1); it is one
	// second in production and shrinks in tests.
	BackoffUnit time.Duration
}

// Manager owns the persisted mining tasks and the interconnection graph.
// Task state mutations serialize on one lock, interconnection mutations on
// another.
type Manager struct {
	cfg Config

	taskMu  sync.Mutex
	icMu    sync.Mutex
	running map[string]context.CancelFunc
}

// NewManager creates a mining manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = time.Second
	}

	return &Manager{
		cfg:     cfg,
		running: make(map[string]context.CancelFunc),
	}
}

// CreateTask validates and persists a new mining task. Missing fields get
// defaults: a fresh id, active status, creation timestamps.
func (m *Manager) CreateTask(task *Task) error {
	err := ValidateParams(task.TaskType, task.SearchParams)
	if err != nil {
		return err
	}

	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}

	if task.Status == "" {
		task.Status = StatusActive
	}

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	doc, docErr := toDoc(task)
	if docErr != nil {
		return docErr
	}

	addErr := m.cfg.Store.Add(store.CollectionMiningTasks, task.TaskID, doc)
	if addErr != nil {
		return fmt.Errorf("persist task: %w", addErr)
	}

	m.cfg.Logger.Info("mining task created",
		slog.String("task_id", task.TaskID),
		slog.String("type", string(task.TaskType)),
	)

	return nil
}

// GetTask loads one task by id.
func (m *Manager) GetTask(id string) (*Task, error) {
	doc, err := m.cfg.Store.ReadOne(store.CollectionMiningTasks, id)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}

	var task Task

	decodeErr := fromDoc(doc, &task)
	if decodeErr != nil {
		return nil, decodeErr
	}

	return &task, nil
}

// ListTasks returns tasks, optionally restricted to one status.
func (m *Manager) ListTasks(status TaskStatus) ([]*Task, error) {
	var filter map[string]any

	if status != "" {
		filter = map[string]any{"status": string(status)}
	}

	docs, err := m.cfg.Store.Read(store.CollectionMiningTasks, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	tasks := make([]*Task, 0, len(docs))

	for _, doc := range docs {
		var task Task

		if fromDoc(doc, &task) == nil {
			tasks = append(tasks, &task)
		}
	}

	return tasks, nil
}

// UpdateTask re-validates and persists a modified task.
func (m *Manager) UpdateTask(task *Task) error {
	err := ValidateParams(task.TaskType, task.SearchParams)
	if err != nil {
		return err
	}

	m.taskMu.Lock()
	defer m.taskMu.Unlock()

	task.UpdatedAt = time.Now().UTC()

	return m.saveTaskLocked(task)
}

// DeleteTask removes a task and all its incident interconnections. It
// refuses while the task is running.
func (m *Manager) DeleteTask(id string) error {
	m.taskMu.Lock()

	if _, isRunning := m.running[id]; isRunning {
		m.taskMu.Unlock()

		return fmt.Errorf("%w: %s", ErrTaskRunning, id)
	}

	task, err := m.GetTask(id)
	if err != nil {
		m.taskMu.Unlock()

		return err
	}

	if task.Status == StatusRunning {
		m.taskMu.Unlock()

		return fmt.Errorf("%w: %s", ErrTaskRunning, id)
	}

	deleteErr := m.cfg.Store.Delete(store.CollectionMiningTasks, id)

	m.taskMu.Unlock()

	if deleteErr != nil {
		return fmt.Errorf("delete task: %w", deleteErr)
	}

	return m.removeIncidentEdges(id)
}

// removeIncidentEdges deletes every interconnection touching the task.
func (m *Manager) removeIncidentEdges(id string) error {
	m.icMu.Lock()
	defer m.icMu.Unlock()

	docs, err := m.cfg.Store.Read(store.CollectionInterconnections, nil)
	if err != nil {
		return fmt.Errorf("list interconnections: %w", err)
	}

	for _, doc := range docs {
		var edge Interconnection

		if fromDoc(doc, &edge) != nil {
			continue
		}

		if edge.SourceTaskID == id || edge.TargetTaskID == id {
			_ = m.cfg.Store.Delete(store.CollectionInterconnections, edge.ID)
		}
	}

	return nil
}

// CancelTask cancels a task: a running task's collection context is
// cancelled; a waiting task flips straight to cancelled.
func (m *Manager) CancelTask(id string) error {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()

	if cancel, isRunning := m.running[id]; isRunning {
		cancel()

		return nil
	}

	task, err := m.GetTask(id)
	if err != nil {
		return err
	}

	if task.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalTask, id, task.Status)
	}

	task.Status = StatusCancelled
	task.UpdatedAt = time.Now().UTC()

	return m.saveTaskLocked(task)
}

// RunTask drives one mining task to a terminal state: collect through the
// task's connector inside the worker pool, persist the items, propagate
// results along active interconnections, and retry failures with
// exponential backoff.
func (m *Manager) RunTask(ctx context.Context, id string) error {
	task, runCtx, err := m.markRunning(ctx, id)
	if err != nil {
		return err
	}

	defer m.clearRunning(id)

	if m.cfg.Monitor != nil {
		m.cfg.Monitor.Register(id, string(task.TaskType), task.Description, nil)
		m.cfg.Monitor.SetStatus(id, engine.StatusRunning)
	}

	m.publish(events.TaskStarted, map[string]any{"task_id": id, "type": string(task.TaskType)})

	started := time.Now()
	results, collectErr := m.runCollection(runCtx, task)
	took := time.Since(started)

	switch {
	case runCtx.Err() != nil:
		return m.settleCancelled(ctx, task)

	case collectErr != nil:
		return m.settleFailure(ctx, task, collectErr)

	default:
		return m.settleSuccess(ctx, task, results, took)
	}
}

// ResumeActive restarts every persisted active task, each on its own
// goroutine. It returns the number of tasks kicked off; failures surface
// through the normal retry and status machinery, not here.
func (m *Manager) ResumeActive(ctx context.Context) (int, error) {
	tasks, err := m.ListTasks(StatusActive)
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}

	for _, task := range tasks {
		go func(id string) {
			runErr := m.RunTask(ctx, id)
			if runErr != nil {
				m.cfg.Logger.Warn("resumed task failed",
					slog.String("task_id", id), slog.String("error", runErr.Error()))
			}
		}(task.TaskID)
	}

	return len(tasks), nil
}

// markRunning loads the task, refuses non-active or already-running tasks,
// and flips it to running under the task lock.
func (m *Manager) markRunning(ctx context.Context, id string) (*Task, context.Context, error) {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()

	if _, isRunning := m.running[id]; isRunning {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}

	task, err := m.GetTask(id)
	if err != nil {
		return nil, nil, err
	}

	if task.Status != StatusActive {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotActive, id, task.Status)
	}

	task.Status = StatusRunning
	task.UpdatedAt = time.Now().UTC()

	saveErr := m.saveTaskLocked(task)
	if saveErr != nil {
		return nil, nil, saveErr
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.running[id] = cancel

	return task, runCtx, nil
}

// clearRunning drops the run guard.
func (m *Manager) clearRunning(id string) {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()

	if cancel, ok := m.running[id]; ok {
		cancel()
		delete(m.running, id)
	}
}

// runCollection submits the collection runnable to the worker pool and
// waits for it.
func (m *Manager) runCollection(runCtx context.Context, task *Task) (map[string]any, error) {
	poolTask := &engine.Task{
		Name:     task.Name,
		Enabled:  true,
		Priority: engine.Priority(task.Priority),
		Timeout:  time.Duration(task.TimeoutS) * time.Second,
		Fn: func(poolCtx context.Context) (any, error) {
			ctx, cancel := context.WithCancel(poolCtx)
			defer cancel()

			// Cancellation of the run reaches the collection context.
			stop := context.AfterFunc(runCtx, cancel)
			defer stop()

			return m.collect(ctx, task)
		},
	}

	poolID, submitErr := m.cfg.Pool.Submit(poolTask)
	if submitErr != nil {
		return nil, fmt.Errorf("submit collection: %w", submitErr)
	}

	waitErr := m.cfg.Pool.Wait(runCtx, poolID)
	if waitErr != nil {
		return nil, waitErr
	}

	snap, _ := m.cfg.Pool.Snapshot(poolID)
	if snap.Err != nil {
		return nil, snap.Err
	}

	results, _ := snap.Result.(map[string]any)

	return results, nil
}

// collect builds the connector, runs initialize/collect, and persists the
// collected items.
func (m *Manager) collect(ctx context.Context, task *Task) (map[string]any, error) {
	conn, err := m.cfg.Registry.Build(string(task.TaskType), m.cfg.ConnectorConfig[string(task.TaskType)])
	if err != nil {
		return nil, fmt.Errorf("build connector: %w", err)
	}

	initErr := conn.Initialize(ctx)
	if initErr != nil {
		return nil, fmt.Errorf("initialize connector: %w", initErr)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		_ = conn.Shutdown(shutdownCtx)
	}()

	items, collectErr := conn.Collect(ctx, connector.Params(task.SearchParams))
	if collectErr != nil {
		m.publish(events.ConnectorError, map[string]any{
			"task_id": task.TaskID,
			"type":    string(task.TaskType),
			"error":   collectErr.Error(),
		})

		return nil, collectErr
	}

	sourceIDs := make([]string, 0, len(items))

	for _, di := range items {
		sourceIDs = append(sourceIDs, di.SourceID)
		m.persistItem(task, di)
	}

	return map[string]any{
		"item_count": len(items),
		"source_ids": sourceIDs,
	}, nil
}

// persistItem stores one collected item, stamped with its task.
func (m *Manager) persistItem(task *Task, di *item.DataItem) {
	doc, err := di.ToMap()
	if err != nil {
		m.cfg.Logger.Warn("dropping unencodable item", slog.String("source_id", di.SourceID))

		return
	}

	doc["task_id"] = task.TaskID

	addErr := m.cfg.Store.Add(store.CollectionInfos, uuid.NewString(), doc)
	if addErr != nil {
		m.cfg.Logger.Warn("persist item failed",
			slog.String("source_id", di.SourceID),
			slog.String("error", addErr.Error()),
		)
	}
}

// settleSuccess annotates and saves the results, then propagates them along
// the task's outbound interconnections.
func (m *Manager) settleSuccess(ctx context.Context, task *Task, results map[string]any, took time.Duration) error {
	if results == nil {
		results = make(map[string]any)
	}

	results["task_id"] = task.TaskID
	results["task_type"] = string(task.TaskType)
	results["processed_at"] = time.Now().UTC().Format(time.RFC3339)
	results["execution_time"] = took.Seconds()

	m.taskMu.Lock()
	task.Status = StatusCompleted
	task.Results = results
	task.Error = ""
	task.UpdatedAt = time.Now().UTC()
	err := m.saveTaskLocked(task)
	m.taskMu.Unlock()

	if err != nil {
		return err
	}

	if m.cfg.Monitor != nil {
		m.cfg.Monitor.SetStatus(task.TaskID, engine.StatusCompleted)
	}

	if m.cfg.Metrics != nil {
		itemCount, _ := results["item_count"].(int)
		m.cfg.Metrics.RecordCollection(ctx, string(task.TaskType), itemCount, took)
	}

	m.recordTaskMetric(ctx, task, engine.StatusCompleted)
	m.publish(events.TaskCompleted, map[string]any{"task_id": task.TaskID})

	return m.applyInterconnections(ctx, task)
}

// settleFailure retries with exponential backoff while the budget lasts,
// else parks the task in error state.
func (m *Manager) settleFailure(ctx context.Context, task *Task, cause error) error {
	m.taskMu.Lock()

	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.Status = StatusActive
		task.Error = cause.Error()
		task.UpdatedAt = time.Now().UTC()

		saveErr := m.saveTaskLocked(task)
		retry := task.RetryCount

		m.taskMu.Unlock()

		if saveErr != nil {
			return saveErr
		}

		// Backoff doubles per retry: 1, 2, 4, ... units.
		wait := m.cfg.BackoffUnit * (1 << (retry - 1))

		m.cfg.Logger.Warn("mining task failed, retrying",
			slog.String("task_id", task.TaskID),
			slog.Int("retry", retry),
			slog.Duration("backoff", wait),
			slog.String("error", cause.Error()),
		)

		sleepErr := sleepCtx(ctx, wait)
		if sleepErr != nil {
			return m.settleCancelled(ctx, task)
		}

		m.clearRunning(task.TaskID)

		return m.RunTask(ctx, task.TaskID)
	}

	task.Status = StatusError
	task.Error = cause.Error()
	task.UpdatedAt = time.Now().UTC()
	saveErr := m.saveTaskLocked(task)

	m.taskMu.Unlock()

	if m.cfg.Monitor != nil {
		m.cfg.Monitor.SetStatus(task.TaskID, engine.StatusFailed)
	}

	m.recordTaskMetric(ctx, task, engine.StatusFailed)
	m.publish(events.TaskFailed, map[string]any{"task_id": task.TaskID, "error": cause.Error()})

	if saveErr != nil {
		return saveErr
	}

	return fmt.Errorf("mining task %s failed: %w", task.TaskID, cause)
}

// settleCancelled parks the task in cancelled state.
func (m *Manager) settleCancelled(ctx context.Context, task *Task) error {
	m.taskMu.Lock()
	task.Status = StatusCancelled
	task.UpdatedAt = time.Now().UTC()
	err := m.saveTaskLocked(task)
	m.taskMu.Unlock()

	if m.cfg.Monitor != nil {
		m.cfg.Monitor.SetStatus(task.TaskID, engine.StatusCancelled)
	}

	m.recordTaskMetric(ctx, task, engine.StatusCancelled)
	m.publish(events.TaskCancelled, map[string]any{"task_id": task.TaskID})

	return err
}

// recordTaskMetric counts one task reaching a terminal status when metrics
// are wired. Retries that reschedule the task do not count.
func (m *Manager) recordTaskMetric(ctx context.Context, task *Task, status engine.Status) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordTask(ctx, string(task.TaskType), string(status))
	}
}

// saveTaskLocked persists a task. Caller holds taskMu.
func (m *Manager) saveTaskLocked(task *Task) error {
	doc, err := toDoc(task)
	if err != nil {
		return err
	}

	updateErr := m.cfg.Store.Update(store.CollectionMiningTasks, task.TaskID, doc)
	if updateErr != nil {
		return fmt.Errorf("persist task: %w", updateErr)
	}

	return nil
}

// publish emits an event when a bus is wired.
func (m *Manager) publish(t events.Type, payload map[string]any) {
	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(t, payload)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // cancellation passes through
	case <-timer.C:
		return nil
	}
}
