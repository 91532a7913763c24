// Package engine implements the task engine: a priority-scheduled worker
// pool sized from resource samples, a task monitor with rolling metrics and
// alerts, a dependency-aware task manager with cron schedules, and a unified
// facade bridging the legacy and new execution paths.
package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TeamWiseflow/wiseflow-go/pkg/events"
)

// Priority orders queued tasks. Higher runs first.
type Priority int

// Task priorities.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Status is the lifecycle state of a task.
type Status string

// Task lifecycle states.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Default pool sizing.
const (
	DefaultMinWorkers     = 2
	DefaultMaxWorkers     = 16
	DefaultAdjustInterval = 10 * time.Second
)

// TaskFunc is the unit of work. The context carries the task timeout and the
// pool shutdown; implementations should treat it as a cancellation point.
type TaskFunc func(ctx context.Context) (any, error)

// Task describes one submittable unit of work.
type Task struct {
	ID          string
	Name        string
	Fn          TaskFunc
	Priority    Priority
	MaxRetries  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	Enabled     bool
	Tags        []string
	Description string
}

// TaskExecution is one attempt of a task. Terminal executions never mutate.
type TaskExecution struct {
	ExecutionID   string        `json:"execution_id"`
	TaskID        string        `json:"task_id"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	Status        Status        `json:"status"`
	Result        any           `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// Snapshot is a copy of a task's bookkeeping at one point in time.
type Snapshot struct {
	Task       Task
	Status     Status
	Result     any
	Err        error
	Retries    int
	Executions []TaskExecution
}

// Metrics are cumulative pool counters.
type Metrics struct {
	Submitted     int           `json:"submitted"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	Cancelled     int           `json:"cancelled"`
	TotalExecTime time.Duration `json:"total_exec_time"`
	AvgExecTime   time.Duration `json:"avg_exec_time"`
	MaxExecTime   time.Duration `json:"max_exec_time"`
	MinExecTime   time.Duration `json:"min_exec_time"`
	ActiveWorkers int           `json:"active_workers"`
	QueueDepth    int           `json:"queue_depth"`
}

// WorkerSizer supplies the resource-derived optimal worker count; the system
// probe implements it.
type WorkerSizer interface {
	OptimalWorkers() int
}

// fixedSizer is the fallback when no probe is wired.
type fixedSizer int

func (f fixedSizer) OptimalWorkers() int { return int(f) }

// PoolConfig parameterizes the worker pool.
type PoolConfig struct {
	MinWorkers     int
	MaxWorkers     int
	AdjustInterval time.Duration

	Sizer  WorkerSizer
	Bus    *events.Bus
	Logger *slog.Logger
}

// Pool executes tasks from a priority queue with dynamically sized workers.
type Pool struct {
	cfg PoolConfig

	mu      sync.Mutex
	cond    *sync.Cond
	queue   taskHeap
	states  map[string]*taskState
	seq     uint64
	workers int
	target  int
	active  int
	closed  bool

	metrics Metrics

	baseCtx    context.Context
	cancel     context.CancelFunc
	stopResize chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// taskState is the pool-internal bookkeeping for one task.
type taskState struct {
	task       *Task
	status     Status
	result     any
	err        error
	retries    int
	executions []TaskExecution
	done       chan struct{}
}

// queuedTask is one heap entry.
type queuedTask struct {
	task    *Task
	seq     uint64
	retries int
}

// taskHeap orders by (priority desc, enqueue sequence asc).
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}

	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*queuedTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return item
}

// Pool errors.
var (
	ErrPoolClosed   = errors.New("worker pool closed")
	ErrUnknownTask  = errors.New("unknown task")
	ErrNotCancelled = errors.New("task is not pending")
)

// NewPool creates a worker pool. Start must be called before Submit.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = DefaultMinWorkers
	}

	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = DefaultMaxWorkers
	}

	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}

	if cfg.AdjustInterval <= 0 {
		cfg.AdjustInterval = DefaultAdjustInterval
	}

	if cfg.Sizer == nil {
		cfg.Sizer = fixedSizer(cfg.MinWorkers)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{
		cfg:        cfg,
		states:     make(map[string]*taskState),
		target:     cfg.MinWorkers,
		stopResize: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	return p
}

// Start launches the initial workers and the resize loop.
func (p *Pool) Start(ctx context.Context) {
	p.baseCtx, p.cancel = context.WithCancel(ctx)

	p.mu.Lock()
	for p.workers < p.target {
		p.spawnWorkerLocked()
	}
	p.mu.Unlock()

	p.wg.Add(1)

	go p.resizeLoop()
}

// Submit enqueues a task. A missing ID is assigned; the returned ID addresses
// all later status queries.
func (p *Pool) Submit(task *Task) (string, error) {
	if task.Fn == nil {
		return "", errors.New("task has no function")
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", ErrPoolClosed
	}

	p.states[task.ID] = &taskState{
		task:   task,
		status: StatusPending,
		done:   make(chan struct{}),
	}

	p.enqueueLocked(task, 0)
	p.metrics.Submitted++
	tasksSubmitted.Inc()
	queueDepth.Set(float64(len(p.queue)))

	return task.ID, nil
}

// enqueueLocked pushes a task onto the heap and wakes one worker.
func (p *Pool) enqueueLocked(task *Task, retries int) {
	p.seq++
	heap.Push(&p.queue, &queuedTask{task: task, seq: p.seq, retries: retries})
	p.cond.Signal()
}

// Cancel marks a pending task cancelled. In-flight tasks cannot be
// interrupted mid-call.
func (p *Pool) Cancel(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	if state.status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotCancelled, id, state.status)
	}

	p.finishLocked(state, StatusCancelled, nil, errors.New("cancelled before execution"))

	return nil
}

// Wait blocks until the task reaches a terminal status or ctx is done.
func (p *Pool) Wait(ctx context.Context, id string) error {
	p.mu.Lock()
	state, ok := p.states[id]
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // cancellation passes through
	case <-state.done:
		return nil
	}
}

// Snapshot returns a copy of the task's bookkeeping.
func (p *Pool) Snapshot(id string) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.states[id]
	if !ok {
		return Snapshot{}, false
	}

	return Snapshot{
		Task:       *state.task,
		Status:     state.status,
		Result:     state.result,
		Err:        state.err,
		Retries:    state.retries,
		Executions: append([]TaskExecution(nil), state.executions...),
	}, true
}

// Tasks returns snapshots of every known task.
func (p *Pool) Tasks() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Snapshot, 0, len(p.states))

	for _, state := range p.states {
		out = append(out, Snapshot{
			Task:       *state.task,
			Status:     state.status,
			Result:     state.result,
			Err:        state.err,
			Retries:    state.retries,
			Executions: append([]TaskExecution(nil), state.executions...),
		})
	}

	return out
}

// Cleanup drops bookkeeping for terminal tasks whose last activity is older
// than maxAge. Returns the number removed.
func (p *Pool) Cleanup(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for id, state := range p.states {
		if !state.status.Terminal() {
			continue
		}

		last := time.Time{}
		if n := len(state.executions); n > 0 {
			last = state.executions[n-1].EndTime
		}

		if last.Before(cutoff) {
			delete(p.states, id)

			removed++
		}
	}

	return removed
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.metrics
	m.ActiveWorkers = p.active
	m.QueueDepth = len(p.queue)

	finished := m.Completed + m.Failed
	if finished > 0 {
		m.AvgExecTime = m.TotalExecTime / time.Duration(finished)
	}

	return m
}

// Shutdown stops intake and waits for in-flight tasks. When ctx expires
// first, the remaining tasks are cancelled through their contexts.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopResize) })

	doneCh := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-ctx.Done():
		if p.cancel != nil {
			p.cancel()
		}

		<-doneCh

		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	case <-doneCh:
		if p.cancel != nil {
			p.cancel()
		}

		return nil
	}
}

// spawnWorkerLocked starts one worker goroutine. Caller holds mu.
func (p *Pool) spawnWorkerLocked() {
	p.workers++
	p.wg.Add(1)

	go p.worker()
}

// worker pulls tasks until the pool closes or the target shrinks below the
// worker count; excess workers exit when idle.
func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()

		for len(p.queue) == 0 && !p.closed {
			if p.workers > p.target {
				p.workers--
				p.mu.Unlock()

				return
			}

			p.cond.Wait()
		}

		if p.closed && len(p.queue) == 0 {
			p.workers--
			p.mu.Unlock()

			return
		}

		qt := heap.Pop(&p.queue).(*queuedTask)
		queueDepth.Set(float64(len(p.queue)))

		state, ok := p.states[qt.task.ID]
		if !ok || state.status != StatusPending {
			// Cancelled or cleaned up while queued.
			p.mu.Unlock()

			continue
		}

		if !qt.task.Enabled {
			p.finishLocked(state, StatusCancelled, nil, errors.New("task disabled"))
			p.mu.Unlock()

			continue
		}

		state.status = StatusRunning
		state.retries = qt.retries
		p.active++
		activeWorkers.Set(float64(p.active))
		p.mu.Unlock()

		p.runTask(qt, state)
	}
}

// runTask executes one attempt under the task timeout and settles the
// outcome: success, retry, or final failure.
func (p *Pool) runTask(qt *queuedTask, state *taskState) {
	task := qt.task

	ctx := p.baseCtx
	if task.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	p.publish(events.TaskStarted, map[string]any{"task_id": task.ID, "name": task.Name})

	exec := TaskExecution{
		ExecutionID: uuid.NewString(),
		TaskID:      task.ID,
		StartTime:   time.Now(),
	}

	result, err := p.invoke(ctx, task)

	exec.EndTime = time.Now()
	exec.ExecutionTime = exec.EndTime.Sub(exec.StartTime)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.active--
	activeWorkers.Set(float64(p.active))
	p.metrics.TotalExecTime += exec.ExecutionTime

	if p.metrics.MaxExecTime < exec.ExecutionTime {
		p.metrics.MaxExecTime = exec.ExecutionTime
	}

	if p.metrics.MinExecTime == 0 || exec.ExecutionTime < p.metrics.MinExecTime {
		p.metrics.MinExecTime = exec.ExecutionTime
	}

	if err == nil {
		exec.Status = StatusCompleted
		exec.Result = result
		state.executions = append(state.executions, exec)

		p.finishLocked(state, StatusCompleted, result, nil)

		return
	}

	exec.Status = StatusFailed
	exec.Error = err.Error()
	state.executions = append(state.executions, exec)

	if qt.retries < task.MaxRetries && !p.closed {
		state.status = StatusPending
		retries := qt.retries + 1

		p.cfg.Logger.Warn("task failed, scheduling retry",
			slog.String("task_id", task.ID),
			slog.Int("retry", retries),
			slog.String("error", err.Error()),
		)

		// Linear retry delay; the timer keeps the worker free.
		time.AfterFunc(task.RetryDelay, func() {
			p.mu.Lock()
			defer p.mu.Unlock()

			if p.closed || state.status != StatusPending {
				return
			}

			p.enqueueLocked(task, retries)
		})

		return
	}

	p.finishLocked(state, StatusFailed, nil, err)
}

// invoke runs the task function, converting a panic into an error so the
// pool never dies with a worker.
func (p *Pool) invoke(ctx context.Context, task *Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return task.Fn(ctx)
}

// finishLocked settles a task into a terminal status. Caller holds mu.
func (p *Pool) finishLocked(state *taskState, status Status, result any, err error) {
	state.status = status
	state.result = result
	state.err = err

	var event events.Type

	switch status {
	case StatusCompleted:
		p.metrics.Completed++
		tasksFinished.WithLabelValues(string(StatusCompleted)).Inc()

		event = events.TaskCompleted
	case StatusFailed:
		p.metrics.Failed++
		tasksFinished.WithLabelValues(string(StatusFailed)).Inc()

		event = events.TaskFailed
	case StatusCancelled:
		p.metrics.Cancelled++
		tasksFinished.WithLabelValues(string(StatusCancelled)).Inc()

		event = events.TaskCancelled
	default:
		return
	}

	payload := map[string]any{"task_id": state.task.ID, "name": state.task.Name}
	if err != nil {
		payload["error"] = err.Error()
	}

	p.publish(event, payload)
	close(state.done)
}

// publish emits an event when a bus is wired.
func (p *Pool) publish(t events.Type, payload map[string]any) {
	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(t, payload)
	}
}

// resizeLoop retargets the worker count from resource samples and queue
// depth every adjust interval.
func (p *Pool) resizeLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.AdjustInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopResize:
			return
		case <-ticker.C:
			p.resize()
		}
	}
}

// resize computes the worker target:
// clamp(min, max, optimal + queue/2 when the queue has outgrown optimal).
func (p *Pool) resize() {
	optimal := p.cfg.Sizer.OptimalWorkers()

	p.mu.Lock()
	defer p.mu.Unlock()

	depth := len(p.queue)

	target := optimal
	if depth >= optimal {
		target = optimal + depth/2
	}

	if target < p.cfg.MinWorkers {
		target = p.cfg.MinWorkers
	}

	if target > p.cfg.MaxWorkers {
		target = p.cfg.MaxWorkers
	}

	if target == p.target {
		return
	}

	p.cfg.Logger.Debug("resizing worker pool",
		slog.Int("from", p.target),
		slog.Int("to", target),
		slog.Int("queue", depth),
	)

	p.target = target

	// Grow immediately; shrink passively as idle workers notice.
	for p.workers < p.target {
		p.spawnWorkerLocked()
	}

	p.cond.Broadcast()
	workerTarget.Set(float64(target))
}
