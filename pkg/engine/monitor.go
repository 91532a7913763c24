package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/TeamWiseflow/wiseflow-go/pkg/events"
)

// DefaultHistoryLimit bounds the monitor's execution history.
const DefaultHistoryLimit = 1000

// longRunningFactor flags executions slower than this multiple of the
// rolling average.
const longRunningFactor = 2.0

// minAlertSamples is the history size below which rate alerts stay quiet.
const minAlertSamples = 5

// DefaultFailureRateThreshold triggers the high-failure alert.
const DefaultFailureRateThreshold = 0.5

// Alert kinds. Resource alerts carry the resource in the kind itself:
// high_cpu_usage, high_memory_usage, high_disk_usage, high_io_usage.
const (
	AlertLongRunning     = "long_running_task"
	AlertHighFailureRate = "high_failure_rate"
	AlertHighCPU         = "high_cpu_usage"
	AlertHighMemory      = "high_memory_usage"
	AlertHighDisk        = "high_disk_usage"
	AlertHighIO          = "high_io_usage"
)

// Alert describes one monitor alert.
type Alert struct {
	Kind    string         `json:"kind"`
	TaskID  string         `json:"task_id,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

// TaskInfo is the monitor's view of one task.
type TaskInfo struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Status      Status          `json:"status"`
	Progress    float64         `json:"progress"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
	Result      any             `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	History     []TaskExecution `json:"history,omitempty"`
}

// RollingMetrics summarize the bounded execution history.
type RollingMetrics struct {
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
	SuccessRate      float64       `json:"success_rate"`
	FailureRate      float64       `json:"failure_rate"`
	CancellationRate float64       `json:"cancellation_rate"`

	// Throughput is executions per second over the history span.
	Throughput float64 `json:"throughput"`
}

// MonitorConfig parameterizes the task monitor.
type MonitorConfig struct {
	HistoryLimit         int
	FailureRateThreshold float64

	Bus    *events.Bus
	Logger *slog.Logger
}

// Monitor tracks per-task lifecycle and emits alerts on degraded behavior.
type Monitor struct {
	cfg MonitorConfig

	mu      sync.Mutex
	tasks   map[string]*TaskInfo
	history []TaskExecution
	rolling RollingMetrics
	alerts  []func(Alert)
}

// NewMonitor creates a task monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}

	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = DefaultFailureRateThreshold
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Monitor{
		cfg:   cfg,
		tasks: make(map[string]*TaskInfo),
	}
}

// OnAlert registers an alert callback. Callbacks run synchronously inside
// the monitor; keep them short.
func (m *Monitor) OnAlert(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.alerts = append(m.alerts, fn)
}

// Register adds a task to the registry in pending state.
func (m *Monitor) Register(id, taskType, description string, metadata map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks[id] = &TaskInfo{
		Type:        taskType,
		Description: description,
		Metadata:    metadata,
		Status:      StatusPending,
	}
}

// SetStatus transitions a task's status, stamping start and completion.
func (m *Monitor) SetStatus(id string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.tasks[id]
	if !ok {
		return
	}

	info.Status = status

	switch {
	case status == StatusRunning && info.StartedAt.IsZero():
		info.StartedAt = time.Now()
	case status.Terminal():
		info.CompletedAt = time.Now()
	}
}

// SetProgress updates a task's progress, clamped to [0, 1].
func (m *Monitor) SetProgress(id string, progress float64) {
	if progress < 0 {
		progress = 0
	}

	if progress > 1 {
		progress = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.tasks[id]; ok {
		info.Progress = progress
	}

	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(events.TaskProgress, map[string]any{"task_id": id, "progress": progress})
	}
}

// RecordExecution appends one execution to the bounded history, recomputes
// the rolling metrics, and fires alerts.
func (m *Monitor) RecordExecution(exec TaskExecution) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.tasks[exec.TaskID]; ok {
		info.Status = exec.Status
		info.Result = exec.Result
		info.Error = exec.Error
		info.History = append(info.History, exec)

		if len(info.History) > m.cfg.HistoryLimit {
			info.History = info.History[len(info.History)-m.cfg.HistoryLimit:]
		}
	}

	m.history = append(m.history, exec)
	if len(m.history) > m.cfg.HistoryLimit {
		m.history = m.history[len(m.history)-m.cfg.HistoryLimit:]
	}

	previousAvg := m.rolling.AvgExecutionTime
	m.rolling = m.recomputeLocked()

	m.checkAlertsLocked(exec, previousAvg)
}

// recomputeLocked derives the rolling metrics from history. Caller holds mu.
func (m *Monitor) recomputeLocked() RollingMetrics {
	var out RollingMetrics

	n := len(m.history)
	if n == 0 {
		return out
	}

	var (
		total     time.Duration
		completed int
		failed    int
		cancelled int
	)

	for _, exec := range m.history {
		total += exec.ExecutionTime

		switch exec.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusCancelled:
			cancelled++
		}
	}

	out.AvgExecutionTime = total / time.Duration(n)
	out.SuccessRate = float64(completed) / float64(n)
	out.FailureRate = float64(failed) / float64(n)
	out.CancellationRate = float64(cancelled) / float64(n)

	span := m.history[n-1].EndTime.Sub(m.history[0].StartTime)
	if span > 0 {
		out.Throughput = float64(n) / span.Seconds()
	}

	return out
}

// checkAlertsLocked fires threshold alerts for one execution. Caller holds mu.
func (m *Monitor) checkAlertsLocked(exec TaskExecution, previousAvg time.Duration) {
	if previousAvg > 0 && float64(exec.ExecutionTime) > longRunningFactor*float64(previousAvg) {
		m.fireLocked(Alert{
			Kind:    AlertLongRunning,
			TaskID:  exec.TaskID,
			Message: "execution time exceeds twice the rolling average",
			Details: map[string]any{
				"execution_time": exec.ExecutionTime.Seconds(),
				"rolling_avg":    previousAvg.Seconds(),
			},
			At: time.Now(),
		})
	}

	if len(m.history) >= minAlertSamples && m.rolling.FailureRate > m.cfg.FailureRateThreshold {
		m.fireLocked(Alert{
			Kind:    AlertHighFailureRate,
			Message: "rolling failure rate above threshold",
			Details: map[string]any{
				"failure_rate": m.rolling.FailureRate,
				"threshold":    m.cfg.FailureRateThreshold,
			},
			At: time.Now(),
		})
	}
}

// ResourceAlert reports a resource sample above its threshold; the system
// probe's threshold callback feeds it.
func (m *Monitor) ResourceAlert(resource string, value, threshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fireLocked(Alert{
		Kind:    "high_" + resource + "_usage",
		Message: "resource usage above threshold",
		Details: map[string]any{
			"resource":  resource,
			"value":     value,
			"threshold": threshold,
		},
		At: time.Now(),
	})
}

// fireLocked delivers an alert to callbacks and the event bus. Caller holds mu.
func (m *Monitor) fireLocked(alert Alert) {
	m.cfg.Logger.Warn("task monitor alert",
		slog.String("kind", alert.Kind),
		slog.String("task_id", alert.TaskID),
		slog.String("message", alert.Message),
	)

	for _, fn := range m.alerts {
		fn(alert)
	}

	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(events.ResourceWarning, map[string]any{
			"kind":    alert.Kind,
			"task_id": alert.TaskID,
			"message": alert.Message,
			"details": alert.Details,
		})
	}
}

// Info returns a copy of the monitor's view of one task.
func (m *Monitor) Info(id string) (TaskInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.tasks[id]
	if !ok {
		return TaskInfo{}, false
	}

	out := *info
	out.History = append([]TaskExecution(nil), info.History...)

	return out, true
}

// Metrics returns the current rolling metrics.
func (m *Monitor) Metrics() RollingMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.rolling
}

// Remove drops a task from the registry.
func (m *Monitor) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tasks, id)
}
