package types

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimeout   TaskStatus = "timeout"
)

// IsTerminal reports whether the status has no outgoing transitions
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout:
		return true
	}
	return false
}

// CanTransitionTo reports whether a transition from s to next is legal.
// The state machine is pending -> running -> {completed, failed, cancelled, timeout},
// with cancel and timeout also allowed directly from pending.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case TaskStatusPending:
		return next == TaskStatusRunning || next == TaskStatusCancelled || next == TaskStatusTimeout
	case TaskStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// TaskPriority is advisory metadata; it never reorders declaration order
type TaskPriority string

const (
	TaskPriorityLow      TaskPriority = "low"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityCritical TaskPriority = "critical"
)

// ExecutionMode governs how sibling sub-tasks are dispatched
type ExecutionMode string

const (
	ExecutionModeSequential ExecutionMode = "sequential"
	ExecutionModeParallel   ExecutionMode = "parallel"
)

// ReturnMode controls the shape of the root task's output
type ReturnMode string

const (
	ReturnModeSummary ReturnMode = "summary"
	ReturnModeFull    ReturnMode = "full"
)

// Task is a node in the execution graph. The root has no parent;
// sub-task rows reference it via ParentID.
type Task struct {
	ID             string            `json:"id" db:"id"`
	ParentID       string            `json:"parent_id,omitempty" db:"parent_id"`
	Status         TaskStatus        `json:"status" db:"status"`
	Progress       int               `json:"progress" db:"progress"`
	Priority       TaskPriority      `json:"priority" db:"priority"`
	ExecutionMode  ExecutionMode     `json:"execution_mode" db:"execution_mode"`
	Name           string            `json:"name" db:"name"`
	Description    string            `json:"description" db:"description"`
	Prompt         string            `json:"prompt" db:"prompt"`
	WorkDir        string            `json:"work_dir" db:"work_dir"`
	ReturnMode     ReturnMode        `json:"return_mode,omitempty" db:"return_mode"`
	Metadata       map[string]any    `json:"metadata,omitempty" db:"-"`
	InstanceID     string            `json:"instance_id,omitempty" db:"instance_id"`
	TimeoutMs      int64             `json:"timeout_ms" db:"timeout_ms"`
	Deadline       time.Time         `json:"deadline,omitempty" db:"deadline"`
	TimeoutHandled bool              `json:"timeout_handled" db:"timeout_handled"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	StartedAt      time.Time         `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    time.Time         `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`

	// Duration is computed on read: completed - started for terminal
	// tasks, now - started for running ones. Zero before dispatch.
	Duration time.Duration `json:"duration,omitempty" db:"-"`
}

// SubTask is the parser's view of a child node before persistence. The
// scheduler persists each one as a Task row with ParentID set; the
// Dependencies list becomes the readiness edges.
type SubTask struct {
	ID            string         `json:"id"`
	ParentID      string         `json:"parent_id"`
	Index         int            `json:"index"` // declaration order, 1-based
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Prompt        string         `json:"prompt"`
	ExecutionMode ExecutionMode  `json:"execution_mode"`
	Priority      TaskPriority   `json:"priority"`
	TimeoutMs     int64          `json:"timeout_ms,omitempty"` // 0 = inherit root default
	Dependencies  []string       `json:"dependencies,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// InstanceStatus represents the state of a supervised child-process slot
type InstanceStatus string

const (
	InstanceStatusIdle       InstanceStatus = "idle"
	InstanceStatusRunning    InstanceStatus = "running"
	InstanceStatusError      InstanceStatus = "error"
	InstanceStatusTerminated InstanceStatus = "terminated"
)

// InstanceMetrics tracks rolling execution statistics for an instance.
// Invariant: TotalTasks = SuccessfulTasks + FailedTasks + TimeoutTasks + CancelledTasks.
type InstanceMetrics struct {
	TotalTasks       int64         `json:"total_tasks"`
	SuccessfulTasks  int64         `json:"successful_tasks"`
	FailedTasks      int64         `json:"failed_tasks"`
	TimeoutTasks     int64         `json:"timeout_tasks"`
	CancelledTasks   int64         `json:"cancelled_tasks"`
	AvgTaskTime      time.Duration `json:"avg_task_time"`
	LastTaskTime     time.Duration `json:"last_task_time"`
	CumulativeTime   time.Duration `json:"cumulative_time"`
	ErrorRate        float64       `json:"error_rate"`
	TimeoutRate      float64       `json:"timeout_rate"`
}

// Record folds one terminal outcome into the rolling metrics
func (m *InstanceMetrics) Record(status ResultStatus, elapsed time.Duration) {
	m.TotalTasks++
	switch status {
	case ResultStatusSuccess:
		m.SuccessfulTasks++
	case ResultStatusError:
		m.FailedTasks++
	case ResultStatusTimeout:
		m.TimeoutTasks++
	case ResultStatusCancelled:
		m.CancelledTasks++
	}
	m.LastTaskTime = elapsed
	m.CumulativeTime += elapsed
	m.AvgTaskTime = time.Duration(int64(m.CumulativeTime) / m.TotalTasks)
	m.ErrorRate = float64(m.FailedTasks) / float64(m.TotalTasks)
	m.TimeoutRate = float64(m.TimeoutTasks) / float64(m.TotalTasks)
}

// InstanceConfig holds per-instance execution limits
type InstanceConfig struct {
	TaskTimeoutMs  int64  `json:"task_timeout_ms"`
	WorkDir        string `json:"work_dir,omitempty"`
	MaxTasks       int64  `json:"max_tasks,omitempty"`
	MaxMemoryBytes int64  `json:"max_memory_bytes,omitempty"`
}

// Instance is a supervised child-process slot
type Instance struct {
	ID            string          `json:"id" db:"id"`
	Status        InstanceStatus  `json:"status" db:"status"`
	CurrentTaskID string          `json:"current_task_id,omitempty" db:"current_task_id"`
	Metrics       InstanceMetrics `json:"metrics" db:"-"`
	Config        InstanceConfig  `json:"config" db:"-"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	LastUsedAt    time.Time       `json:"last_used_at,omitempty" db:"last_used_at"`
	LastHeartbeat time.Time       `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`

	// HeartbeatAge is computed on read: now - LastHeartbeat
	HeartbeatAge time.Duration `json:"heartbeat_age,omitempty" db:"-"`
}

// LogKind classifies a task log event
type LogKind string

const (
	LogKindProgress  LogKind = "progress"
	LogKindStatus    LogKind = "status"
	LogKindHeartbeat LogKind = "heartbeat"
	LogKindError     LogKind = "error"
	LogKindMessage   LogKind = "message"
	LogKindSystem    LogKind = "system"
)

// LogLevel is the severity of a task log event
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// TaskLog is an append-only event attached to a task
type TaskLog struct {
	ID         int64          `json:"id" db:"id"`
	TaskID     string         `json:"task_id" db:"task_id"`
	InstanceID string         `json:"instance_id,omitempty" db:"instance_id"`
	Kind       LogKind        `json:"kind" db:"kind"`
	Level      LogLevel       `json:"level" db:"level"`
	Message    string         `json:"message" db:"message"`
	Progress   *int           `json:"progress,omitempty" db:"progress"`
	Status     string         `json:"status,omitempty" db:"status"`
	Timestamp  time.Time      `json:"timestamp" db:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty" db:"-"`
}

// ResultStatus is the terminal outcome recorded in a TaskResult
type ResultStatus string

const (
	ResultStatusSuccess   ResultStatus = "success"
	ResultStatusError     ResultStatus = "error"
	ResultStatusTimeout   ResultStatus = "timeout"
	ResultStatusCancelled ResultStatus = "cancelled"
)

// ResultForTaskStatus maps a terminal task status to its result status
func ResultForTaskStatus(s TaskStatus) ResultStatus {
	switch s {
	case TaskStatusCompleted:
		return ResultStatusSuccess
	case TaskStatusTimeout:
		return ResultStatusTimeout
	case TaskStatusCancelled:
		return ResultStatusCancelled
	default:
		return ResultStatusError
	}
}

// TaskResult is the single terminal record for a task (unique per task id)
type TaskResult struct {
	ID              int64          `json:"id" db:"id"`
	TaskID          string         `json:"task_id" db:"task_id"`
	Status          ResultStatus   `json:"status" db:"status"`
	Output          string         `json:"output" db:"output"`
	Error           string         `json:"error,omitempty" db:"error"`
	ExecutionTimeMs int64          `json:"execution_time_ms" db:"execution_time_ms"`
	Timestamp       time.Time      `json:"timestamp" db:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty" db:"-"`
}

// TelemetryType classifies an instance telemetry sample
type TelemetryType string

const (
	TelemetryHeartbeat   TelemetryType = "heartbeat"
	TelemetryTimeout     TelemetryType = "timeout"
	TelemetryPerformance TelemetryType = "performance"
	TelemetryResource    TelemetryType = "resource"
	TelemetryError       TelemetryType = "error"
)

// TelemetrySample is an append-only instance telemetry row
type TelemetrySample struct {
	ID         int64          `json:"id" db:"id"`
	InstanceID string         `json:"instance_id" db:"instance_id"`
	Type       TelemetryType  `json:"type" db:"type"`
	Timestamp  time.Time      `json:"timestamp" db:"timestamp"`
	Value      float64        `json:"value" db:"value"`
	Metadata   map[string]any `json:"metadata,omitempty" db:"-"`
}

// MetricType identifies a time-series metric stream
type MetricType string

const (
	MetricTaskDuration MetricType = "task_duration"
	MetricTaskCount    MetricType = "task_count"
	MetricTimeoutCount MetricType = "timeout_count"
	MetricErrorCount   MetricType = "error_count"
	MetricCPUUsage     MetricType = "cpu_usage"
	MetricMemoryUsage  MetricType = "memory_usage"
)

// Resolution is the bucket width of a time-series row
type Resolution string

const (
	ResolutionMinute Resolution = "minute"
	ResolutionHour   Resolution = "hour"
	ResolutionDay    Resolution = "day"
	ResolutionMonth  Resolution = "month"
)

// Duration returns the bucket width. Month uses a fixed 30-day width
// for flooring; callers that need calendar months truncate separately.
func (r Resolution) Duration() time.Duration {
	switch r {
	case ResolutionMinute:
		return time.Minute
	case ResolutionHour:
		return time.Hour
	case ResolutionDay:
		return 24 * time.Hour
	case ResolutionMonth:
		return 30 * 24 * time.Hour
	}
	return time.Minute
}

// Finer returns the next finer resolution, or "" for minute
func (r Resolution) Finer() Resolution {
	switch r {
	case ResolutionHour:
		return ResolutionMinute
	case ResolutionDay:
		return ResolutionHour
	case ResolutionMonth:
		return ResolutionDay
	}
	return ""
}

// MetricPoint is a bucketed aggregate in the time-series table.
// The bucket key (Type, Resolution, Timestamp floored to the
// resolution) uniquely identifies a row; rollups merge into it.
type MetricPoint struct {
	ID         int64          `json:"id" db:"id"`
	Type       MetricType     `json:"type" db:"type"`
	Timestamp  time.Time      `json:"timestamp" db:"timestamp"`
	Resolution Resolution     `json:"resolution" db:"resolution"`
	Value      float64        `json:"value" db:"value"`
	Count      int64          `json:"count" db:"count"`
	Min        float64        `json:"min" db:"min"`
	Max        float64        `json:"max" db:"max"`
	Avg        float64        `json:"avg" db:"avg"`
	Sum        float64        `json:"sum" db:"sum"`
	Metadata   map[string]any `json:"metadata,omitempty" db:"-"`

	// TimeBucket is computed on read: Timestamp floored to Resolution
	TimeBucket time.Time `json:"time_bucket,omitempty" db:"-"`
}

// FloorTimestamp floors ts to the start of its bucket at resolution r
func FloorTimestamp(ts time.Time, r Resolution) time.Time {
	return ts.UTC().Truncate(r.Duration())
}
