package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTaskStatusTransitions tests the task state machine
func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{"pending to running", TaskStatusPending, TaskStatusRunning, true},
		{"pending to cancelled", TaskStatusPending, TaskStatusCancelled, true},
		{"pending to timeout", TaskStatusPending, TaskStatusTimeout, true},
		{"pending to completed", TaskStatusPending, TaskStatusCompleted, false},
		{"pending to failed", TaskStatusPending, TaskStatusFailed, false},
		{"running to completed", TaskStatusRunning, TaskStatusCompleted, true},
		{"running to failed", TaskStatusRunning, TaskStatusFailed, true},
		{"running to cancelled", TaskStatusRunning, TaskStatusCancelled, true},
		{"running to timeout", TaskStatusRunning, TaskStatusTimeout, true},
		{"running to pending", TaskStatusRunning, TaskStatusPending, false},
		{"completed is terminal", TaskStatusCompleted, TaskStatusRunning, false},
		{"failed is terminal", TaskStatusFailed, TaskStatusCancelled, false},
		{"cancelled is terminal", TaskStatusCancelled, TaskStatusRunning, false},
		{"timeout is terminal", TaskStatusTimeout, TaskStatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

// TestTaskStatusIsTerminal tests terminal status detection
func TestTaskStatusIsTerminal(t *testing.T) {
	assert.False(t, TaskStatusPending.IsTerminal())
	assert.False(t, TaskStatusRunning.IsTerminal())
	assert.True(t, TaskStatusCompleted.IsTerminal())
	assert.True(t, TaskStatusFailed.IsTerminal())
	assert.True(t, TaskStatusCancelled.IsTerminal())
	assert.True(t, TaskStatusTimeout.IsTerminal())
}

// TestInstanceMetricsRecord tests the rolling metrics invariant
func TestInstanceMetricsRecord(t *testing.T) {
	var m InstanceMetrics

	m.Record(ResultStatusSuccess, 100*time.Millisecond)
	m.Record(ResultStatusSuccess, 300*time.Millisecond)
	m.Record(ResultStatusError, 200*time.Millisecond)
	m.Record(ResultStatusTimeout, 400*time.Millisecond)
	m.Record(ResultStatusCancelled, 50*time.Millisecond)

	// Total always equals the sum of the per-outcome counters
	assert.Equal(t, m.TotalTasks,
		m.SuccessfulTasks+m.FailedTasks+m.TimeoutTasks+m.CancelledTasks)
	assert.Equal(t, int64(5), m.TotalTasks)
	assert.Equal(t, int64(2), m.SuccessfulTasks)
	assert.Equal(t, int64(1), m.FailedTasks)
	assert.Equal(t, int64(1), m.TimeoutTasks)
	assert.Equal(t, int64(1), m.CancelledTasks)

	assert.Equal(t, 50*time.Millisecond, m.LastTaskTime)
	assert.Equal(t, 1050*time.Millisecond, m.CumulativeTime)
	assert.Equal(t, 210*time.Millisecond, m.AvgTaskTime)
	assert.InDelta(t, 0.2, m.ErrorRate, 1e-9)
	assert.InDelta(t, 0.2, m.TimeoutRate, 1e-9)
}

// TestResultForTaskStatus tests the terminal status to result mapping
func TestResultForTaskStatus(t *testing.T) {
	assert.Equal(t, ResultStatusSuccess, ResultForTaskStatus(TaskStatusCompleted))
	assert.Equal(t, ResultStatusError, ResultForTaskStatus(TaskStatusFailed))
	assert.Equal(t, ResultStatusTimeout, ResultForTaskStatus(TaskStatusTimeout))
	assert.Equal(t, ResultStatusCancelled, ResultForTaskStatus(TaskStatusCancelled))
}

// TestFloorTimestamp tests bucket flooring across resolutions
func TestFloorTimestamp(t *testing.T) {
	ts := time.Date(2025, 3, 15, 14, 37, 42, 123456789, time.UTC)

	assert.Equal(t, time.Date(2025, 3, 15, 14, 37, 0, 0, time.UTC),
		FloorTimestamp(ts, ResolutionMinute))
	assert.Equal(t, time.Date(2025, 3, 15, 14, 0, 0, 0, time.UTC),
		FloorTimestamp(ts, ResolutionHour))
	assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
		FloorTimestamp(ts, ResolutionDay))
}

// TestResolutionFiner tests the rollup resolution chain
func TestResolutionFiner(t *testing.T) {
	assert.Equal(t, ResolutionDay, ResolutionMonth.Finer())
	assert.Equal(t, ResolutionHour, ResolutionDay.Finer())
	assert.Equal(t, ResolutionMinute, ResolutionHour.Finer())
	assert.Equal(t, Resolution(""), ResolutionMinute.Finer())
}

// TestErrorKinds tests typed error construction and matching
func TestErrorKinds(t *testing.T) {
	base := NewError(KindNotFound, "task %s not found", "abc")
	require.EqualError(t, base, "not-found: task abc not found")
	assert.Equal(t, KindNotFound, KindOf(base))

	wrapped := WrapError(KindMigrationFailed, base, "migration 3")
	assert.Equal(t, KindMigrationFailed, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, base)

	assert.Equal(t, KindInternal, KindOf(assert.AnError))
}

// TestWireCode tests the error kind to transport code mapping
func TestWireCode(t *testing.T) {
	assert.Equal(t, "invalid-input", WireCode(KindMalformedInput))
	assert.Equal(t, "invalid-input", WireCode(KindAmbiguousDependency))
	assert.Equal(t, "unknown-tool", WireCode(KindUnknownTool))
	assert.Equal(t, "acquire-timeout", WireCode(KindAcquireTimeout))
	assert.Equal(t, "internal", WireCode(KindCancelled))
}
