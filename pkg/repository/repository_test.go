package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskwright/taskwright/pkg/log"
	"github.com/taskwright/taskwright/pkg/storage"
	"github.com/taskwright/taskwright/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func testRepos(t *testing.T) *Repositories {
	t.Helper()
	store, err := storage.Open(storage.Config{
		Path:                filepath.Join(t.TempDir(), "test.db"),
		MinConnections:      1,
		MaxConnections:      4,
		ConnectionTimeoutMs: 2000,
		BusyTimeoutMs:       1000,
		SchemaVersion:       1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func createTask(t *testing.T, repos *Repositories, id string) *types.Task {
	t.Helper()
	task, err := repos.Tasks.Create(context.Background(), &types.Task{
		ID:        id,
		Name:      "name of " + id,
		Prompt:    "prompt",
		TimeoutMs: 60000,
	})
	require.NoError(t, err)
	return task
}

// TestTaskCreateDefaults tests defaulting and deadline derivation
func TestTaskCreateDefaults(t *testing.T) {
	repos := testRepos(t)
	ctx := context.Background()

	task := createTask(t, repos, "t1")
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Equal(t, types.TaskPriorityMedium, task.Priority)
	assert.Equal(t, types.ExecutionModeSequential, task.ExecutionMode)
	assert.False(t, task.Deadline.IsZero())

	got, err := repos.Tasks.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "prompt", got.Prompt)
	assert.WithinDuration(t, task.Deadline, got.Deadline, time.Second)
}

// TestTaskUpdatePartial tests that only named fields change
func TestTaskUpdatePartial(t *testing.T) {
	repos := testRepos(t)
	ctx := context.Background()
	createTask(t, repos, "t1")

	progress := 42
	require.NoError(t, repos.Tasks.Update(ctx, "t1", TaskUpdate{Progress: &progress}))

	got, err := repos.Tasks.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 42, got.Progress)
	assert.Equal(t, "name of t1", got.Name)
	assert.Equal(t, "prompt", got.Prompt)
}

// TestTaskDelete tests cascade delete and missing-row no-op
func TestTaskDelete(t *testing.T) {
	repos := testRepos(t)
	ctx := context.Background()

	root := createTask(t, repos, "root")
	child, err := repos.Tasks.Create(ctx, &types.Task{ID: "root-1", ParentID: root.ID, Prompt: "p"})
	require.NoError(t, err)
	_, err = repos.Logs.Append(ctx, &types.TaskLog{TaskID: child.ID, Kind: types.LogKindMessage, Message: "hi"})
	require.NoError(t, err)

	changes, err := repos.Tasks.Delete(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), changes)

	// Children and their logs cascade away
	_, err = repos.Tasks.GetByID(ctx, child.ID)
	assert.True(t, IsNotFound(err))
	logs, err := repos.Logs.ByTask(ctx, child.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, logs)

	changes, err = repos.Tasks.Delete(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), changes)
}

// TestTaskTransition tests the state machine end to end
func TestTaskTransition(t *testing.T) {
	repos := testRepos(t)
	ctx := context.Background()
	createTask(t, repos, "t1")

	applied, err := repos.Tasks.Transition(ctx, "t1", types.TaskStatusRunning)
	require.NoError(t, err)
	assert.True(t, applied)

	got, _ := repos.Tasks.GetByID(ctx, "t1")
	assert.Equal(t, types.TaskStatusRunning, got.Status)
	assert.False(t, got.StartedAt.IsZero())

	// Repeating the same transition is an applied=false no-op
	applied, err = repos.Tasks.Transition(ctx, "t1", types.TaskStatusRunning)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = repos.Tasks.Transition(ctx, "t1", types.TaskStatusCompleted)
	require.NoError(t, err)
	assert.True(t, applied)

	got, _ = repos.Tasks.GetByID(ctx, "t1")
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.False(t, got.CompletedAt.IsZero())

	// Terminal states reject further transitions without error
	applied, err = repos.Tasks.Transition(ctx, "t1", types.TaskStatusFailed)
	require.NoError(t, err)
	assert.False(t, applied)

	got, _ = repos.Tasks.GetByID(ctx, "t1")
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
}

// TestTaskTransitionIllegal tests rejection of pending -> completed
func TestTaskTransitionIllegal(t *testing.T) {
	repos := testRepos(t)
	createTask(t, repos, "t1")

	_, err := repos.Tasks.Transition(context.Background(), "t1", types.TaskStatusCompleted)
	assert.Error(t, err)
}

// TestTaskTransitionTimeoutGuard tests that cancel and timeout race to
// a single winner
func TestTaskTransitionTimeoutGuard(t *testing.T) {
	repos := testRepos(t)
	ctx := context.Background()
	createTask(t, repos, "t1")

	_, err := repos.Tasks.Transition(ctx, "t1", types.TaskStatusRunning)
	require.NoError(t, err)

	applied, err := repos.Tasks.Transition(ctx, "t1", types.TaskStatusTimeout)
	require.NoError(t, err)
	assert.True(t, applied)

	// The loser of the race is swallowed, not errored
	applied, err = repos.Tasks.Transition(ctx, "t1", types.TaskStatusCancelled)
	require.NoError(t, err)
	assert.False(t, applied)

	got, _ := repos.Tasks.GetByID(ctx, "t1")
	assert.Equal(t, types.TaskStatusTimeout, got.Status)
	assert.True(t, got.TimeoutHandled)
}

// TestTaskTransitionFreezesProgress tests progress freezing on
// non-success terminal states
func TestTaskTransitionFreezesProgress(t *testing.T) {
	repos := testRepos(t)
	ctx := context.Background()
	createTask(t, repos, "t1")

	_, err := repos.Tasks.Transition(ctx, "t1", types.TaskStatusRunning)
	require.NoError(t, err)
	progress := 37
	require.NoError(t, repos.Tasks.Update(ctx, "t1", TaskUpdate{Progress: &progress}))

	_, err = repos.Tasks.Transition(ctx, "t1", types.TaskStatusFailed)
	require.NoError(t, err)

	got, _ := repos.Tasks.GetByID(ctx, "t1")
	assert.Equal(t, 37, got.Progress)
}

// TestTaskSearch tests FTS-backed search
func TestTaskSearch(t *testing.T) {
	repos := testRepos(t)
	ctx := context.Background()

	_, err := repos.Tasks.Create(ctx, &types.Task{ID: "a", Name: "Fix authentication", Prompt: "tokens"})
	require.NoError(t, err)
	_, err = repos.Tasks.Create(ctx, &types.Task{ID: "b", Name: "Write docs", Prompt: "readme"})
	require.NoError(t, err)

	hits, err := repos.Tasks.Search(ctx, "authentication")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}

// TestResultUnique tests that the first result row wins per task
func TestResultUnique(t *testing.T) {
	repos := testRepos(t)
	ctx := context.Background()
	createTask(t, repos, "t1")

	first, err := repos.Results.Create(ctx, &types.TaskResult{
		TaskID: "t1", Status: types.ResultStatusSuccess, Output: "first",
	})
	require.NoError(t, err)
	assert.NotZero(t, first.ID)

	// A second write is silently ignored and must not pick up the
	// first insert's row id
	second, err := repos.Results.Create(ctx, &types.TaskResult{
		TaskID: "t1", Status: types.ResultStatusError, Output: "second",
	})
	require.NoError(t, err)
	assert.Zero(t, second.ID)

	got, err := repos.Results.ForTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.ResultStatusSuccess, got.Status)
	assert.Equal(t, "first", got.Output)
}

// TestLogsWindow tests log ordering and time filtering
func TestLogsWindow(t *testing.T) {
	repos := testRepos(t)
	ctx := context.Background()
	createTask(t, repos, "t1")

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		_, err := repos.Logs.Append(ctx, &types.TaskLog{
			TaskID:    "t1",
			Kind:      types.LogKindProgress,
			Message:   "step",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	all, err := repos.Logs.ByTask(ctx, "t1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Timestamp.Before(all[2].Timestamp))

	windowed, err := repos.Logs.ByTask(ctx, "t1", base.Add(30*time.Second), base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Len(t, windowed, 1)
}

// TestInstanceBindRelease tests exclusive binding and metric folding
func TestInstanceBindRelease(t *testing.T) {
	repos := testRepos(t)
	ctx := context.Background()
	createTask(t, repos, "t1")

	inst, err := repos.Instances.Create(ctx, &types.Instance{ID: "i1"})
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusIdle, inst.Status)

	require.NoError(t, repos.Instances.Bind(ctx, "i1", "t1"))

	got, err := repos.Instances.GetByID(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusRunning, got.Status)
	assert.Equal(t, "t1", got.CurrentTaskID)

	// Double bind fails: the instance is no longer idle
	err = repos.Instances.Bind(ctx, "i1", "t1")
	require.Error(t, err)
	assert.Equal(t, types.KindAlreadyRunning, types.KindOf(err))

	require.NoError(t, repos.Instances.Release(ctx, "i1", types.ResultStatusSuccess, 250*time.Millisecond))

	got, err = repos.Instances.GetByID(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusIdle, got.Status)
	assert.Empty(t, got.CurrentTaskID)
	assert.Equal(t, int64(1), got.Metrics.TotalTasks)
	assert.Equal(t, int64(1), got.Metrics.SuccessfulTasks)
	assert.Equal(t, 250*time.Millisecond, got.Metrics.LastTaskTime)
}

// TestTelemetryAggregate tests windowed aggregation
func TestTelemetryAggregate(t *testing.T) {
	repos := testRepos(t)
	ctx := context.Background()

	_, err := repos.Instances.Create(ctx, &types.Instance{ID: "i1"})
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	for i, v := range []float64{10, 20, 30} {
		require.NoError(t, repos.Telemetry.Append(ctx, &types.TelemetrySample{
			InstanceID: "i1",
			Type:       types.TelemetryPerformance,
			Value:      v,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	agg, err := repos.Telemetry.AggregateTelemetry(ctx, "i1", types.TelemetryPerformance,
		base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), agg.Count)
	assert.Equal(t, float64(60), agg.Sum)
	assert.Equal(t, float64(10), agg.Min)
	assert.Equal(t, float64(30), agg.Max)
	assert.Equal(t, float64(20), agg.Avg)
}

// TestMetricMergeIdempotent tests the bucketed upsert
func TestMetricMergeIdempotent(t *testing.T) {
	repos := testRepos(t)
	ctx := context.Background()

	ts := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
	point := &types.MetricPoint{
		Type:       types.MetricTaskDuration,
		Timestamp:  ts,
		Resolution: types.ResolutionMinute,
		Count:      3,
		Sum:        90,
		Min:        10,
		Max:        50,
	}
	require.NoError(t, repos.Metrics.Merge(ctx, point))
	require.NoError(t, repos.Metrics.Merge(ctx, point))

	bucket := types.FloorTimestamp(ts, types.ResolutionMinute)
	points, err := repos.Metrics.Range(ctx, types.MetricTaskDuration, types.ResolutionMinute,
		bucket, bucket.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, int64(3), points[0].Count)
	assert.Equal(t, float64(90), points[0].Sum)
	assert.Equal(t, float64(30), points[0].Avg)
}

// TestSubtasks tests sub-task persistence and status mirroring
func TestSubtasks(t *testing.T) {
	repos := testRepos(t)
	ctx := context.Background()
	createTask(t, repos, "root")

	require.NoError(t, repos.Subtasks.Create(ctx, &types.SubTask{
		ID: "root-1", ParentID: "root", Index: 1, Name: "first",
	}))
	require.NoError(t, repos.Subtasks.Create(ctx, &types.SubTask{
		ID: "root-2", ParentID: "root", Index: 2, Name: "second",
		Dependencies: []string{"root-1"},
	}))

	subs, err := repos.Subtasks.ByParent(ctx, "root")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "root-1", subs[0].ID)
	assert.Equal(t, []string{"root-1"}, subs[1].Dependencies)

	require.NoError(t, repos.Subtasks.SetStatus(ctx, "root-1", "root", types.TaskStatusCompleted, 100))
}
