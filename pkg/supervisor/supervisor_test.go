package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskwright/taskwright/pkg/config"
	"github.com/taskwright/taskwright/pkg/events"
	"github.com/taskwright/taskwright/pkg/log"
	"github.com/taskwright/taskwright/pkg/repository"
	"github.com/taskwright/taskwright/pkg/storage"
	"github.com/taskwright/taskwright/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type harness struct {
	cfg    *config.Config
	repos  *repository.Repositories
	broker *events.Broker
	pool   *Pool
	runner *Runner
}

func newHarness(t *testing.T, script string) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	cfg.HeartbeatIntervalMs = 100
	cfg.MaxRetries = 1
	cfg.RetryDelayMs = 10
	cfg.ClaudeBin = writeStub(t, script)

	store, err := storage.Open(storage.Config{
		Path:                cfg.DBPath,
		MinConnections:      1,
		MaxConnections:      4,
		ConnectionTimeoutMs: 2000,
		BusyTimeoutMs:       1000,
		SchemaVersion:       1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repos := repository.New(store)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	pool := NewPool(repos, broker, 2)
	return &harness{
		cfg:    cfg,
		repos:  repos,
		broker: broker,
		pool:   pool,
		runner: NewRunner(cfg, repos, pool, broker),
	}
}

// writeStub writes an executable shell script standing in for the
// assistant CLI
func writeStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func (h *harness) createTask(t *testing.T, id string, timeoutMs int64) *types.Task {
	t.Helper()
	task, err := h.repos.Tasks.Create(context.Background(), &types.Task{
		ID:        id,
		Name:      id,
		Prompt:    "do the thing",
		TimeoutMs: timeoutMs,
	})
	require.NoError(t, err)
	return task
}

// TestRunSuccess tests a clean child exit
func TestRunSuccess(t *testing.T) {
	h := newHarness(t, "cat >/dev/null\necho task output\n")
	task := h.createTask(t, "t1", 30000)

	result, err := h.runner.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, types.ResultStatusSuccess, result.Status)
	assert.Contains(t, result.Output, "task output")

	got, err := h.repos.Tasks.GetByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	// The instance went back to idle with the outcome folded in
	inst, err := h.repos.Instances.GetByID(context.Background(), got.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusIdle, inst.Status)
	assert.Equal(t, int64(1), inst.Metrics.TotalTasks)
	assert.Equal(t, int64(1), inst.Metrics.SuccessfulTasks)
}

// TestRunFailure tests a non-zero child exit
func TestRunFailure(t *testing.T) {
	h := newHarness(t, "cat >/dev/null\nexit 3\n")
	task := h.createTask(t, "t1", 30000)

	result, err := h.runner.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, types.ResultStatusError, result.Status)
	assert.Contains(t, result.Error, "exited with code 3")

	got, _ := h.repos.Tasks.GetByID(context.Background(), "t1")
	assert.Equal(t, types.TaskStatusFailed, got.Status)
}

// TestRunTimeout tests deadline enforcement and the kill dance
func TestRunTimeout(t *testing.T) {
	h := newHarness(t, "cat >/dev/null\nsleep 30\n")
	task := h.createTask(t, "t1", 300)

	started := time.Now()
	result, err := h.runner.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, types.ResultStatusTimeout, result.Status)
	// Deadline plus grace, not the child's sleep
	assert.Less(t, time.Since(started), 10*time.Second)

	got, _ := h.repos.Tasks.GetByID(context.Background(), "t1")
	assert.Equal(t, types.TaskStatusTimeout, got.Status)
	assert.True(t, got.TimeoutHandled)

	// A timeout telemetry sample was recorded
	samples, err := h.repos.Telemetry.ByWindow(context.Background(), types.TelemetryTimeout,
		started.UTC().Add(-time.Minute), time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, samples)
}

// TestRunCancel tests cancellation of a running child
func TestRunCancel(t *testing.T) {
	h := newHarness(t, "cat >/dev/null\nsleep 30\n")
	task := h.createTask(t, "t1", 60000)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	result, err := h.runner.Run(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, types.ResultStatusCancelled, result.Status)
	assert.Less(t, time.Since(started), 10*time.Second)

	got, _ := h.repos.Tasks.GetByID(context.Background(), "t1")
	assert.Equal(t, types.TaskStatusCancelled, got.Status)
}

// TestRunCancelBeforeStart tests that cancel during startup never
// reports failed
func TestRunCancelBeforeStart(t *testing.T) {
	h := newHarness(t, "echo never runs\n")
	task := h.createTask(t, "t1", 60000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.runner.Run(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, types.ResultStatusCancelled, result.Status)

	got, _ := h.repos.Tasks.GetByID(context.Background(), "t1")
	assert.Equal(t, types.TaskStatusCancelled, got.Status)
}

// TestRunHeartbeats tests heartbeat logs and telemetry during execution
func TestRunHeartbeats(t *testing.T) {
	h := newHarness(t, "cat >/dev/null\nsleep 0.5\n")
	task := h.createTask(t, "t1", 30000)

	_, err := h.runner.Run(context.Background(), task)
	require.NoError(t, err)

	logs, err := h.repos.Logs.ByTask(context.Background(), "t1", time.Time{}, time.Time{})
	require.NoError(t, err)

	heartbeats := 0
	for _, l := range logs {
		if l.Kind == types.LogKindHeartbeat {
			heartbeats++
		}
	}
	assert.GreaterOrEqual(t, heartbeats, 2)

	got, _ := h.repos.Tasks.GetByID(context.Background(), "t1")
	inst, err := h.repos.Instances.GetByID(context.Background(), got.InstanceID)
	require.NoError(t, err)
	assert.False(t, inst.LastHeartbeat.IsZero())
}

// TestRunSpawnFailed tests retry exhaustion on an unstartable binary
func TestRunSpawnFailed(t *testing.T) {
	h := newHarness(t, "")
	h.cfg.ClaudeBin = filepath.Join(t.TempDir(), "no-such-binary")
	task := h.createTask(t, "t1", 30000)

	_, err := h.runner.Run(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, types.KindSpawnFailed, types.KindOf(err))

	got, _ := h.repos.Tasks.GetByID(context.Background(), "t1")
	assert.Equal(t, types.TaskStatusFailed, got.Status)

	result, err := h.repos.Results.ForTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, types.ResultStatusError, result.Status)
}

// TestRunCancelDuringSpawnRetry tests that cancel while the spawn is
// still retrying reports cancelled, not failed
func TestRunCancelDuringSpawnRetry(t *testing.T) {
	h := newHarness(t, "")
	h.cfg.ClaudeBin = filepath.Join(t.TempDir(), "no-such-binary")
	h.cfg.MaxRetries = 100
	h.cfg.RetryDelayMs = 50
	task := h.createTask(t, "t1", 30000)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	result, err := h.runner.Run(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, types.ResultStatusCancelled, result.Status)

	got, _ := h.repos.Tasks.GetByID(context.Background(), "t1")
	assert.Equal(t, types.TaskStatusCancelled, got.Status)
}

// TestPoolReuse tests warm instance reuse, most recent first
func TestPoolReuse(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	first, err := h.pool.Acquire(ctx)
	require.NoError(t, err)
	second, err := h.pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	h.pool.Release(first)
	h.pool.Release(second)

	// Most recently released comes back first
	got, err := h.pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	total, idle, waiting := h.pool.Stats()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, idle)
	assert.Equal(t, 0, waiting)
}

// TestPoolCapBlocks tests FIFO waiting past the cap
func TestPoolCapBlocks(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	a, err := h.pool.Acquire(ctx)
	require.NoError(t, err)
	_, err = h.pool.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan string, 1)
	go func() {
		id, err := h.pool.Acquire(ctx)
		if err == nil {
			acquired <- id
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should block at the cap")
	case <-time.After(200 * time.Millisecond):
	}

	h.pool.Release(a)
	select {
	case id := <-acquired:
		assert.Equal(t, a, id)
	case <-time.After(time.Second):
		t.Fatal("release did not wake the waiter")
	}
}

// TestPoolAcquireCancelled tests giving up while queued
func TestPoolAcquireCancelled(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	_, err := h.pool.Acquire(ctx)
	require.NoError(t, err)
	_, err = h.pool.Acquire(ctx)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = h.pool.Acquire(waitCtx)
	require.Error(t, err)
	assert.Equal(t, types.KindCancelled, types.KindOf(err))

	_, _, waiting := h.pool.Stats()
	assert.Equal(t, 0, waiting)
}

// TestPoolShutdown tests that shutdown terminates instances and fails
// new acquires
func TestPoolShutdown(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	id, err := h.pool.Acquire(ctx)
	require.NoError(t, err)
	h.pool.Release(id)

	require.NoError(t, h.pool.Shutdown(ctx))

	inst, err := h.repos.Instances.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusTerminated, inst.Status)

	_, err = h.pool.Acquire(ctx)
	assert.Error(t, err)
}
