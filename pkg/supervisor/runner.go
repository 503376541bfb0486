package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/taskwright/taskwright/pkg/config"
	"github.com/taskwright/taskwright/pkg/events"
	"github.com/taskwright/taskwright/pkg/log"
	"github.com/taskwright/taskwright/pkg/metrics"
	"github.com/taskwright/taskwright/pkg/repository"
	"github.com/taskwright/taskwright/pkg/telemetry"
	"github.com/taskwright/taskwright/pkg/types"
)

// termGrace is how long a signalled child gets to exit before SIGKILL
const termGrace = 2 * time.Second

// Runner executes one task per call on a pooled instance: it binds an
// instance, spawns the assistant CLI with the task prompt on stdin,
// supervises the child against the task deadline, and persists the
// terminal outcome.
type Runner struct {
	cfg      *config.Config
	repos    *repository.Repositories
	pool     *Pool
	broker   *events.Broker
	recorder *telemetry.Recorder
	logger   zerolog.Logger
}

// NewRunner creates a runner over a pool
func NewRunner(cfg *config.Config, repos *repository.Repositories, pool *Pool, broker *events.Broker) *Runner {
	return &Runner{
		cfg:      cfg,
		repos:    repos,
		pool:     pool,
		broker:   broker,
		recorder: telemetry.NewRecorder(repos),
		logger:   log.WithComponent("runner"),
	}
}

// Run executes the task to a terminal state and returns its result
// row. A non-nil error means the task could not be executed at all;
// child failures and timeouts come back as result statuses, not
// errors.
func (r *Runner) Run(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	logger := r.logger.With().Str("task_id", task.ID).Logger()

	if ctx.Err() != nil {
		return r.finalize(ctx, task, "", types.ResultStatusCancelled,
			"", "cancelled before start", 0)
	}

	instID, err := r.pool.Acquire(ctx)
	if err != nil {
		if types.KindOf(err) == types.KindCancelled {
			return r.finalize(ctx, task, "", types.ResultStatusCancelled,
				"", "cancelled before start", 0)
		}
		return nil, err
	}

	if err := r.repos.Instances.Bind(ctx, instID, task.ID); err != nil {
		r.pool.Release(instID)
		return nil, err
	}
	task.InstanceID = instID
	metrics.InstancesTotal.WithLabelValues(string(types.InstanceStatusIdle)).Dec()
	metrics.InstancesTotal.WithLabelValues(string(types.InstanceStatusRunning)).Inc()

	if _, err := r.repos.Tasks.Transition(ctx, task.ID, types.TaskStatusRunning); err != nil {
		r.releaseInstance(ctx, instID, types.ResultStatusError, 0)
		return nil, err
	}
	r.appendLog(ctx, task, instID, types.LogKindStatus, types.LogLevelInfo,
		"task started", string(types.TaskStatusRunning))
	r.broker.Publish(&events.Event{
		Type:   events.EventTaskStatus,
		TaskID: task.ID,
		Status: types.TaskStatusRunning,
	})

	started := time.Now()
	cmd, stdout, stderr, err := r.spawn(ctx, task)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled while (re)trying to start; the instance itself
			// is fine, so it goes back to the pool
			return r.finalizeBound(ctx, task, instID, types.ResultStatusCancelled,
				"", "cancelled during startup", time.Since(started))
		}
		logger.Error().Err(err).Msg("Failed to spawn child")
		r.appendLog(ctx, task, instID, types.LogKindError, types.LogLevelError,
			err.Error(), "")
		if _, _, ferr := r.settleTask(ctx, task, types.ResultStatusError,
			"", err.Error(), time.Since(started)); ferr != nil {
			logger.Error().Err(ferr).Msg("Failed to record spawn failure")
		}
		r.repos.Instances.Release(context.WithoutCancel(ctx), instID, types.ResultStatusError, time.Since(started))
		r.pool.Discard(context.WithoutCancel(ctx), instID)
		metrics.InstancesTotal.WithLabelValues(string(types.InstanceStatusRunning)).Dec()
		return nil, err
	}

	logger.Debug().Int("pid", cmd.Process.Pid).Str("instance_id", instID).Msg("Child spawned")

	status, errMsg := r.supervise(ctx, task, instID, cmd)
	elapsed := time.Since(started)

	if status == types.ResultStatusError {
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			errMsg = errMsg + ": " + tail
		}
	}
	return r.finalizeBound(ctx, task, instID, status, stdout.String(), errMsg, elapsed)
}

// spawn starts the assistant CLI, retrying start failures with a
// linear delay. Failures after a successful start never retry.
func (r *Runner) spawn(ctx context.Context, task *types.Task) (*exec.Cmd, *tailBuffer, *tailBuffer, error) {
	stdout := &tailBuffer{}
	stderr := &tailBuffer{}

	var cmd *exec.Cmd
	attempt := 0
	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(time.Duration(r.cfg.RetryDelayMs)*time.Millisecond),
		uint64(r.cfg.MaxRetries))

	err := backoff.Retry(func() error {
		if attempt > 0 {
			metrics.SpawnRetries.Inc()
		}
		attempt++

		c := exec.Command(r.cfg.ClaudeBin)
		c.Dir = task.WorkDir
		c.Stdout = stdout
		c.Stderr = stderr
		// Orphaned grandchildren holding the stdio pipes must not pin
		// Wait past the grace period
		c.WaitDelay = termGrace
		stdin, err := c.StdinPipe()
		if err != nil {
			return err
		}
		if err := c.Start(); err != nil {
			stdin.Close()
			return err
		}
		// The prompt travels on stdin; closing it signals end of input
		if _, err := io.WriteString(stdin, task.Prompt); err != nil {
			stdin.Close()
			c.Process.Kill()
			c.Wait()
			return backoff.Permanent(err)
		}
		stdin.Close()
		cmd = c
		return nil
	}, backoff.WithContext(policy, ctx))

	if err != nil {
		return nil, nil, nil, types.WrapError(types.KindSpawnFailed, err,
			"failed to start %s after %d attempts", r.cfg.ClaudeBin, attempt)
	}
	return cmd, stdout, stderr, nil
}

// supervise waits for the child to exit while emitting heartbeats,
// enforcing the task deadline, and honoring cancellation.
func (r *Runner) supervise(ctx context.Context, task *types.Task, instID string, cmd *exec.Cmd) (types.ResultStatus, string) {
	timeoutMs := task.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = r.cfg.ExecutionTimeoutMs
	}
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	started := time.Now()
	for {
		select {
		case err := <-waitCh:
			if err == nil || errors.Is(err, exec.ErrWaitDelay) {
				return types.ResultStatusSuccess, ""
			}
			var exit *exec.ExitError
			if errors.As(err, &exit) {
				return types.ResultStatusError, fmt.Sprintf("child exited with code %d", exit.ExitCode())
			}
			return types.ResultStatusError, err.Error()

		case <-ticker.C:
			r.heartbeat(ctx, task, instID, time.Since(started))

		case <-timer.C:
			r.terminate(cmd, waitCh)
			r.warnTelemetry(instID, r.recorder.Timeout(ctx, instID, task.ID, timeoutMs))
			return types.ResultStatusTimeout, fmt.Sprintf("execution exceeded %dms", timeoutMs)

		case <-ctx.Done():
			r.terminate(cmd, waitCh)
			return types.ResultStatusCancelled, "cancelled"
		}
	}
}

// terminate asks the child to exit and kills it after the grace period
func (r *Runner) terminate(cmd *exec.Cmd, waitCh <-chan error) {
	if cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitCh:
	case <-time.After(termGrace):
		cmd.Process.Kill()
		<-waitCh
	}
}

func (r *Runner) heartbeat(ctx context.Context, task *types.Task, instID string, elapsed time.Duration) {
	if err := r.repos.Instances.Heartbeat(ctx, instID); err != nil {
		r.logger.Warn().Err(err).Str("instance_id", instID).Msg("Failed to record heartbeat")
		return
	}
	r.warnTelemetry(instID, r.recorder.Heartbeat(ctx, instID, task.ID, elapsed))
	l := r.appendLog(ctx, task, instID, types.LogKindHeartbeat, types.LogLevelDebug,
		fmt.Sprintf("running for %s", elapsed.Round(time.Second)), "")
	if l != nil {
		r.broker.Publish(&events.Event{Type: events.EventTaskLog, TaskID: task.ID, Log: l})
	}
	metrics.HeartbeatsEmitted.Inc()
}

// finalizeBound settles the task and releases its bound instance
func (r *Runner) finalizeBound(ctx context.Context, task *types.Task, instID string, status types.ResultStatus, output, errMsg string, elapsed time.Duration) (*types.TaskResult, error) {
	result, applied, err := r.settleTask(ctx, task, status, output, errMsg, elapsed)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Another writer already settled this task (cancel racing
		// completion, timeout racing cancel); their result stands.
		if existing, rerr := r.repos.Results.ForTask(context.WithoutCancel(ctx), task.ID); rerr == nil {
			result = existing
		}
	}
	r.releaseInstance(ctx, instID, status, elapsed)
	metrics.InstancesTotal.WithLabelValues(string(types.InstanceStatusRunning)).Dec()
	metrics.InstancesTotal.WithLabelValues(string(types.InstanceStatusIdle)).Inc()
	metrics.ChildDuration.Observe(elapsed.Seconds())
	if status != types.ResultStatusSuccess {
		metrics.TasksFailed.Inc()
	}
	return result, nil
}

// finalize settles a task that never bound an instance
func (r *Runner) finalize(ctx context.Context, task *types.Task, instID string, status types.ResultStatus, output, errMsg string, elapsed time.Duration) (*types.TaskResult, error) {
	result, _, err := r.settleTask(ctx, task, status, output, errMsg, elapsed)
	return result, err
}

// settleTask transitions the task terminal, writes the result row, and
// publishes the completion event. Runs on a detached context so a
// cancelled caller still gets its bookkeeping done.
func (r *Runner) settleTask(ctx context.Context, task *types.Task, status types.ResultStatus, output, errMsg string, elapsed time.Duration) (*types.TaskResult, bool, error) {
	dctx := context.WithoutCancel(ctx)

	var target types.TaskStatus
	switch status {
	case types.ResultStatusSuccess:
		target = types.TaskStatusCompleted
	case types.ResultStatusTimeout:
		target = types.TaskStatusTimeout
	case types.ResultStatusCancelled:
		target = types.TaskStatusCancelled
	default:
		target = types.TaskStatusFailed
	}

	applied, err := r.repos.Tasks.Transition(dctx, task.ID, target)
	if err != nil {
		return nil, false, err
	}

	result, err := r.repos.Results.Create(dctx, &types.TaskResult{
		TaskID:          task.ID,
		Status:          status,
		Output:          output,
		Error:           errMsg,
		ExecutionTimeMs: elapsed.Milliseconds(),
	})
	if err != nil {
		return nil, applied, err
	}

	kind := types.LogKindStatus
	level := types.LogLevelInfo
	msg := "task completed"
	eventType := events.EventTaskCompleted
	if status != types.ResultStatusSuccess {
		kind = types.LogKindError
		level = types.LogLevelError
		msg = errMsg
		eventType = events.EventTaskFailed
		if status != types.ResultStatusError {
			level = types.LogLevelWarn
		}
	}
	r.appendLog(dctx, task, task.InstanceID, kind, level, msg, string(target))
	r.broker.Publish(&events.Event{Type: eventType, TaskID: task.ID, Status: target})

	if task.InstanceID != "" {
		if status == types.ResultStatusError {
			r.warnTelemetry(task.InstanceID, r.recorder.Error(dctx, task.InstanceID, task.ID))
		}
		r.warnTelemetry(task.InstanceID, r.recorder.Performance(dctx, task.InstanceID, task.ID, elapsed))
	}
	return result, applied, nil
}

func (r *Runner) releaseInstance(ctx context.Context, instID string, status types.ResultStatus, elapsed time.Duration) {
	dctx := context.WithoutCancel(ctx)
	if err := r.repos.Instances.Release(dctx, instID, status, elapsed); err != nil {
		r.logger.Warn().Err(err).Str("instance_id", instID).Msg("Failed to release instance")
	}
	r.pool.Release(instID)
}

func (r *Runner) appendLog(ctx context.Context, task *types.Task, instID string, kind types.LogKind, level types.LogLevel, msg, status string) *types.TaskLog {
	l, err := r.repos.Logs.Append(ctx, &types.TaskLog{
		TaskID:     task.ID,
		InstanceID: instID,
		Kind:       kind,
		Level:      level,
		Message:    msg,
		Status:     status,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to append task log")
		return nil
	}
	return l
}

func (r *Runner) warnTelemetry(instID string, err error) {
	if err != nil {
		r.logger.Warn().Err(err).Str("instance_id", instID).Msg("Failed to append telemetry")
	}
}
