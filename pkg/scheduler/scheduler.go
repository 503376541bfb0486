package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskwright/taskwright/pkg/config"
	"github.com/taskwright/taskwright/pkg/events"
	"github.com/taskwright/taskwright/pkg/log"
	"github.com/taskwright/taskwright/pkg/metrics"
	"github.com/taskwright/taskwright/pkg/parser"
	"github.com/taskwright/taskwright/pkg/repository"
	"github.com/taskwright/taskwright/pkg/supervisor"
	"github.com/taskwright/taskwright/pkg/types"
)

// Engine drives task graphs to completion. It persists the graph,
// dispatches children as their dependencies settle, cascades
// dependency failures, and reduces child outcomes into the root's
// terminal state and result.
type Engine struct {
	cfg    *config.Config
	repos  *repository.Repositories
	runner *supervisor.Runner
	broker *events.Broker
	logger zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a scheduler engine
func New(cfg *config.Config, repos *repository.Repositories, runner *supervisor.Runner, broker *events.Broker) *Engine {
	return &Engine{
		cfg:     cfg,
		repos:   repos,
		runner:  runner,
		broker:  broker,
		logger:  log.WithComponent("scheduler"),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Execute runs a parsed graph to a terminal state and returns the root
// result. It blocks until every child has settled.
func (e *Engine) Execute(ctx context.Context, graph *parser.Graph) (*types.TaskResult, error) {
	if err := validateAcyclic(graph.SubTasks); err != nil {
		return nil, err
	}

	root, children, err := e.persistGraph(ctx, graph)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, root, graph.SubTasks, children)
}

// Resume picks up a persisted graph by its root id: a pending root is
// scheduled in place, a settled root is re-run from scratch, and a
// running root is rejected.
func (e *Engine) Resume(ctx context.Context, rootID string) (*types.TaskResult, error) {
	root, err := e.repos.Tasks.GetByID(ctx, rootID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, types.NewError(types.KindNotFound, "task %s not found", rootID)
		}
		return nil, err
	}
	if root.ParentID != "" {
		return nil, types.NewError(types.KindInvalidInput, "task %s is not a root task", rootID)
	}
	if root.Status == types.TaskStatusRunning {
		return nil, types.NewError(types.KindAlreadyRunning, "task %s is already running", rootID)
	}

	subs, err := e.repos.Subtasks.ByParent(ctx, rootID)
	if err != nil {
		return nil, err
	}
	childRows, err := e.repos.Tasks.ByParent(ctx, rootID)
	if err != nil {
		return nil, err
	}
	children := make(map[string]*types.Task, len(childRows))
	for _, child := range childRows {
		children[child.ID] = child
	}
	// Sub-task rows carry only graph structure; execution fields live
	// on the child task rows
	for _, st := range subs {
		if child, ok := children[st.ID]; ok {
			st.Prompt = child.Prompt
			st.ExecutionMode = child.ExecutionMode
			st.Priority = child.Priority
			st.TimeoutMs = child.TimeoutMs
			st.Metadata = child.Metadata
		}
	}

	if root.Status.IsTerminal() {
		root.Status = types.TaskStatusPending
		root.Progress = 0
		root.InstanceID = ""
		return e.Execute(ctx, &parser.Graph{Root: root, SubTasks: subs})
	}
	return e.execute(ctx, root, subs, children)
}

// execute drives a persisted graph to a terminal state
func (e *Engine) execute(ctx context.Context, root *types.Task, subs []*types.SubTask, children map[string]*types.Task) (*types.TaskResult, error) {
	persisted := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.register(root.ID, cancel)
	defer e.unregister(root.ID)

	// A root-only graph is itself the executable unit
	if len(subs) == 0 {
		return e.runner.Run(runCtx, root)
	}

	if _, err := e.repos.Tasks.Transition(runCtx, root.ID, types.TaskStatusRunning); err != nil {
		return nil, err
	}
	e.broker.Publish(&events.Event{
		Type:   events.EventTaskStatus,
		TaskID: root.ID,
		Status: types.TaskStatusRunning,
	})

	// The root deadline cancels the whole graph
	var rootTimedOut atomic.Bool
	rootTimeout := root.TimeoutMs
	if rootTimeout <= 0 {
		rootTimeout = e.cfg.ExecutionTimeoutMs
	}
	deadline := time.AfterFunc(time.Duration(rootTimeout)*time.Millisecond, func() {
		rootTimedOut.Store(true)
		cancel()
	})
	defer deadline.Stop()

	outcomes := e.runGraph(runCtx, root, subs, children, persisted)

	return e.settleRoot(ctx, root, subs, outcomes, rootTimedOut.Load(), runCtx.Err() != nil, persisted)
}

// Cancel stops a task and everything under it. Cancelling a task that
// already settled is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	cancel, active := e.cancels[id]
	e.mu.Unlock()
	if active {
		cancel()
		return nil
	}

	task, err := e.repos.Tasks.GetByID(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return types.NewError(types.KindNotFound, "task %s not found", id)
		}
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}
	return e.settleCancelled(ctx, task, "cancelled by request")
}

func (e *Engine) register(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	delete(e.cancels, id)
	e.mu.Unlock()
}

// persistGraph writes the root, its child task rows, and the sub-task
// dependency rows. A root id that is still live rejects the graph; a
// settled previous run of the same id is replaced.
func (e *Engine) persistGraph(ctx context.Context, graph *parser.Graph) (*types.Task, map[string]*types.Task, error) {
	if existing, err := e.repos.Tasks.GetByID(ctx, graph.Root.ID); err == nil {
		if !existing.Status.IsTerminal() {
			return nil, nil, types.NewError(types.KindAlreadyRunning,
				"task %s is already %s", existing.ID, existing.Status)
		}
		if _, err := e.repos.Tasks.Delete(ctx, existing.ID); err != nil {
			return nil, nil, err
		}
	} else if !repository.IsNotFound(err) {
		return nil, nil, err
	}

	root := graph.Root
	if root.TimeoutMs <= 0 {
		root.TimeoutMs = e.cfg.ExecutionTimeoutMs
	}
	root, err := e.repos.Tasks.Create(ctx, root)
	if err != nil {
		return nil, nil, err
	}

	children := make(map[string]*types.Task, len(graph.SubTasks))
	for _, st := range graph.SubTasks {
		timeout := st.TimeoutMs
		if timeout <= 0 {
			timeout = root.TimeoutMs
		}
		child := &types.Task{
			ID:            st.ID,
			ParentID:      root.ID,
			Name:          st.Name,
			Description:   st.Description,
			Prompt:        st.Prompt,
			ExecutionMode: st.ExecutionMode,
			Priority:      st.Priority,
			WorkDir:       root.WorkDir,
			ReturnMode:    root.ReturnMode,
			TimeoutMs:     timeout,
			Metadata:      st.Metadata,
		}
		child, err = e.repos.Tasks.Create(ctx, child)
		if err != nil {
			return nil, nil, err
		}
		if err := e.repos.Subtasks.Create(ctx, st); err != nil {
			return nil, nil, err
		}
		children[st.ID] = child
	}
	e.logger.Info().Str("task_id", root.ID).Int("subtasks", len(children)).
		Str("mode", string(root.ExecutionMode)).Msg("Graph persisted")
	return root, children, nil
}

// runGraph dispatches children as their dependencies settle and
// returns every child's terminal outcome.
func (e *Engine) runGraph(ctx context.Context, root *types.Task, subs []*types.SubTask, children map[string]*types.Task, persisted time.Time) map[string]types.ResultStatus {
	byID := make(map[string]*types.SubTask, len(subs))
	remaining := make(map[string]int, len(subs))
	dependents := make(map[string][]string)
	for _, st := range subs {
		byID[st.ID] = st
		remaining[st.ID] = len(st.Dependencies)
		for _, dep := range st.Dependencies {
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}

	var ready []string
	for _, st := range subs {
		if remaining[st.ID] == 0 {
			ready = append(ready, st.ID)
		}
	}
	sortByIndex(ready, byID)

	type childOutcome struct {
		id     string
		status types.ResultStatus
	}
	resCh := make(chan childOutcome)
	outcomes := make(map[string]types.ResultStatus, len(subs))
	sequential := root.ExecutionMode == types.ExecutionModeSequential

	firstDispatch := true
	running := 0
	dispatch := func(id string) {
		if firstDispatch {
			metrics.SchedulingLatency.Observe(time.Since(persisted).Seconds())
			firstDispatch = false
		}
		running++
		metrics.TasksDispatched.Inc()
		go func() {
			status := e.runChild(ctx, children[id])
			resCh <- childOutcome{id: id, status: status}
		}()
	}

	// failedDep remembers which ancestor doomed a pending child
	failedDep := make(map[string]string)

	finished := 0
	for finished < len(subs) {
		for len(ready) > 0 {
			if sequential && running > 0 {
				break
			}
			id := ready[0]
			ready = ready[1:]
			if dep, doomed := failedDep[id]; doomed {
				e.cascadeCancel(ctx, children[id], dep)
				outcomes[id] = types.ResultStatusCancelled
				finished++
				for _, next := range dependents[id] {
					remaining[next]--
					if _, marked := failedDep[next]; !marked {
						failedDep[next] = dep
					}
					if remaining[next] == 0 {
						ready = insertByIndex(ready, next, byID)
					}
				}
				continue
			}
			dispatch(id)
			if sequential {
				break
			}
		}
		if finished == len(subs) {
			break
		}

		out := <-resCh
		running--
		finished++
		outcomes[out.id] = out.status

		// A sequential failure stops the chain: everything not yet
		// dispatched is doomed, dependency edges or not
		if sequential && out.status != types.ResultStatusSuccess {
			for _, st := range subs {
				if _, done := outcomes[st.ID]; done {
					continue
				}
				if _, marked := failedDep[st.ID]; !marked {
					failedDep[st.ID] = out.id
				}
			}
		}

		for _, next := range dependents[out.id] {
			remaining[next]--
			if out.status != types.ResultStatusSuccess {
				if _, marked := failedDep[next]; !marked {
					failedDep[next] = out.id
				}
			}
			if remaining[next] == 0 {
				ready = insertByIndex(ready, next, byID)
			}
		}
	}
	return outcomes
}

// runChild executes one child task and mirrors its terminal status
// onto the sub-task row
func (e *Engine) runChild(ctx context.Context, task *types.Task) types.ResultStatus {
	result, err := e.runner.Run(ctx, task)
	status := types.ResultStatusError
	if err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).Msg("Child execution failed")
	} else {
		status = result.Status
	}

	dctx := context.WithoutCancel(ctx)
	progress := 0
	if status == types.ResultStatusSuccess {
		progress = 100
	}
	taskStatus := taskStatusFor(status)
	if err := e.repos.Subtasks.SetStatus(dctx, task.ID, task.ParentID, taskStatus, progress); err != nil {
		e.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to mirror sub-task status")
	}
	return status
}

// cascadeCancel settles a never-dispatched child whose dependency
// failed
func (e *Engine) cascadeCancel(ctx context.Context, task *types.Task, failedDep string) {
	dctx := context.WithoutCancel(ctx)
	msg := fmt.Sprintf("dependency %s did not succeed", failedDep)

	if _, err := e.repos.Tasks.Transition(dctx, task.ID, types.TaskStatusCancelled); err != nil {
		e.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to cancel dependent")
		return
	}
	e.repos.Results.Create(dctx, &types.TaskResult{
		TaskID: task.ID,
		Status: types.ResultStatusCancelled,
		Error:  msg,
	})
	e.repos.Logs.Append(dctx, &types.TaskLog{
		TaskID:  task.ID,
		Kind:    types.LogKindStatus,
		Level:   types.LogLevelWarn,
		Message: msg,
		Status:  string(types.TaskStatusCancelled),
	})
	e.repos.Subtasks.SetStatus(dctx, task.ID, task.ParentID, types.TaskStatusCancelled, 0)
	e.broker.Publish(&events.Event{
		Type:   events.EventTaskFailed,
		TaskID: task.ID,
		Status: types.TaskStatusCancelled,
	})
}

// settleRoot reduces child outcomes into the root's terminal state and
// writes the root result
func (e *Engine) settleRoot(ctx context.Context, root *types.Task, subs []*types.SubTask, outcomes map[string]types.ResultStatus, timedOut, interrupted bool, started time.Time) (*types.TaskResult, error) {
	dctx := context.WithoutCancel(ctx)

	succeeded := 0
	childTimedOut := false
	childFailed := false
	for _, status := range outcomes {
		switch status {
		case types.ResultStatusSuccess:
			succeeded++
		case types.ResultStatusTimeout:
			childTimedOut = true
		case types.ResultStatusError:
			childFailed = true
		}
	}

	var target types.TaskStatus
	switch {
	case timedOut, childTimedOut && !childFailed:
		target = types.TaskStatusTimeout
	case succeeded == len(subs):
		target = types.TaskStatusCompleted
	case interrupted:
		target = types.TaskStatusCancelled
	default:
		target = types.TaskStatusFailed
	}

	if _, err := e.repos.Tasks.Transition(dctx, root.ID, target); err != nil {
		return nil, err
	}

	output, errMsg := e.composeOutput(dctx, root, subs, outcomes, succeeded)
	result, err := e.repos.Results.Create(dctx, &types.TaskResult{
		TaskID:          root.ID,
		Status:          types.ResultForTaskStatus(target),
		Output:          output,
		Error:           errMsg,
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	})
	if err != nil {
		return nil, err
	}

	eventType := events.EventTaskCompleted
	if target != types.TaskStatusCompleted {
		eventType = events.EventTaskFailed
	}
	e.broker.Publish(&events.Event{Type: eventType, TaskID: root.ID, Status: target})
	e.logger.Info().Str("task_id", root.ID).Str("status", string(target)).
		Int("succeeded", succeeded).Int("subtasks", len(subs)).Msg("Graph settled")

	if target != types.TaskStatusCompleted {
		metrics.TasksFailed.Inc()
	}
	return result, nil
}

// composeOutput builds the root output per the return mode: full
// concatenates child outputs in declaration order, summary reports
// per-child status lines.
func (e *Engine) composeOutput(ctx context.Context, root *types.Task, subs []*types.SubTask, outcomes map[string]types.ResultStatus, succeeded int) (string, string) {
	var b strings.Builder
	var failures []string

	fmt.Fprintf(&b, "%d/%d sub-tasks succeeded\n", succeeded, len(subs))
	for _, st := range subs {
		status := outcomes[st.ID]
		if status == "" {
			status = types.ResultStatusCancelled
		}
		if root.ReturnMode == types.ReturnModeFull {
			fmt.Fprintf(&b, "\n### Task %d: %s [%s]\n", st.Index, st.Name, status)
			if res, err := e.repos.Results.ForTask(ctx, st.ID); err == nil && res.Output != "" {
				b.WriteString(res.Output)
				if !strings.HasSuffix(res.Output, "\n") {
					b.WriteString("\n")
				}
			}
		} else {
			fmt.Fprintf(&b, "- Task %d (%s): %s\n", st.Index, st.Name, status)
		}
		if status != types.ResultStatusSuccess {
			failures = append(failures, fmt.Sprintf("task %d %s", st.Index, status))
		}
	}

	errMsg := ""
	if len(failures) > 0 {
		errMsg = strings.Join(failures, "; ")
	}
	return b.String(), errMsg
}

// settleCancelled cancels a task and its non-terminal descendants
func (e *Engine) settleCancelled(ctx context.Context, task *types.Task, msg string) error {
	applied, err := e.repos.Tasks.Transition(ctx, task.ID, types.TaskStatusCancelled)
	if err != nil {
		return err
	}
	if applied {
		e.repos.Results.Create(ctx, &types.TaskResult{
			TaskID: task.ID,
			Status: types.ResultStatusCancelled,
			Error:  msg,
		})
		e.repos.Logs.Append(ctx, &types.TaskLog{
			TaskID:  task.ID,
			Kind:    types.LogKindStatus,
			Level:   types.LogLevelWarn,
			Message: msg,
			Status:  string(types.TaskStatusCancelled),
		})
		if task.ParentID != "" {
			e.repos.Subtasks.SetStatus(ctx, task.ID, task.ParentID, types.TaskStatusCancelled, 0)
		}
		e.broker.Publish(&events.Event{
			Type:   events.EventTaskFailed,
			TaskID: task.ID,
			Status: types.TaskStatusCancelled,
		})
	}

	children, err := e.repos.Tasks.ByParent(ctx, task.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		if err := e.settleCancelled(ctx, child, msg); err != nil {
			return err
		}
	}
	return nil
}

func taskStatusFor(status types.ResultStatus) types.TaskStatus {
	switch status {
	case types.ResultStatusSuccess:
		return types.TaskStatusCompleted
	case types.ResultStatusTimeout:
		return types.TaskStatusTimeout
	case types.ResultStatusCancelled:
		return types.TaskStatusCancelled
	default:
		return types.TaskStatusFailed
	}
}

// validateAcyclic rejects graphs whose dependency edges contain a
// cycle, using in-degree elimination
func validateAcyclic(subs []*types.SubTask) error {
	remaining := make(map[string]int, len(subs))
	dependents := make(map[string][]string)
	for _, st := range subs {
		remaining[st.ID] = len(st.Dependencies)
		for _, dep := range st.Dependencies {
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}

	var queue []string
	for id, n := range remaining {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(subs) {
		var stuck []string
		for id, n := range remaining {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return types.NewError(types.KindInvalidGraph,
			"dependency cycle involving %s", strings.Join(stuck, ", "))
	}
	return nil
}

func sortByIndex(ids []string, byID map[string]*types.SubTask) {
	sort.Slice(ids, func(i, j int) bool {
		return byID[ids[i]].Index < byID[ids[j]].Index
	})
}

func insertByIndex(ids []string, id string, byID map[string]*types.SubTask) []string {
	at := sort.Search(len(ids), func(i int) bool {
		return byID[ids[i]].Index > byID[id].Index
	})
	ids = append(ids, "")
	copy(ids[at+1:], ids[at:])
	ids[at] = id
	return ids
}
