package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/taskwright/taskwright/pkg/storage"
	"github.com/taskwright/taskwright/pkg/types"
)

// TaskRepository is the typed CRUD and query surface for tasks
type TaskRepository struct {
	store *storage.Store
}

// taskRow mirrors the tasks table with nullable columns
type taskRow struct {
	ID             string         `db:"id"`
	ParentID       sql.NullString `db:"parent_id"`
	Status         string         `db:"status"`
	Progress       int            `db:"progress"`
	Priority       string         `db:"priority"`
	ExecutionMode  string         `db:"execution_mode"`
	Name           string         `db:"name"`
	Description    string         `db:"description"`
	Prompt         string         `db:"prompt"`
	WorkDir        string         `db:"work_dir"`
	ReturnMode     string         `db:"return_mode"`
	Metadata       string         `db:"metadata"`
	InstanceID     sql.NullString `db:"instance_id"`
	TimeoutMs      int64          `db:"timeout_ms"`
	Deadline       sql.NullTime   `db:"deadline"`
	TimeoutHandled bool           `db:"timeout_handled"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r taskRow) toTask() *types.Task {
	t := &types.Task{
		ID:             r.ID,
		ParentID:       r.ParentID.String,
		Status:         types.TaskStatus(r.Status),
		Progress:       r.Progress,
		Priority:       types.TaskPriority(r.Priority),
		ExecutionMode:  types.ExecutionMode(r.ExecutionMode),
		Name:           r.Name,
		Description:    r.Description,
		Prompt:         r.Prompt,
		WorkDir:        r.WorkDir,
		ReturnMode:     types.ReturnMode(r.ReturnMode),
		Metadata:       unmarshalJSON(r.Metadata),
		InstanceID:     r.InstanceID.String,
		TimeoutMs:      r.TimeoutMs,
		TimeoutHandled: r.TimeoutHandled,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.Deadline.Valid {
		t.Deadline = r.Deadline.Time
	}
	if r.StartedAt.Valid {
		t.StartedAt = r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		t.CompletedAt = r.CompletedAt.Time
	}
	// Computed duration
	switch {
	case !t.StartedAt.IsZero() && !t.CompletedAt.IsZero():
		t.Duration = t.CompletedAt.Sub(t.StartedAt)
	case !t.StartedAt.IsZero() && t.Status == types.TaskStatusRunning:
		t.Duration = time.Since(t.StartedAt)
	}
	return t
}

const taskColumns = `id, parent_id, status, progress, priority, execution_mode,
	name, description, prompt, work_dir, return_mode, metadata, instance_id,
	timeout_ms, deadline, timeout_handled, created_at, started_at, completed_at, updated_at`

// Create persists a task and returns the canonical entity. The
// deadline is derived from now + timeout when a timeout is set.
func (r *TaskRepository) Create(ctx context.Context, t *types.Task) (*types.Task, error) {
	now := time.Now().UTC()
	if t.Status == "" {
		t.Status = types.TaskStatusPending
	}
	if t.Priority == "" {
		t.Priority = types.TaskPriorityMedium
	}
	if t.ExecutionMode == "" {
		t.ExecutionMode = types.ExecutionModeSequential
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.TimeoutMs > 0 {
		t.Deadline = now.Add(time.Duration(t.TimeoutMs) * time.Millisecond)
	}

	var deadline any
	if !t.Deadline.IsZero() {
		deadline = t.Deadline
	}
	var parent any
	if t.ParentID != "" {
		parent = t.ParentID
	}

	err := withAcquireRetry(ctx, func() error {
		_, err := r.store.Execute(ctx, `INSERT INTO tasks
			(id, parent_id, status, progress, priority, execution_mode, name,
			 description, prompt, work_dir, return_mode, metadata, timeout_ms,
			 deadline, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, parent, string(t.Status), t.Progress, string(t.Priority),
			string(t.ExecutionMode), t.Name, t.Description, t.Prompt, t.WorkDir,
			string(t.ReturnMode), marshalJSON(t.Metadata), t.TimeoutMs, deadline,
			t.CreatedAt, t.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return t, nil
}

// GetByID fetches a single task
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*types.Task, error) {
	var row taskRow
	err := withAcquireRetry(ctx, func() error {
		return r.store.QueryOne(ctx, &row,
			`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	})
	if err != nil {
		return nil, err
	}
	return row.toTask(), nil
}

// TaskUpdate names the fields an Update touches. Nil fields are left
// untouched; named fields apply last-writer-wins.
type TaskUpdate struct {
	Progress    *int
	Description *string
	WorkDir     *string
	InstanceID  *string // empty string clears the binding
	Metadata    map[string]any
}

// Update applies a partial merge to a task
func (r *TaskRepository) Update(ctx context.Context, id string, u TaskUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if u.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *u.Progress)
	}
	if u.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *u.Description)
	}
	if u.WorkDir != nil {
		sets = append(sets, "work_dir = ?")
		args = append(args, *u.WorkDir)
	}
	if u.InstanceID != nil {
		if *u.InstanceID == "" {
			sets = append(sets, "instance_id = NULL")
		} else {
			sets = append(sets, "instance_id = ?")
			args = append(args, *u.InstanceID)
		}
	}
	if u.Metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, marshalJSON(u.Metadata))
	}

	args = append(args, id)
	return withAcquireRetry(ctx, func() error {
		_, err := r.store.Execute(ctx,
			`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		return err
	})
}

// Delete removes a task; cascades take children, logs, results and
// telemetry with it. Deleting a missing id is a no-op.
func (r *TaskRepository) Delete(ctx context.Context, id string) (int64, error) {
	var changes int64
	err := withAcquireRetry(ctx, func() error {
		res, err := r.store.Execute(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		changes = res.Changes
		return nil
	})
	return changes, err
}

// ListFilter narrows List results
type ListFilter struct {
	Status   types.TaskStatus
	ParentID string
	RootOnly bool
	Limit    int
}

// List returns tasks matching the filter, newest first
func (r *TaskRepository) List(ctx context.Context, f ListFilter) ([]*types.Task, error) {
	where := []string{"1=1"}
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if f.RootOnly {
		where = append(where, "parent_id IS NULL")
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var rows []taskRow
	err := withAcquireRetry(ctx, func() error {
		return r.store.Query(ctx, &rows, q, args...)
	})
	if err != nil {
		return nil, err
	}
	tasks := make([]*types.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, row.toTask())
	}
	return tasks, nil
}

// ByParent returns a root's children in creation order
func (r *TaskRepository) ByParent(ctx context.Context, parentID string) ([]*types.Task, error) {
	var rows []taskRow
	err := withAcquireRetry(ctx, func() error {
		return r.store.Query(ctx, &rows,
			`SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY created_at, id`,
			parentID)
	})
	if err != nil {
		return nil, err
	}
	tasks := make([]*types.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, row.toTask())
	}
	return tasks, nil
}

// ByStatus returns tasks in a given status
func (r *TaskRepository) ByStatus(ctx context.Context, status types.TaskStatus) ([]*types.Task, error) {
	return r.List(ctx, ListFilter{Status: status})
}

// Search runs a full-text query over task name, description and prompt
func (r *TaskRepository) Search(ctx context.Context, query string) ([]*types.Task, error) {
	var rows []taskRow
	err := withAcquireRetry(ctx, func() error {
		return r.store.Query(ctx, &rows,
			`SELECT t.id, t.parent_id, t.status, t.progress, t.priority,
			        t.execution_mode, t.name, t.description, t.prompt, t.work_dir,
			        t.return_mode, t.metadata, t.instance_id, t.timeout_ms,
			        t.deadline, t.timeout_handled, t.created_at, t.started_at,
			        t.completed_at, t.updated_at
			 FROM tasks_fts f JOIN tasks t ON t.rowid = f.docid
			 WHERE tasks_fts MATCH ?
			 ORDER BY t.updated_at DESC`, query)
	})
	if err != nil {
		return nil, err
	}
	tasks := make([]*types.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, row.toTask())
	}
	return tasks, nil
}

// Transition moves a task to the given status inside a single
// transaction, enforcing the state machine. It returns applied=false
// without error when the task is already in the target terminal state,
// or when a competing timeout/cancel already claimed the terminal
// transition under the timeout_handled guard.
func (r *TaskRepository) Transition(ctx context.Context, id string, to types.TaskStatus) (applied bool, err error) {
	err = withAcquireRetry(ctx, func() error {
		applied = false
		return r.store.Transaction(ctx, func(tx *sqlx.Tx) error {
			var row struct {
				Status         string `db:"status"`
				Progress       int    `db:"progress"`
				TimeoutHandled bool   `db:"timeout_handled"`
			}
			if err := tx.GetContext(ctx, &row,
				`SELECT status, progress, timeout_handled FROM tasks WHERE id = ?`, id); err != nil {
				if err == sql.ErrNoRows {
					return types.NewError(types.KindNotFound, "task %s not found", id)
				}
				return err
			}

			from := types.TaskStatus(row.Status)
			if from == to {
				// Idempotent repeat of the same transition
				return nil
			}
			if !from.CanTransitionTo(to) {
				if from.IsTerminal() {
					// Late arrival after timeout/cancel won; swallow
					return nil
				}
				return types.NewError(types.KindInternal,
					"illegal transition %s -> %s for task %s", from, to, id)
			}

			// Timeout and cancel race through the single-writer guard:
			// whoever flips timeout_handled first owns the terminal state
			if to == types.TaskStatusTimeout || to == types.TaskStatusCancelled {
				res, err := tx.ExecContext(ctx,
					`UPDATE tasks SET timeout_handled = 1 WHERE id = ? AND timeout_handled = 0`, id)
				if err != nil {
					return err
				}
				if n, _ := res.RowsAffected(); n == 0 {
					// Another writer already claimed the terminal transition
					return nil
				}
			}

			now := time.Now().UTC()
			sets := "status = ?, updated_at = ?"
			args := []any{string(to), now}
			switch {
			case to == types.TaskStatusRunning:
				sets += ", started_at = ?"
				args = append(args, now)
			case to == types.TaskStatusCompleted:
				// Success implies full progress
				sets += ", completed_at = ?, progress = 100"
				args = append(args, now)
			case to.IsTerminal():
				// Progress freezes at its last observed value
				sets += ", completed_at = ?"
				args = append(args, now)
			}
			args = append(args, id)
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET `+sets+` WHERE id = ?`, args...); err != nil {
				return err
			}
			applied = true
			return nil
		})
	})
	return applied, err
}

// CountByStatus returns the number of tasks per status, for metrics
func (r *TaskRepository) CountByStatus(ctx context.Context) (map[types.TaskStatus]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	err := withAcquireRetry(ctx, func() error {
		return r.store.Query(ctx, &rows,
			`SELECT status, COUNT(*) AS n FROM tasks GROUP BY status`)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[types.TaskStatus]int64, len(rows))
	for _, row := range rows {
		out[types.TaskStatus(row.Status)] = row.N
	}
	return out, nil
}
