package repository

import (
	"context"
	"time"

	"github.com/taskwright/taskwright/pkg/storage"
	"github.com/taskwright/taskwright/pkg/types"
)

// ResultRepository persists the single terminal record per task
type ResultRepository struct {
	store *storage.Store
}

type resultRow struct {
	ID              int64     `db:"id"`
	TaskID          string    `db:"task_id"`
	Status          string    `db:"status"`
	Output          string    `db:"output"`
	Error           string    `db:"error"`
	ExecutionTimeMs int64     `db:"execution_time_ms"`
	Timestamp       time.Time `db:"timestamp"`
	Metadata        string    `db:"metadata"`
}

func (r resultRow) toResult() *types.TaskResult {
	return &types.TaskResult{
		ID:              r.ID,
		TaskID:          r.TaskID,
		Status:          types.ResultStatus(r.Status),
		Output:          r.Output,
		Error:           r.Error,
		ExecutionTimeMs: r.ExecutionTimeMs,
		Timestamp:       r.Timestamp,
		Metadata:        unmarshalJSON(r.Metadata),
	}
}

// Create writes a task's result. The unique key on task_id makes a
// repeated terminal transition a no-op: the first result row wins.
func (r *ResultRepository) Create(ctx context.Context, res *types.TaskResult) (*types.TaskResult, error) {
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now().UTC()
	}
	err := withAcquireRetry(ctx, func() error {
		out, err := r.store.Execute(ctx, `INSERT INTO task_results
			(task_id, status, output, error, execution_time_ms, timestamp, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO NOTHING`,
			res.TaskID, string(res.Status), res.Output, res.Error,
			res.ExecutionTimeMs, res.Timestamp, marshalJSON(res.Metadata))
		if err != nil {
			return err
		}
		// On conflict nothing was inserted and LastInsertID is the stale
		// id of some earlier insert on this connection
		if out.Changes > 0 {
			res.ID = out.LastInsertID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ForTask returns the result for a task, or storage.ErrNotFound
func (r *ResultRepository) ForTask(ctx context.Context, taskID string) (*types.TaskResult, error) {
	var row resultRow
	err := withAcquireRetry(ctx, func() error {
		return r.store.QueryOne(ctx, &row,
			`SELECT id, task_id, status, output, error, execution_time_ms, timestamp, metadata
			 FROM task_results WHERE task_id = ?`, taskID)
	})
	if err != nil {
		return nil, err
	}
	return row.toResult(), nil
}
