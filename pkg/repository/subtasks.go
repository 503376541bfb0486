package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/taskwright/taskwright/pkg/storage"
	"github.com/taskwright/taskwright/pkg/types"
)

// SubtaskRepository persists the parser's view of a graph's children:
// ordinal position, dependency edges, and a status/progress mirror of
// the child's task row.
type SubtaskRepository struct {
	store *storage.Store
}

type subtaskRow struct {
	ID           string    `db:"id"`
	ParentID     string    `db:"parent_id"`
	Ordinal      int       `db:"ordinal"`
	Status       string    `db:"status"`
	Progress     int       `db:"progress"`
	Name         string    `db:"name"`
	Description  string    `db:"description"`
	Dependencies string    `db:"dependencies"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r subtaskRow) toSubTask() *types.SubTask {
	var deps []string
	_ = json.Unmarshal([]byte(r.Dependencies), &deps)
	return &types.SubTask{
		ID:           r.ID,
		ParentID:     r.ParentID,
		Index:        r.Ordinal,
		Name:         r.Name,
		Description:  r.Description,
		Dependencies: deps,
	}
}

// Create persists one sub-task row
func (r *SubtaskRepository) Create(ctx context.Context, st *types.SubTask) error {
	deps, err := json.Marshal(st.Dependencies)
	if err != nil {
		return err
	}
	if st.Dependencies == nil {
		deps = []byte("[]")
	}
	now := time.Now().UTC()
	return withAcquireRetry(ctx, func() error {
		_, err := r.store.Execute(ctx, `INSERT INTO subtasks
			(id, parent_id, ordinal, status, progress, name, description,
			 dependencies, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?, ?)`,
			st.ID, st.ParentID, st.Index, st.Name, st.Description,
			string(deps), now, now)
		return err
	})
}

// ByParent returns a graph's sub-tasks in declaration order
func (r *SubtaskRepository) ByParent(ctx context.Context, parentID string) ([]*types.SubTask, error) {
	var rows []subtaskRow
	err := withAcquireRetry(ctx, func() error {
		return r.store.Query(ctx, &rows,
			`SELECT id, parent_id, ordinal, status, progress, name, description,
			        dependencies, created_at, updated_at
			 FROM subtasks WHERE parent_id = ? ORDER BY ordinal`, parentID)
	})
	if err != nil {
		return nil, err
	}
	subs := make([]*types.SubTask, 0, len(rows))
	for _, row := range rows {
		subs = append(subs, row.toSubTask())
	}
	return subs, nil
}

// SetStatus mirrors a child's task status onto its sub-task row
func (r *SubtaskRepository) SetStatus(ctx context.Context, id, parentID string, status types.TaskStatus, progress int) error {
	return withAcquireRetry(ctx, func() error {
		_, err := r.store.Execute(ctx,
			`UPDATE subtasks SET status = ?, progress = ?, updated_at = ?
			 WHERE id = ? AND parent_id = ?`,
			string(status), progress, time.Now().UTC(), id, parentID)
		return err
	})
}
