package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/taskwright/taskwright/pkg/storage"
	"github.com/taskwright/taskwright/pkg/types"
)

// InstanceRepository is the typed CRUD and query surface for instances
type InstanceRepository struct {
	store *storage.Store
}

type instanceRow struct {
	ID            string         `db:"id"`
	Status        string         `db:"status"`
	CurrentTaskID sql.NullString `db:"current_task_id"`
	Metrics       string         `db:"metrics"`
	Config        string         `db:"config"`
	CreatedAt     time.Time      `db:"created_at"`
	LastUsedAt    sql.NullTime   `db:"last_used_at"`
	LastHeartbeat sql.NullTime   `db:"last_heartbeat"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r instanceRow) toInstance() *types.Instance {
	inst := &types.Instance{
		ID:            r.ID,
		Status:        types.InstanceStatus(r.Status),
		CurrentTaskID: r.CurrentTaskID.String,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	_ = json.Unmarshal([]byte(r.Metrics), &inst.Metrics)
	_ = json.Unmarshal([]byte(r.Config), &inst.Config)
	if r.LastUsedAt.Valid {
		inst.LastUsedAt = r.LastUsedAt.Time
	}
	if r.LastHeartbeat.Valid {
		inst.LastHeartbeat = r.LastHeartbeat.Time
		inst.HeartbeatAge = time.Since(r.LastHeartbeat.Time)
	}
	return inst
}

const instanceColumns = `id, status, current_task_id, metrics, config,
	created_at, last_used_at, last_heartbeat, updated_at`

// Create persists an instance and returns the canonical entity
func (r *InstanceRepository) Create(ctx context.Context, inst *types.Instance) (*types.Instance, error) {
	now := time.Now().UTC()
	if inst.Status == "" {
		inst.Status = types.InstanceStatusIdle
	}
	inst.CreatedAt = now
	inst.UpdatedAt = now

	metrics, err := json.Marshal(inst.Metrics)
	if err != nil {
		return nil, err
	}
	cfg, err := json.Marshal(inst.Config)
	if err != nil {
		return nil, err
	}

	err = withAcquireRetry(ctx, func() error {
		_, err := r.store.Execute(ctx, `INSERT INTO instances
			(id, status, metrics, config, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			inst.ID, string(inst.Status), string(metrics), string(cfg),
			inst.CreatedAt, inst.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// GetByID fetches a single instance
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*types.Instance, error) {
	var row instanceRow
	err := withAcquireRetry(ctx, func() error {
		return r.store.QueryOne(ctx, &row,
			`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	})
	if err != nil {
		return nil, err
	}
	return row.toInstance(), nil
}

// List returns all instances, optionally filtered by status
func (r *InstanceRepository) List(ctx context.Context, status types.InstanceStatus) ([]*types.Instance, error) {
	q := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY last_used_at DESC`

	var rows []instanceRow
	err := withAcquireRetry(ctx, func() error {
		return r.store.Query(ctx, &rows, q, args...)
	})
	if err != nil {
		return nil, err
	}
	instances := make([]*types.Instance, 0, len(rows))
	for _, row := range rows {
		instances = append(instances, row.toInstance())
	}
	return instances, nil
}

// Bind atomically binds an idle instance to a task and marks both
// sides: the instance running with current_task_id set, the task
// pointing back at the instance. Fails if the instance is not idle.
func (r *InstanceRepository) Bind(ctx context.Context, instanceID, taskID string) error {
	return withAcquireRetry(ctx, func() error {
		return r.store.Transaction(ctx, func(tx *sqlx.Tx) error {
			now := time.Now().UTC()
			res, err := tx.ExecContext(ctx,
				`UPDATE instances SET status = ?, current_task_id = ?, last_used_at = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				string(types.InstanceStatusRunning), taskID, now, now,
				instanceID, string(types.InstanceStatusIdle))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return types.NewError(types.KindAlreadyRunning,
					"instance %s is not idle", instanceID)
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE tasks SET instance_id = ?, updated_at = ? WHERE id = ?`,
				instanceID, now, taskID)
			return err
		})
	})
}

// Release unbinds the instance from its task, folds the outcome into
// its rolling metrics, and returns it to idle.
func (r *InstanceRepository) Release(ctx context.Context, instanceID string, status types.ResultStatus, elapsed time.Duration) error {
	return withAcquireRetry(ctx, func() error {
		return r.store.Transaction(ctx, func(tx *sqlx.Tx) error {
			var raw string
			if err := tx.GetContext(ctx, &raw,
				`SELECT metrics FROM instances WHERE id = ?`, instanceID); err != nil {
				return err
			}
			var metrics types.InstanceMetrics
			_ = json.Unmarshal([]byte(raw), &metrics)
			metrics.Record(status, elapsed)
			updated, err := json.Marshal(metrics)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			_, err = tx.ExecContext(ctx,
				`UPDATE instances SET status = ?, current_task_id = NULL,
				 metrics = ?, last_used_at = ?, updated_at = ? WHERE id = ?`,
				string(types.InstanceStatusIdle), string(updated), now, now, instanceID)
			return err
		})
	})
}

// Heartbeat records instance liveness
func (r *InstanceRepository) Heartbeat(ctx context.Context, instanceID string) error {
	return withAcquireRetry(ctx, func() error {
		now := time.Now().UTC()
		_, err := r.store.Execute(ctx,
			`UPDATE instances SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
			now, now, instanceID)
		return err
	})
}

// SetStatus force-sets an instance status (error, terminated)
func (r *InstanceRepository) SetStatus(ctx context.Context, instanceID string, status types.InstanceStatus) error {
	return withAcquireRetry(ctx, func() error {
		_, err := r.store.Execute(ctx,
			`UPDATE instances SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().UTC(), instanceID)
		return err
	})
}

// Delete removes an instance row; a no-op for a missing id
func (r *InstanceRepository) Delete(ctx context.Context, id string) (int64, error) {
	var changes int64
	err := withAcquireRetry(ctx, func() error {
		res, err := r.store.Execute(ctx, `DELETE FROM instances WHERE id = ?`, id)
		if err != nil {
			return err
		}
		changes = res.Changes
		return nil
	})
	return changes, err
}
