package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskwright/taskwright/pkg/storage"
	"github.com/taskwright/taskwright/pkg/types"
)

// LogRepository is the append-only task log surface
type LogRepository struct {
	store *storage.Store
}

type logRow struct {
	ID         int64          `db:"id"`
	TaskID     string         `db:"task_id"`
	InstanceID sql.NullString `db:"instance_id"`
	Kind       string         `db:"kind"`
	Level      string         `db:"level"`
	Message    string         `db:"message"`
	Progress   sql.NullInt64  `db:"progress"`
	Status     sql.NullString `db:"status"`
	Timestamp  time.Time      `db:"timestamp"`
	Metadata   string         `db:"metadata"`
}

func (r logRow) toLog() *types.TaskLog {
	l := &types.TaskLog{
		ID:         r.ID,
		TaskID:     r.TaskID,
		InstanceID: r.InstanceID.String,
		Kind:       types.LogKind(r.Kind),
		Level:      types.LogLevel(r.Level),
		Message:    r.Message,
		Status:     r.Status.String,
		Timestamp:  r.Timestamp,
		Metadata:   unmarshalJSON(r.Metadata),
	}
	if r.Progress.Valid {
		p := int(r.Progress.Int64)
		l.Progress = &p
	}
	return l
}

// Append persists a log event and fills its generated id and timestamp
func (r *LogRepository) Append(ctx context.Context, l *types.TaskLog) (*types.TaskLog, error) {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	if l.Level == "" {
		l.Level = types.LogLevelInfo
	}
	var instance any
	if l.InstanceID != "" {
		instance = l.InstanceID
	}
	var progress any
	if l.Progress != nil {
		progress = *l.Progress
	}
	var status any
	if l.Status != "" {
		status = l.Status
	}

	err := withAcquireRetry(ctx, func() error {
		res, err := r.store.Execute(ctx, `INSERT INTO task_logs
			(task_id, instance_id, kind, level, message, progress, status, timestamp, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.TaskID, instance, string(l.Kind), string(l.Level), l.Message,
			progress, status, l.Timestamp, marshalJSON(l.Metadata))
		if err != nil {
			return err
		}
		l.ID = res.LastInsertID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ByTask returns a task's logs inside an optional time window, in
// timestamp order
func (r *LogRepository) ByTask(ctx context.Context, taskID string, since, until time.Time) ([]*types.TaskLog, error) {
	q := `SELECT id, task_id, instance_id, kind, level, message, progress,
	             status, timestamp, metadata
	      FROM task_logs WHERE task_id = ?`
	args := []any{taskID}
	if !since.IsZero() {
		q += ` AND timestamp >= ?`
		args = append(args, since)
	}
	if !until.IsZero() {
		q += ` AND timestamp <= ?`
		args = append(args, until)
	}
	q += ` ORDER BY timestamp, id`

	var rows []logRow
	err := withAcquireRetry(ctx, func() error {
		return r.store.Query(ctx, &rows, q, args...)
	})
	if err != nil {
		return nil, err
	}
	logs := make([]*types.TaskLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, row.toLog())
	}
	return logs, nil
}
