package repository

import (
	"context"
	"time"

	"github.com/taskwright/taskwright/pkg/storage"
	"github.com/taskwright/taskwright/pkg/types"
)

// TelemetryRepository is the append-only instance telemetry surface
type TelemetryRepository struct {
	store *storage.Store
}

type telemetryRow struct {
	ID         int64     `db:"id"`
	InstanceID string    `db:"instance_id"`
	Type       string    `db:"type"`
	Timestamp  time.Time `db:"timestamp"`
	Value      float64   `db:"value"`
	Metadata   string    `db:"metadata"`
}

// Append persists a telemetry sample
func (r *TelemetryRepository) Append(ctx context.Context, s *types.TelemetrySample) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	return withAcquireRetry(ctx, func() error {
		res, err := r.store.Execute(ctx, `INSERT INTO instance_telemetry
			(instance_id, type, timestamp, value, metadata)
			VALUES (?, ?, ?, ?, ?)`,
			s.InstanceID, string(s.Type), s.Timestamp, s.Value, marshalJSON(s.Metadata))
		if err != nil {
			return err
		}
		s.ID = res.LastInsertID
		return nil
	})
}

// Aggregate summarizes one telemetry stream over a time window
type Aggregate struct {
	Count int64   `db:"count"`
	Sum   float64 `db:"sum"`
	Min   float64 `db:"min"`
	Max   float64 `db:"max"`
	Avg   float64 `db:"avg"`
}

// AggregateTelemetry aggregates samples for an instance and type over
// [since, until)
func (r *TelemetryRepository) AggregateTelemetry(ctx context.Context, instanceID string, typ types.TelemetryType, since, until time.Time) (*Aggregate, error) {
	var agg Aggregate
	err := withAcquireRetry(ctx, func() error {
		return r.store.QueryOne(ctx, &agg,
			`SELECT COUNT(*) AS count,
			        COALESCE(SUM(value), 0) AS sum,
			        COALESCE(MIN(value), 0) AS min,
			        COALESCE(MAX(value), 0) AS max,
			        COALESCE(AVG(value), 0) AS avg
			 FROM instance_telemetry
			 WHERE instance_id = ? AND type = ? AND timestamp >= ? AND timestamp < ?`,
			instanceID, string(typ), since, until)
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// ByWindow returns all samples of a type across instances in [since, until)
func (r *TelemetryRepository) ByWindow(ctx context.Context, typ types.TelemetryType, since, until time.Time) ([]*types.TelemetrySample, error) {
	var rows []telemetryRow
	err := withAcquireRetry(ctx, func() error {
		return r.store.Query(ctx, &rows,
			`SELECT id, instance_id, type, timestamp, value, metadata
			 FROM instance_telemetry
			 WHERE type = ? AND timestamp >= ? AND timestamp < ?
			 ORDER BY timestamp`, string(typ), since, until)
	})
	if err != nil {
		return nil, err
	}
	samples := make([]*types.TelemetrySample, 0, len(rows))
	for _, row := range rows {
		samples = append(samples, &types.TelemetrySample{
			ID:         row.ID,
			InstanceID: row.InstanceID,
			Type:       types.TelemetryType(row.Type),
			Timestamp:  row.Timestamp,
			Value:      row.Value,
			Metadata:   unmarshalJSON(row.Metadata),
		})
	}
	return samples, nil
}
