package repository

import (
	"context"
	"time"

	"github.com/taskwright/taskwright/pkg/storage"
	"github.com/taskwright/taskwright/pkg/types"
)

// MetricRepository is the bucketed time-series surface
type MetricRepository struct {
	store *storage.Store
}

type metricRow struct {
	ID         int64     `db:"id"`
	Type       string    `db:"type"`
	Timestamp  time.Time `db:"timestamp"`
	Resolution string    `db:"resolution"`
	Value      float64   `db:"value"`
	Count      int64     `db:"count"`
	Min        float64   `db:"min"`
	Max        float64   `db:"max"`
	Avg        float64   `db:"avg"`
	Sum        float64   `db:"sum"`
	Metadata   string    `db:"metadata"`
}

func (r metricRow) toPoint() *types.MetricPoint {
	res := types.Resolution(r.Resolution)
	return &types.MetricPoint{
		ID:         r.ID,
		Type:       types.MetricType(r.Type),
		Timestamp:  r.Timestamp,
		Resolution: res,
		Value:      r.Value,
		Count:      r.Count,
		Min:        r.Min,
		Max:        r.Max,
		Avg:        r.Avg,
		Sum:        r.Sum,
		Metadata:   unmarshalJSON(r.Metadata),
		TimeBucket: types.FloorTimestamp(r.Timestamp, res),
	}
}

// Merge upserts a bucketed aggregate. The bucket key
// (type, resolution, floored timestamp) identifies the row; repeated
// merges fold count, sum, min and max so rollups stay idempotent when
// re-run over already-merged inputs with the same sample set.
func (r *MetricRepository) Merge(ctx context.Context, p *types.MetricPoint) error {
	bucket := types.FloorTimestamp(p.Timestamp, p.Resolution)
	avg := p.Avg
	if p.Count > 0 && avg == 0 {
		avg = p.Sum / float64(p.Count)
	}
	return withAcquireRetry(ctx, func() error {
		_, err := r.store.Execute(ctx, `INSERT INTO time_series_metrics
			(type, timestamp, resolution, value, count, min, max, avg, sum, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(type, resolution, timestamp) DO UPDATE SET
				count = excluded.count,
				sum = excluded.sum,
				min = MIN(time_series_metrics.min, excluded.min),
				max = MAX(time_series_metrics.max, excluded.max),
				avg = excluded.avg,
				value = excluded.value`,
			string(p.Type), bucket, string(p.Resolution), p.Value, p.Count,
			p.Min, p.Max, avg, p.Sum, marshalJSON(p.Metadata))
		return err
	})
}

// Range returns points of one type and resolution in [since, until)
func (r *MetricRepository) Range(ctx context.Context, typ types.MetricType, res types.Resolution, since, until time.Time) ([]*types.MetricPoint, error) {
	var rows []metricRow
	err := withAcquireRetry(ctx, func() error {
		return r.store.Query(ctx, &rows,
			`SELECT id, type, timestamp, resolution, value, count, min, max, avg, sum, metadata
			 FROM time_series_metrics
			 WHERE type = ? AND resolution = ? AND timestamp >= ? AND timestamp < ?
			 ORDER BY timestamp`,
			string(typ), string(res), since, until)
	})
	if err != nil {
		return nil, err
	}
	points := make([]*types.MetricPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, row.toPoint())
	}
	return points, nil
}
