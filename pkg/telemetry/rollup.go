package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskwright/taskwright/pkg/log"
	"github.com/taskwright/taskwright/pkg/metrics"
	"github.com/taskwright/taskwright/pkg/repository"
	"github.com/taskwright/taskwright/pkg/types"
)

// rollupInterval is the cadence of the background minute rollup
const rollupInterval = time.Minute

// Rollup folds raw telemetry samples into bucketed time-series rows.
// The minute resolution aggregates samples directly; hour, day and
// month each fold the next finer resolution. Re-running a window over
// the same inputs converges to the same rows.
type Rollup struct {
	repos  *repository.Repositories
	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRollup creates the rollup job
func NewRollup(repos *repository.Repositories) *Rollup {
	return &Rollup{
		repos:  repos,
		logger: log.WithComponent("telemetry"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the background rollup loop
func (r *Rollup) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop halts the loop and waits for the in-flight pass
func (r *Rollup) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Rollup) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(rollupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := r.Pass(ctx, time.Now()); err != nil {
				r.logger.Warn().Err(err).Msg("Rollup pass failed")
			}
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

// Pass rolls the most recently closed bucket of every resolution. The
// bucket still being written is left alone; it gets folded on the next
// pass after it closes.
func (r *Rollup) Pass(ctx context.Context, now time.Time) error {
	for _, res := range []types.Resolution{
		types.ResolutionMinute, types.ResolutionHour,
		types.ResolutionDay, types.ResolutionMonth,
	} {
		closed := types.FloorTimestamp(now, res).Add(-res.Duration())
		if err := r.RollupRange(ctx, res, closed, closed.Add(res.Duration())); err != nil {
			return err
		}
	}
	r.refreshTaskGauge(ctx)
	return nil
}

// refreshTaskGauge mirrors the per-status task counts into prometheus
func (r *Rollup) refreshTaskGauge(ctx context.Context) {
	counts, err := r.repos.Tasks.CountByStatus(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to count tasks by status")
		return
	}
	for _, status := range []types.TaskStatus{
		types.TaskStatusPending, types.TaskStatusRunning,
		types.TaskStatusCompleted, types.TaskStatusFailed,
		types.TaskStatusCancelled, types.TaskStatusTimeout,
	} {
		metrics.TasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// RollupRange folds one resolution over [since, until). Minute buckets
// aggregate raw samples; coarser buckets fold the next finer
// resolution's rows.
func (r *Rollup) RollupRange(ctx context.Context, res types.Resolution, since, until time.Time) error {
	if res == types.ResolutionMinute {
		return r.rollupSamples(ctx, since, until)
	}
	return r.rollupFiner(ctx, res, since, until)
}

// sampleMetric maps a telemetry stream to its time-series stream
var sampleMetric = map[types.TelemetryType]types.MetricType{
	types.TelemetryPerformance: types.MetricTaskDuration,
	types.TelemetryTimeout:     types.MetricTimeoutCount,
	types.TelemetryError:       types.MetricErrorCount,
}

func (r *Rollup) rollupSamples(ctx context.Context, since, until time.Time) error {
	for typ, metric := range sampleMetric {
		samples, err := r.repos.Telemetry.ByWindow(ctx, typ, since, until)
		if err != nil {
			return err
		}
		buckets := make(map[time.Time]*types.MetricPoint)
		for _, s := range samples {
			key := types.FloorTimestamp(s.Timestamp, types.ResolutionMinute)
			p, ok := buckets[key]
			if !ok {
				p = &types.MetricPoint{
					Type:       metric,
					Timestamp:  key,
					Resolution: types.ResolutionMinute,
					Min:        s.Value,
					Max:        s.Value,
				}
				buckets[key] = p
			}
			p.Count++
			p.Sum += s.Value
			if s.Value < p.Min {
				p.Min = s.Value
			}
			if s.Value > p.Max {
				p.Max = s.Value
			}
		}
		for _, p := range buckets {
			p.Avg = p.Sum / float64(p.Count)
			p.Value = p.Sum
			if err := r.repos.Metrics.Merge(ctx, p); err != nil {
				return err
			}
		}
		if len(buckets) > 0 {
			r.logger.Debug().Str("metric", string(metric)).
				Int("buckets", len(buckets)).Msg("Rolled up samples")
		}
	}
	return nil
}

func (r *Rollup) rollupFiner(ctx context.Context, res types.Resolution, since, until time.Time) error {
	finer := res.Finer()
	for _, metric := range sampleMetric {
		points, err := r.repos.Metrics.Range(ctx, metric, finer, since, until)
		if err != nil {
			return err
		}
		buckets := make(map[time.Time]*types.MetricPoint)
		for _, fp := range points {
			key := types.FloorTimestamp(fp.Timestamp, res)
			p, ok := buckets[key]
			if !ok {
				p = &types.MetricPoint{
					Type:       metric,
					Timestamp:  key,
					Resolution: res,
					Min:        fp.Min,
					Max:        fp.Max,
				}
				buckets[key] = p
			}
			p.Count += fp.Count
			p.Sum += fp.Sum
			if fp.Min < p.Min {
				p.Min = fp.Min
			}
			if fp.Max > p.Max {
				p.Max = fp.Max
			}
		}
		for _, p := range buckets {
			if p.Count > 0 {
				p.Avg = p.Sum / float64(p.Count)
			}
			p.Value = p.Sum
			if err := r.repos.Metrics.Merge(ctx, p); err != nil {
				return err
			}
		}
	}
	return nil
}
