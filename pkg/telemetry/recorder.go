package telemetry

import (
	"context"
	"time"

	"github.com/taskwright/taskwright/pkg/repository"
	"github.com/taskwright/taskwright/pkg/types"
)

// Recorder writes instance telemetry samples. The supervisor calls it
// from its heartbeat and terminal paths; the rollup job consumes what
// it writes.
type Recorder struct {
	repos *repository.Repositories
}

// NewRecorder creates a recorder over the repository set
func NewRecorder(repos *repository.Repositories) *Recorder {
	return &Recorder{repos: repos}
}

// Heartbeat records child liveness with the elapsed run time as value
func (r *Recorder) Heartbeat(ctx context.Context, instanceID, taskID string, elapsed time.Duration) error {
	return r.record(ctx, instanceID, taskID, types.TelemetryHeartbeat, float64(elapsed.Milliseconds()))
}

// Timeout records a deadline hit with the configured limit as value
func (r *Recorder) Timeout(ctx context.Context, instanceID, taskID string, limitMs int64) error {
	return r.record(ctx, instanceID, taskID, types.TelemetryTimeout, float64(limitMs))
}

// Error records a child failure
func (r *Recorder) Error(ctx context.Context, instanceID, taskID string) error {
	return r.record(ctx, instanceID, taskID, types.TelemetryError, 1)
}

// Performance records a completed execution's elapsed time
func (r *Recorder) Performance(ctx context.Context, instanceID, taskID string, elapsed time.Duration) error {
	return r.record(ctx, instanceID, taskID, types.TelemetryPerformance, float64(elapsed.Milliseconds()))
}

// Resource records a resource usage sample
func (r *Recorder) Resource(ctx context.Context, instanceID string, value float64) error {
	return r.record(ctx, instanceID, "", types.TelemetryResource, value)
}

func (r *Recorder) record(ctx context.Context, instanceID, taskID string, typ types.TelemetryType, value float64) error {
	sample := &types.TelemetrySample{
		InstanceID: instanceID,
		Type:       typ,
		Value:      value,
	}
	if taskID != "" {
		sample.Metadata = map[string]any{"task_id": taskID}
	}
	return r.repos.Telemetry.Append(ctx, sample)
}
