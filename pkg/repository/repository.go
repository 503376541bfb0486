package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskwright/taskwright/pkg/storage"
	"github.com/taskwright/taskwright/pkg/types"
)

// Repositories bundles one repository per entity kind, all sharing the
// same Store handle.
type Repositories struct {
	Tasks     *TaskRepository
	Subtasks  *SubtaskRepository
	Instances *InstanceRepository
	Logs      *LogRepository
	Results   *ResultRepository
	Telemetry *TelemetryRepository
	Metrics   *MetricRepository
}

// New creates the repository set over a store
func New(store *storage.Store) *Repositories {
	return &Repositories{
		Tasks:     &TaskRepository{store: store},
		Subtasks:  &SubtaskRepository{store: store},
		Instances: &InstanceRepository{store: store},
		Logs:      &LogRepository{store: store},
		Results:   &ResultRepository{store: store},
		Telemetry: &TelemetryRepository{store: store},
		Metrics:   &MetricRepository{store: store},
	}
}

// withAcquireRetry retries an operation once when the pool times out,
// then surfaces the error unchanged
func withAcquireRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(250*time.Millisecond), 1)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if types.KindOf(err) == types.KindAcquireTimeout {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}

// marshalJSON serializes a metadata map, defaulting to an empty object
func marshalJSON(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// unmarshalJSON deserializes a metadata column, tolerating legacy blanks
func unmarshalJSON(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// IsNotFound reports whether err is the store's missing-row sentinel
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
