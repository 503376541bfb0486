/*
Package telemetry rolls raw instance samples into the bucketed
time-series table.

A background pass runs every minute and folds the most recently closed
bucket at each resolution: minute buckets aggregate raw samples, and
hour, day and month buckets each fold the next finer resolution.
Merges are keyed on (type, resolution, bucket), so re-running a window
over the same inputs converges instead of double-counting.
*/
package telemetry
