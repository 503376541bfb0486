/*
Package metrics defines taskwright's Prometheus collectors.

Collectors are package-level variables registered in init. The serve
command exposes them over an optional local HTTP listener; they are
process-level observability and independent of the persisted
instance-telemetry rollups in pkg/telemetry.
*/
package metrics
