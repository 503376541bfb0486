/*
Package types defines the core data structures used throughout taskwright.

This package contains the domain model for the execution engine: tasks and
sub-tasks forming the execution graph, instances (supervised child-process
slots), task logs, task results, instance telemetry samples, and bucketed
time-series metrics. These types are used by all other packages for state
management, scheduling, and persistence.

# Core Types

Task Graph:
  - Task: A node in the execution graph; roots have no parent
  - SubTask: The parser's pre-persistence view of a child node
  - TaskStatus: pending, running, completed, failed, cancelled, timeout
  - ExecutionMode: sequential or parallel sibling dispatch
  - ReturnMode: summary or full root output

Execution:
  - Instance: A supervised child-process slot with rolling metrics
  - InstanceMetrics: total/success/failure/timeout/cancel counters and times
  - TaskLog: Append-only event stream per task
  - TaskResult: The single terminal record per task

Telemetry:
  - TelemetrySample: Raw per-instance sample (heartbeat, timeout, ...)
  - MetricPoint: Bucketed aggregate at minute/hour/day/month resolution

# State Machine

Tasks follow a strict state machine:

	pending → running → {completed | failed | cancelled | timeout}
	pending → {cancelled | timeout}

Terminal states have no outgoing transitions. TaskStatus.CanTransitionTo
is the single source of truth; the repository layer enforces it inside a
transaction so concurrent writers cannot race a task out of a terminal
state.

# Errors

Error is the typed failure carried across package boundaries. Every
failure has an ErrorKind and a human message; WireCode maps kinds onto
the transport's error codes.

All enums use typed string constants:

	type TaskStatus string
	const (
	    TaskStatusPending TaskStatus = "pending"
	    TaskStatusRunning TaskStatus = "running"
	)
*/
package types
