/*
Package storage provides the sqlite-backed embedded relational store.

A single Store is created at startup and shared by every repository. It
owns a connection pool bounded by MinConnections and MaxConnections,
enables foreign-key enforcement, write-ahead journaling and normal
synchronous mode on open, and migrates the schema up to the configured
target version before returning.

# Pool

Acquisition pops an idle connection or grows the pool up to the
maximum; beyond that, callers wait FIFO on a buffered channel and fail
with a typed acquire-timeout error after ConnectionTimeoutMs. Release
pushes the connection back and wakes exactly one waiter. A periodic
sweep closes connections idle longer than five minutes, never shrinking
below the minimum.

# Operations

	Transaction(ctx, fn)  // begin, fn, commit; rollback + rethrow on failure
	Query(ctx, dest, sql, args...)
	QueryOne(ctx, dest, sql, args...) // ErrNotFound when no row matches
	Execute(ctx, sql, args...)        // -> {Changes, LastInsertID}
	Batch(ctx, stmts)                 // all statements in one transaction

# Schema

Version 1 creates tasks, subtasks, instances, task_logs, task_results,
instance_telemetry and time_series_metrics, plus the tasks_fts FTS4
index (porter tokenizer) kept in sync by insert, update and
delete triggers. Deleting a task cascades to its children and all
descendant logs, results and telemetry via foreign keys. The
database_info key/value table records schema_version; migrations run in
sequence, one transaction per version, and failure is fatal at startup.
*/
package storage
