/*
Package log provides structured logging for taskwright built on zerolog.

All server logs go to stderr because stdout is reserved for the
line-delimited JSON transport. Init configures the global logger once at
startup; packages derive child loggers with WithComponent, WithTaskID,
and WithInstanceID so every line carries its origin.

Usage:

	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true})
	logger := log.WithComponent("scheduler")
	logger.Info().Str("task_id", id).Msg("dispatching sub-task")
*/
package log
