/*
Package supervisor owns the assistant CLI child processes.

The Pool caps live instances and reuses warm ones most-recently-used
first; acquirers past the cap queue FIFO. The Runner executes exactly
one task per call: bind an instance, spawn the CLI with the prompt on
stdin, supervise the child against heartbeat cadence and the task
deadline, then persist the terminal result and release the instance.

Spawn failures retry with a linear delay; anything after a successful
start never retries. Timed-out and cancelled children get SIGTERM, a
short grace period, then SIGKILL.
*/
package supervisor
