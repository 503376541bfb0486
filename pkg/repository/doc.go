/*
Package repository provides the typed query surface over the store, one
repository per entity kind.

Every repository shares the single Store handle created at startup.
Writes pass through Store.Transaction; reads normalize JSON blob
columns (metadata, metrics, config) back into entity shapes and fill
computed fields such as Duration, HeartbeatAge and TimeBucket.

Contracts:

  - Create returns the canonical entity with generated ids and
    timestamps filled in.
  - Update applies last-writer-wins to the fields it names and never
    touches fields it omits.
  - Delete by id is a no-op when the row does not exist (Changes = 0).
  - A pool acquire-timeout is retried once with a short constant
    backoff before being surfaced to the caller.

TaskRepository.Transition is the single path for status changes. It
reads, validates and writes inside one transaction, rejects any exit
from a terminal state, and resolves timeout/cancel races through the
persisted timeout_handled guard so the first writer wins and repeats
are silent no-ops.
*/
package repository
