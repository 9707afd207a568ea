// Package queue implements task routing and the sharded, fair claim protocol.
//
// Routing places new tasks on a shard by a versioned hash of the task ID and
// resolves lane and backend family from a closed task-type prefix table. The
// claim path runs three gates before the atomic claim transaction: worker
// anti-starvation, a bounded candidate scan ordered by priority then age, and
// per-submitter fairness. Exactly one worker can claim a given task; losing
// the race is not an error, the worker loop simply tries again.
package queue
