// Package recovery implements the self-healing daemon. Every cycle it
// requeues stale tasks (past their type-derived timeout with no live worker),
// zombie tasks (worker heartbeat silent past the extended window) and the
// tasks of crashed workers, each in a single transaction with retry
// accounting and a recovery event. It also replays pending-sync markers so
// filesystem and database state reconverge after partial failures, reacting
// to new markers via fsnotify with the periodic sweep as fallback.
package recovery
