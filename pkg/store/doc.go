// Package store implements the authoritative current-state projection of the
// orchestrator on an embedded SQLite database.
//
// The database runs with WAL journaling, a 5 second busy timeout and foreign
// keys on. Every mutating call executes as an IMMEDIATE transaction so the
// write lock is taken up front, and event rows are inserted in the same
// transaction as the state change they describe. The append-only JSONL log in
// pkg/eventstore remains the ground-truth history; this store is what the
// claim protocol, recovery loop and supervisor read and write at runtime.
package store
