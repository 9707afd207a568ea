// Package eventstore implements the append-only JSONL event log and its
// rebuildable projections.
//
// One JSON object per line: {id, type, timestamp, payload, metadata,
// trace_id}. Writers serialize through an advisory file lock; readers take a
// shared lock and see a prefix-consistent view. Malformed lines are skipped
// with a warning so a torn write never poisons history.
package eventstore
