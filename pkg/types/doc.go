// Package types defines the shared data model of the Foreman orchestrator:
// tasks, workers, heartbeats, events, artifacts, shard health and the enums
// that tie them together. It has no dependencies on other foreman packages so
// that every component can share these definitions without import cycles.
package types
