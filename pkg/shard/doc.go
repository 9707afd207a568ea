// Package shard records per-shard health from worker activity and keeps
// queued work balanced. Heartbeat age buckets a shard as healthy, degraded or
// unhealthy; a shard with queued tasks and no active worker is orphaned.
// Unhealthy and orphaned shards are drained toward the remaining healthy
// shards, and a wide queued-count spread triggers even redistribution.
package shard
