// Package metrics exposes Prometheus instrumentation for the orchestrator:
// queue depth and claim outcomes, worker pool composition, recovery activity,
// shard health, circuit breaker states and quality gate results. Metrics are
// registered at init and served via Handler.
package metrics
