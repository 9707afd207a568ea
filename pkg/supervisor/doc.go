// Package supervisor implements the control loop that keeps the pool whole:
// a routing pass over newly queued tasks, per-cycle shard health recording,
// respawning of missing (specialization, shard) worker slots within the crash
// budget, and periodic queue rebalancing with a forced pass every fifth
// cycle. Shutdown is graceful: workers are marked stopping, signaled, waited
// on, and force-killed only past the pool timeout.
package supervisor
