// Package worker implements the long-running worker process: it registers
// itself for a (specialization, shard) slot, loops claim-execute-heartbeat,
// drives each claimed task through the SDLC phases via the backend fallback
// chain, and submits EXECUTE results to the quality gates for approval.
//
// Liveness is a triple: the OS process (pid file), the state file mtime and
// the heartbeat file mtime under state/workers/<id>/. The recovery daemon
// probes all three before declaring a worker gone.
package worker
