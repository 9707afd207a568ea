// Package breaker implements per-backend-family circuit breakers and the
// fallback chain across families.
//
// Breaker state is a small key=value file shared by every process that calls
// a backend, guarded by an advisory file lock with a 10 second timeout. The
// file is parsed by whitelisted keys with validated integer values and is
// never evaluated as code. CLOSED trips to OPEN at the failure threshold,
// OPEN admits a single HALF_OPEN probe after the cooldown, and a HALF_OPEN
// outcome either closes or reopens the circuit.
package breaker
