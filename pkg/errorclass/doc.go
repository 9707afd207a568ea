// Package errorclass classifies backend call failures along the taxonomy the
// fallback chain keys on (transport, input, auth, environment, invariant),
// decides retryability, and provides the exponential backoff policy used
// between attempts.
package errorclass
