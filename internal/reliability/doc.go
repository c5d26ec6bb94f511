// Package reliability provides retry and circuit-breaker primitives used by
// the publish path.
//
//   - Retry policies: exponential backoff with jitter and fixed delay
//   - Circuit breaker: trips after repeated broker failures so callers fail
//     fast instead of queueing behind a dead connection
//
// Error classification is cooperative: errors exposing IsRetryable() bool
// decide their own fate, anything else is treated as retryable.
package reliability
