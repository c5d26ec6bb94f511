// Package saga turns a stream of correlated messages into ordered state
// transitions of a persisted, long-running business process.
//
// A saga instance is keyed by correlation id and loaded (or created) for
// every consumed message that carries that id. Application handlers drive
// the instance through a ConsumeContext, which exposes state transitions,
// completion and fault, timeout scheduling through an external message
// scheduler, and event raising through the publisher. Once an instance is
// completed or faulted it is terminal: further transitions are rejected.
//
// The repository is the sole source of truth; instances are never cached
// across messages. Saving happens at the coordinator boundary after the
// handler runs, so a failed save can be retried independently of message
// acknowledgment. Two concurrent messages for the same correlation id can
// race at the storage layer; backends are expected to provide
// read-modify-write atomicity, as the Redis repository does with
// optimistic concurrency.
package saga
