// Package rabbitmq provides the RabbitMQ transport internals for mvp24hours-go.
//
// This package includes:
//   - ConnectionManager: owns the single broker connection with bounded retry
//   - ChannelRegistry: one channel per logical queue with fault-triggered recreation
//   - ConfirmPublisher: publishing with publisher-confirm tracking
//   - Topology helpers: exchange/queue/binding declaration including dead-letter pairs
//
// Channels recovered after a callback exception follow an explicit state machine
// (Open -> Faulted -> Recreating -> Open) guarded by a single mutation point, so
// concurrent deliveries observing a stale channel never race the recreation.
package rabbitmq
