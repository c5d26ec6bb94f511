// Package messaging provides the reliable-delivery messaging client for
// mvp24hours-go.
//
// The package implements:
//   - MessagePublisher: envelope serialization and publish-with-confirm,
//     returning the correlation token for idempotent downstream handling
//   - Dispatcher: consumer registration, the receive loop with manual
//     acknowledgment, header-based redelivery counting and dead-letter routing
//   - Consumer capability interfaces: sync or async dispatch plus optional
//     Failure/Rejected recovery hooks
//   - MessageScheduler: delayed delivery used by saga timeouts, with an
//     in-process timer implementation
//
// Delivery is at-least-once. Redelivery happens by re-publishing the failed
// message to its original routing key with an incremented x-redelivered-count
// header, so a retried message goes to the back of the queue; messages
// exceeding the redelivery budget are nacked without requeue and routed to
// the parallel dead-letter queue.
package messaging
