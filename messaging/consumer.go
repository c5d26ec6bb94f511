package messaging

import (
	"context"
)

// DispatchMode is the connection-wide handler invocation mode.
type DispatchMode int

const (
	// SyncDispatch invokes handlers inline in the receive loop, preserving
	// per-queue processing order.
	SyncDispatch DispatchMode = iota
	// AsyncDispatch invokes handlers on their own goroutine per delivery;
	// concurrency is bounded by the prefetch count.
	AsyncDispatch
)

func (m DispatchMode) String() string {
	if m == AsyncDispatch {
		return "async"
	}
	return "sync"
}

// Consumer declares the queue and routing key a registered handler binds
// to. A concrete consumer additionally implements SyncConsumer or
// AsyncConsumer; which one must agree with the dispatcher's dispatch mode,
// checked eagerly at registration.
type Consumer interface {
	Queue() string
	RoutingKey() string
}

// SyncConsumer handles deliveries inline in the receive loop.
type SyncConsumer interface {
	Consumer
	Handle(ctx context.Context, payload []byte, token string) error
}

// AsyncConsumer handles deliveries on a dedicated goroutine per message.
type AsyncConsumer interface {
	Consumer
	HandleAsync(ctx context.Context, payload []byte, token string) error
}

// RecoveryConsumer is the recovery-capable consumer variant. Failure runs
// on every failed handling attempt; Rejected runs once when the message
// exhausts its redelivery budget and is dead-lettered.
type RecoveryConsumer interface {
	Failure(ctx context.Context, err error, token string)
	Rejected(ctx context.Context, payload []byte, token string)
}

// ConsumerFunc adapts a function to SyncConsumer.
type ConsumerFunc struct {
	QueueName string
	Key       string
	Fn        func(ctx context.Context, payload []byte, token string) error
}

// Queue implements Consumer
func (c ConsumerFunc) Queue() string { return c.QueueName }

// RoutingKey implements Consumer
func (c ConsumerFunc) RoutingKey() string { return c.Key }

// Handle implements SyncConsumer
func (c ConsumerFunc) Handle(ctx context.Context, payload []byte, token string) error {
	return c.Fn(ctx, payload, token)
}
