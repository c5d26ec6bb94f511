package messaging

import (
	"context"
)

// HeaderRedeliveredCount is the header carrying the internal redelivery
// counter, incremented per re-publish and independent of the broker's
// native redelivered flag.
const HeaderRedeliveredCount = "x-redelivered-count"

// ContentTypeJSON is the content type stamped on every published message.
const ContentTypeJSON = "application/json"

// DeliveryModePersistent marks messages as durable on the broker.
const DeliveryModePersistent uint8 = 2

// MessageProperties are the broker-level properties of a published message.
type MessageProperties struct {
	ContentType   string
	CorrelationID string
	DeliveryMode  uint8
	Expiration    string
	Headers       map[string]any
}

// QueueBinding describes the topology for one consumed queue.
type QueueBinding struct {
	Exchange   string
	Queue      string
	RoutingKey string
	// DeadLetter declares the parallel dead-letter exchange/queue pair and
	// routes broker-rejected messages there.
	DeadLetter bool
}

// SubscribeOptions configures a consume session for one queue.
type SubscribeOptions struct {
	PrefetchCount int
	Durable       bool
}

// Delivery is one received message together with its acknowledgment
// controls and enough routing metadata to re-publish it.
type Delivery interface {
	Body() []byte
	Headers() map[string]any
	Exchange() string
	RoutingKey() string
	CorrelationID() string

	// Ack acknowledges this delivery (multiple=false).
	Ack() error
	// Nack rejects this delivery, optionally requeueing it in place.
	Nack(requeue bool) error
}

// DeliveryHandler processes one delivery. The handler owns the ack/nack
// decision for the delivery it receives.
type DeliveryHandler func(delivery Delivery)

// TransportPublisher publishes raw bodies through the broker with
// publisher-confirm semantics.
type TransportPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, props MessageProperties) error
}

// TransportSubscriber binds queues and runs receive loops.
type TransportSubscriber interface {
	Subscribe(ctx context.Context, binding QueueBinding, opts SubscribeOptions, handler DeliveryHandler) error
	Unsubscribe(queue string) error
}

// Transport provides broker connectivity for the client.
type Transport interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Publisher() TransportPublisher
	Subscriber() TransportSubscriber
	Close() error
}
