package messaging

import (
	"context"
	"sync"
)

// fakeTransport records publishes and captures per-queue handlers so tests
// can inject deliveries.
type fakeTransport struct {
	mu sync.Mutex

	published []transportPublish
	// publishErr fails every publish when set.
	publishErr error
	// transientErr fails the first failuresBeforeSuccess publishes,
	// simulating a broker outage that recovers.
	transientErr          error
	failuresBeforeSuccess int

	subscribeErr  error
	subscriptions map[string]subscription
}

type transportPublish struct {
	exchange   string
	routingKey string
	body       []byte
	props      MessageProperties
}

type subscription struct {
	binding QueueBinding
	opts    SubscribeOptions
	handler DeliveryHandler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subscriptions: make(map[string]subscription)}
}

func (f *fakeTransport) Publish(ctx context.Context, exchange, routingKey string, body []byte, props MessageProperties) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failuresBeforeSuccess > 0 {
		f.failuresBeforeSuccess--
		return f.transientErr
	}
	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, transportPublish{
		exchange:   exchange,
		routingKey: routingKey,
		body:       append([]byte(nil), body...),
		props:      props,
	})
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, binding QueueBinding, opts SubscribeOptions, handler DeliveryHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscriptions[binding.Queue] = subscription{binding: binding, opts: opts, handler: handler}
	return nil
}

func (f *fakeTransport) Unsubscribe(queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscriptions, queue)
	return nil
}

// deliver injects a delivery into the handler bound to queue.
func (f *fakeTransport) deliver(queue string, delivery Delivery) {
	f.mu.Lock()
	sub, ok := f.subscriptions[queue]
	f.mu.Unlock()
	if ok {
		sub.handler(delivery)
	}
}

func (f *fakeTransport) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeTransport) lastPublish() transportPublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

// fakeDelivery is a recorded in-flight message with ack bookkeeping.
type fakeDelivery struct {
	mu sync.Mutex

	body          []byte
	headers       map[string]any
	exchange      string
	routingKey    string
	correlationID string

	acked    bool
	nacked   bool
	requeued bool
}

func (d *fakeDelivery) Body() []byte            { return d.body }
func (d *fakeDelivery) Exchange() string        { return d.exchange }
func (d *fakeDelivery) RoutingKey() string      { return d.routingKey }
func (d *fakeDelivery) CorrelationID() string   { return d.correlationID }
func (d *fakeDelivery) Headers() map[string]any { return d.headers }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	d.requeued = requeue
	return nil
}

func (d *fakeDelivery) wasAcked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

func (d *fakeDelivery) wasNacked() (bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nacked, d.requeued
}
