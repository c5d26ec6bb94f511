package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeChannel records topology and publish calls and lets tests control
// confirm behavior and channel lifetime.
type fakeChannel struct {
	mu sync.Mutex

	closed      bool
	exchanges   []declaredExchange
	queues      map[string]amqp.Table
	bindings    []declaredBinding
	qosPrefetch int

	published   []publishedMessage
	publishErr  error
	declareErr  error
	confirmErr  error
	confirmMode string // "ack", "nack" or "" for no confirm
	confirmOn   bool
	confirms    chan amqp.Confirmation
	deliveryTag uint64

	notifyClose []chan *amqp.Error
}

type declaredExchange struct {
	name string
	kind string
}

type declaredBinding struct {
	queue      string
	routingKey string
	exchange   string
}

type publishedMessage struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		queues:      make(map[string]amqp.Table),
		confirmMode: "ack",
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return f.declareErr
	}
	f.exchanges = append(f.exchanges, declaredExchange{name: name, kind: kind})
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return amqp.Queue{}, f.declareErr
	}
	f.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return f.declareErr
	}
	f.bindings = append(f.bindings, declaredBinding{queue: name, routingKey: key, exchange: exchange})
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qosPrefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch := make(chan amqp.Delivery)
	close(ch)
	return ch, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, publishedMessage{exchange: exchange, routingKey: key, msg: msg})
	f.deliveryTag++

	if f.confirmOn && f.confirms != nil && f.confirmMode != "" {
		f.confirms <- amqp.Confirmation{
			DeliveryTag: f.deliveryTag,
			Ack:         f.confirmMode == "ack",
		}
	}
	return nil
}

func (f *fakeChannel) Confirm(noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmOn = true
	return nil
}

func (f *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = confirm
	return confirm
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyClose = append(f.notifyClose, c)
	return c
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fail simulates a broker-side channel close.
func (f *fakeChannel) fail(amqpErr *amqp.Error) {
	f.mu.Lock()
	f.closed = true
	listeners := f.notifyClose
	f.notifyClose = nil
	f.mu.Unlock()

	for _, c := range listeners {
		c <- amqpErr
		close(c)
	}
}

// confirm injects a broker confirmation into the registered confirm
// listener, used to simulate an ack arriving after the wait gave up.
func (f *fakeChannel) confirm(tag uint64, ack bool) {
	f.mu.Lock()
	ch := f.confirms
	f.mu.Unlock()
	if ch != nil {
		ch <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
	}
}

func (f *fakeChannel) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// fakeConnection implements Connection for dial tests.
type fakeConnection struct {
	mu         sync.Mutex
	closed     bool
	channelErr error
	channels   []*fakeChannel
	notify     []chan *amqp.Error
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := newFakeChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, ch)
	return ch
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fail simulates the broker dropping the connection.
func (c *fakeConnection) fail(amqpErr *amqp.Error) {
	c.mu.Lock()
	c.closed = true
	listeners := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range listeners {
		ch <- amqpErr
		close(ch)
	}
}

// fakeFactory implements ChannelFactory, handing out a fresh fakeChannel
// per call. When prepare is set, it runs on every new channel before the
// caller sees it.
type fakeFactory struct {
	mu       sync.Mutex
	err      error
	prepare  func(*fakeChannel)
	channels []*fakeChannel
}

func (f *fakeFactory) CreateChannel() (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := newFakeChannel()
	if f.prepare != nil {
		f.prepare(ch)
	}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *fakeFactory) last() *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.channels) == 0 {
		return nil
	}
	return f.channels[len(f.channels)-1]
}
