package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kallebelins/mvp24hours-go/contracts"
)

// Dispatcher binds registered consumers to their queues and runs the
// receive loop with manual acknowledgment, redelivery-count header
// management and dead-letter routing.
//
// Registrations are fixed for the lifetime of a consume session. Handler
// failures are retried by re-publishing the message with an incremented
// x-redelivered-count header until the budget is exhausted, then the
// message is nacked without requeue so the broker dead-letters it.
type Dispatcher struct {
	subscriber     TransportSubscriber
	publisher      TransportPublisher
	exchange       string
	mode           DispatchMode
	prefetchCount  int
	maxRedelivered int
	deadLetter     bool
	logger         *slog.Logger

	mu            sync.Mutex
	registrations map[string]*registration
	started       bool
}

// registration is one registered consumer with its resolved capabilities.
type registration struct {
	consumer Consumer
	handle   func(ctx context.Context, payload []byte, token string) error
	recovery RecoveryConsumer // nil when the consumer has no recovery hooks
	async    bool
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatchMode sets the connection-wide dispatch mode
func WithDispatchMode(mode DispatchMode) DispatcherOption {
	return func(d *Dispatcher) {
		d.mode = mode
	}
}

// WithConsumeExchange sets the exchange consumer queues bind to
func WithConsumeExchange(exchange string) DispatcherOption {
	return func(d *Dispatcher) {
		d.exchange = exchange
	}
}

// WithPrefetchCount sets the per-queue prefetch (QoS) count
func WithPrefetchCount(count int) DispatcherOption {
	return func(d *Dispatcher) {
		d.prefetchCount = count
	}
}

// WithMaxRedeliveredCount sets the redelivery budget before dead-lettering
func WithMaxRedeliveredCount(max int) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxRedelivered = max
	}
}

// WithDeadLetter toggles declaration of the parallel dead-letter topology
func WithDeadLetter(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.deadLetter = enabled
	}
}

// NewDispatcher creates a new consumer dispatcher
func NewDispatcher(subscriber TransportSubscriber, publisher TransportPublisher, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		subscriber:     subscriber,
		publisher:      publisher,
		mode:           SyncDispatch,
		prefetchCount:  1,
		maxRedelivered: 3,
		deadLetter:     true,
		logger:         slog.Default(),
		registrations:  make(map[string]*registration),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Register adds a consumer. The consumer's sync/async capability must
// agree with the dispatch mode; a mismatch is a configuration error
// detected here, not at consume time.
func (d *Dispatcher) Register(consumer Consumer) error {
	reg, err := d.resolve(consumer)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return ErrConsumeStarted
	}
	if _, exists := d.registrations[consumer.Queue()]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, consumer.Queue())
	}

	d.registrations[consumer.Queue()] = reg
	return nil
}

// Unregister removes a consumer before the consume session starts.
func (d *Dispatcher) Unregister(consumer Consumer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return ErrConsumeStarted
	}
	if _, exists := d.registrations[consumer.Queue()]; !exists {
		return fmt.Errorf("%w: %s", ErrNotRegistered, consumer.Queue())
	}

	delete(d.registrations, consumer.Queue())
	return nil
}

// Consume binds every registered consumer and starts receiving. Topology
// declaration failures propagate and are fatal for the call; per-message
// handler failures never crash the consume loop.
func (d *Dispatcher) Consume(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrConsumeStarted
	}
	d.started = true
	regs := make([]*registration, 0, len(d.registrations))
	for _, reg := range d.registrations {
		regs = append(regs, reg)
	}
	d.mu.Unlock()

	for _, reg := range regs {
		if err := ctx.Err(); err != nil {
			// Cancellation stops new bindings; in-flight deliveries on
			// already-bound queues finish their ack decision.
			return err
		}

		reg := reg
		binding := QueueBinding{
			Exchange:   d.exchange,
			Queue:      reg.consumer.Queue(),
			RoutingKey: reg.consumer.RoutingKey(),
			DeadLetter: d.deadLetter,
		}
		opts := SubscribeOptions{
			PrefetchCount: d.prefetchCount,
			Durable:       true,
		}

		err := d.subscriber.Subscribe(ctx, binding, opts, func(delivery Delivery) {
			if reg.async {
				go d.dispatch(ctx, reg, delivery)
			} else {
				d.dispatch(ctx, reg, delivery)
			}
		})
		if err != nil {
			return fmt.Errorf("bind queue %s: %w", binding.Queue, err)
		}

		d.logger.Info("consuming queue",
			"queue", binding.Queue,
			"routingKey", binding.RoutingKey,
			"mode", d.mode,
			"prefetch", d.prefetchCount)
	}

	return nil
}

// dispatch runs the per-message algorithm shared by the sync and async paths.
func (d *Dispatcher) dispatch(ctx context.Context, reg *registration, delivery Delivery) {
	count := redeliveredCount(delivery.Headers())

	envelope, err := contracts.ParseEnvelope(delivery.Body())
	if err != nil {
		d.logger.Error("discarding malformed message",
			"queue", reg.consumer.Queue(),
			"error", err)
		d.nack(delivery)
		return
	}

	token := envelope.Token
	payload := []byte(envelope.Body)

	handlerErr := d.invoke(ctx, reg, payload, token)
	if handlerErr == nil {
		if ackErr := delivery.Ack(); ackErr != nil {
			d.logger.Error("failed to ack message", "token", token, "error", ackErr)
		}
		return
	}

	d.logger.Warn("handler failed",
		"queue", reg.consumer.Queue(),
		"token", token,
		"redelivered", count,
		"error", handlerErr)

	d.handleFailure(ctx, reg, delivery, handlerErr, payload, token, count)
}

// invoke calls the registered handler, converting panics into errors so a
// misbehaving consumer cannot kill the receive loop.
func (d *Dispatcher) invoke(ctx context.Context, reg *registration, payload []byte, token string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return reg.handle(ctx, payload, token)
}

// handleFailure applies the redelivery decision: re-publish with an
// incremented counter while under budget, otherwise dead-letter. Any
// failure inside this path results in an unconditional nack-without-requeue
// so the message is never left unacknowledged.
func (d *Dispatcher) handleFailure(ctx context.Context, reg *registration, delivery Delivery, handlerErr error, payload []byte, token string, count int) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("recovery hook panicked", "token", token, "panic", r)
			d.nack(delivery)
		}
	}()

	if reg.recovery != nil {
		reg.recovery.Failure(ctx, handlerErr, token)
	}

	if count < d.maxRedelivered {
		if err := d.republish(ctx, delivery, count+1); err != nil {
			d.logger.Error("failed to re-publish for redelivery",
				"token", token,
				"error", err)
			d.nack(delivery)
			return
		}
		// The re-published copy carries the updated counter; the original
		// delivery is done.
		if err := delivery.Ack(); err != nil {
			d.logger.Error("failed to ack redelivered original", "token", token, "error", err)
		}
		return
	}

	if reg.recovery != nil {
		reg.recovery.Rejected(ctx, payload, token)
	}
	d.logger.Warn("redelivery budget exhausted, dead-lettering",
		"queue", reg.consumer.Queue(),
		"token", token,
		"redelivered", count)
	d.nack(delivery)
}

// republish sends the same body and properties back to the original
// exchange/routing key with the redelivery counter set to count.
func (d *Dispatcher) republish(ctx context.Context, delivery Delivery, count int) error {
	headers := make(map[string]any, len(delivery.Headers())+1)
	for k, v := range delivery.Headers() {
		headers[k] = v
	}
	headers[HeaderRedeliveredCount] = int32(count)

	props := MessageProperties{
		ContentType:   ContentTypeJSON,
		CorrelationID: delivery.CorrelationID(),
		DeliveryMode:  DeliveryModePersistent,
		Headers:       headers,
	}

	return d.publisher.Publish(ctx, delivery.Exchange(), delivery.RoutingKey(), delivery.Body(), props)
}

// nack rejects without requeue, routing to the dead-letter queue when the
// broker topology is configured for it.
func (d *Dispatcher) nack(delivery Delivery) {
	if err := delivery.Nack(false); err != nil {
		d.logger.Error("failed to nack message", "error", err)
	}
}

// resolve checks the consumer's capability against the dispatch mode.
func (d *Dispatcher) resolve(consumer Consumer) (*registration, error) {
	if consumer == nil {
		return nil, &ConfigurationError{Component: "dispatcher", Err: fmt.Errorf("consumer cannot be nil")}
	}
	if consumer.Queue() == "" {
		return nil, &ConfigurationError{Component: "dispatcher", Err: fmt.Errorf("consumer queue cannot be empty")}
	}

	reg := &registration{consumer: consumer}
	if rc, ok := consumer.(RecoveryConsumer); ok {
		reg.recovery = rc
	}

	switch d.mode {
	case SyncDispatch:
		sc, ok := consumer.(SyncConsumer)
		if !ok {
			return nil, &ConfigurationError{
				Component: "dispatcher",
				Err:       fmt.Errorf("%w: %T is not a sync consumer but dispatch mode is sync", ErrDispatchModeMismatch, consumer),
			}
		}
		reg.handle = sc.Handle

	case AsyncDispatch:
		ac, ok := consumer.(AsyncConsumer)
		if !ok {
			return nil, &ConfigurationError{
				Component: "dispatcher",
				Err:       fmt.Errorf("%w: %T is not an async consumer but dispatch mode is async", ErrDispatchModeMismatch, consumer),
			}
		}
		reg.handle = ac.HandleAsync
		reg.async = true
	}

	return reg, nil
}

// redeliveredCount reads the internal redelivery counter from message
// headers, defaulting to 0. AMQP table decoding may hand back several
// integer widths.
func redeliveredCount(headers map[string]any) int {
	v, ok := headers[HeaderRedeliveredCount]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
