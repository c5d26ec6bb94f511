// Package rabbitmq adapts the internal RabbitMQ client to the transport
// interfaces consumed by the messaging layer.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kallebelins/mvp24hours-go/internal/rabbitmq"
	"github.com/kallebelins/mvp24hours-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	registry  *rabbitmq.ChannelRegistry
	publisher *rabbitmq.ConfirmPublisher
	logger    *slog.Logger

	mu            sync.Mutex
	subscriptions map[string]context.CancelFunc
}

// TransportOption configures the transport
type TransportOption func(*transportConfig)

type transportConfig struct {
	connectionOptions []rabbitmq.ConnectionOption
	publisherOptions  []rabbitmq.ConfirmPublisherOption
	logger            *slog.Logger
}

// WithTransportLogger sets the logger
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(cfg *transportConfig) {
		cfg.logger = logger
	}
}

// WithConnectionOptions forwards options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *transportConfig) {
		cfg.connectionOptions = append(cfg.connectionOptions, opts...)
	}
}

// WithPublisherOptions forwards options to the confirm publisher
func WithPublisherOptions(opts ...rabbitmq.ConfirmPublisherOption) TransportOption {
	return func(cfg *transportConfig) {
		cfg.publisherOptions = append(cfg.publisherOptions, opts...)
	}
}

// NewTransport creates a RabbitMQ transport for the given broker URL.
// Call Connect before publishing or subscribing.
func NewTransport(url string, options ...TransportOption) *Transport {
	cfg := &transportConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	manager := rabbitmq.NewConnectionManager(url, cfg.connectionOptions...)
	registry := rabbitmq.NewChannelRegistry(manager, rabbitmq.WithRegistryLogger(cfg.logger))
	publisher := rabbitmq.NewConfirmPublisher(registry, cfg.publisherOptions...)

	return &Transport{
		manager:       manager,
		registry:      registry,
		publisher:     publisher,
		logger:        cfg.logger,
		subscriptions: make(map[string]context.CancelFunc),
	}
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context) error {
	return t.manager.TryConnect(ctx)
}

// IsConnected implements messaging.Transport
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Publisher implements messaging.Transport
func (t *Transport) Publisher() messaging.TransportPublisher {
	return &transportPublisher{transport: t}
}

// Subscriber implements messaging.Transport
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return &transportSubscriber{transport: t}
}

// Close stops all consume loops and closes channels and the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	for queue, cancel := range t.subscriptions {
		cancel()
		delete(t.subscriptions, queue)
	}
	t.mu.Unlock()

	if err := t.registry.Close(); err != nil {
		t.logger.Warn("failed to close channel registry", "error", err)
	}
	return t.manager.Close()
}

// transportPublisher bridges messaging.TransportPublisher onto the
// confirm publisher.
type transportPublisher struct {
	transport *Transport
}

func (p *transportPublisher) Publish(ctx context.Context, exchange, routingKey string, body []byte, props messaging.MessageProperties) error {
	if err := p.transport.manager.TryConnect(ctx); err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:   props.ContentType,
		CorrelationId: props.CorrelationID,
		DeliveryMode:  props.DeliveryMode,
		Expiration:    props.Expiration,
		Timestamp:     time.Now().UTC(),
		Headers:       amqp.Table(props.Headers),
		Body:          body,
	}

	return p.transport.publisher.Publish(ctx, exchange, routingKey, msg)
}

// transportSubscriber bridges messaging.TransportSubscriber onto the
// channel registry, running one receive loop per queue.
type transportSubscriber struct {
	transport *Transport
}

func (s *transportSubscriber) Subscribe(ctx context.Context, binding messaging.QueueBinding, opts messaging.SubscribeOptions, handler messaging.DeliveryHandler) error {
	t := s.transport

	if err := t.manager.TryConnect(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	if _, exists := t.subscriptions[binding.Queue]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", messaging.ErrAlreadyRegistered, binding.Queue)
	}
	consumeCtx, cancel := context.WithCancel(ctx)
	t.subscriptions[binding.Queue] = cancel
	t.mu.Unlock()

	deliveries, err := s.consume(binding, opts)
	if err != nil {
		s.drop(binding.Queue)
		return err
	}

	go s.receiveLoop(consumeCtx, binding, opts, deliveries, handler)
	return nil
}

func (s *transportSubscriber) Unsubscribe(queue string) error {
	t := s.transport

	t.mu.Lock()
	cancel, ok := t.subscriptions[queue]
	if ok {
		delete(t.subscriptions, queue)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", messaging.ErrNotRegistered, queue)
	}
	cancel()
	return nil
}

// consume obtains the queue's channel (declaring topology lazily) and
// starts a manual-acknowledgment consumer on it.
func (s *transportSubscriber) consume(binding messaging.QueueBinding, opts messaging.SubscribeOptions) (<-chan amqp.Delivery, error) {
	topology := rabbitmq.QueueTopology{
		Exchange:   binding.Exchange,
		Queue:      binding.Queue,
		RoutingKey: binding.RoutingKey,
		Durable:    opts.Durable,
		DeadLetter: binding.DeadLetter,
	}

	ch, err := s.transport.registry.Get(binding.Queue, func(ch rabbitmq.Channel) error {
		return rabbitmq.DeclareQueueTopology(ch, topology)
	})
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(opts.PrefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("set qos on %s: %w", binding.Queue, err)
	}

	return ch.Consume(binding.Queue, "", false, false, false, false, nil)
}

// receiveLoop feeds deliveries to the handler until cancelled. When the
// delivery channel closes (channel fault), the loop re-acquires a channel
// from the registry, which re-declares the topology, and resumes.
func (s *transportSubscriber) receiveLoop(ctx context.Context, binding messaging.QueueBinding, opts messaging.SubscribeOptions, deliveries <-chan amqp.Delivery, handler messaging.DeliveryHandler) {
	t := s.transport

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("consumer stopped", "queue", binding.Queue)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				t.logger.Warn("delivery channel closed, recovering", "queue", binding.Queue)

				recovered, err := s.recover(ctx, binding, opts)
				if err != nil {
					t.logger.Error("consumer recovery failed",
						"queue", binding.Queue,
						"error", err)
					s.drop(binding.Queue)
					return
				}
				deliveries = recovered
				continue
			}

			handler(&amqpDelivery{delivery: delivery})
		}
	}
}

// recover waits for connectivity and restarts consumption after a channel
// fault.
func (s *transportSubscriber) recover(ctx context.Context, binding messaging.QueueBinding, opts messaging.SubscribeOptions) (<-chan amqp.Delivery, error) {
	if err := s.transport.manager.TryConnect(ctx); err != nil {
		return nil, err
	}
	return s.consume(binding, opts)
}

func (s *transportSubscriber) drop(queue string) {
	t := s.transport
	t.mu.Lock()
	if cancel, ok := t.subscriptions[queue]; ok {
		cancel()
		delete(t.subscriptions, queue)
	}
	t.mu.Unlock()
}

// amqpDelivery adapts amqp.Delivery to messaging.Delivery.
type amqpDelivery struct {
	delivery amqp.Delivery
}

func (d *amqpDelivery) Body() []byte {
	return d.delivery.Body
}

func (d *amqpDelivery) Headers() map[string]any {
	return map[string]any(d.delivery.Headers)
}

func (d *amqpDelivery) Exchange() string {
	return d.delivery.Exchange
}

func (d *amqpDelivery) RoutingKey() string {
	return d.delivery.RoutingKey
}

func (d *amqpDelivery) CorrelationID() string {
	return d.delivery.CorrelationId
}

func (d *amqpDelivery) Ack() error {
	return d.delivery.Ack(false)
}

func (d *amqpDelivery) Nack(requeue bool) error {
	return d.delivery.Nack(false, requeue)
}
