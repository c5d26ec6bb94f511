package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConfirmPublisher publishes with publisher-confirm tracking. Each publish
// blocks until the broker acknowledges the message or the confirm wait
// times out; a broker nack surfaces as ErrPublishNacked.
type ConfirmPublisher struct {
	registry       *ChannelRegistry
	confirmTimeout time.Duration
	logger         *slog.Logger

	// Publishes are serialized so each confirm on the shared channel
	// matches the publish waiting for it.
	publishMu sync.Mutex
	sessions  map[string]*publishSession
}

type publishSession struct {
	channel  Channel
	confirms chan amqp.Confirmation
}

// ConfirmPublisherOption configures the ConfirmPublisher
type ConfirmPublisherOption func(*ConfirmPublisher)

// WithConfirmTimeout sets the confirm wait timeout
func WithConfirmTimeout(timeout time.Duration) ConfirmPublisherOption {
	return func(p *ConfirmPublisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) ConfirmPublisherOption {
	return func(p *ConfirmPublisher) {
		p.logger = logger
	}
}

// NewConfirmPublisher creates a new confirm-tracking publisher
func NewConfirmPublisher(registry *ChannelRegistry, options ...ConfirmPublisherOption) *ConfirmPublisher {
	p := &ConfirmPublisher{
		registry:       registry,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
		sessions:       make(map[string]*publishSession),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg to exchange/routingKey and waits for the broker
// confirm. The exchange is declared idempotently on channel creation.
func (p *ConfirmPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	session, err := p.session(exchange)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	if err := session.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		// A failed write usually means the channel died underneath us;
		// fault it so the next publish recreates.
		p.teardown(exchange)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	select {
	case confirm, ok := <-session.confirms:
		if !ok {
			p.teardown(exchange)
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrChannelClosed, Timestamp: time.Now()}
		}
		if !confirm.Ack {
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublishNacked, Timestamp: time.Now()}
		}
		return nil

	case <-time.After(p.confirmTimeout):
		// The confirm for this message may still arrive on the session's
		// channel. Discard the whole session so a late ack is never
		// matched to a later publish.
		p.teardown(exchange)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrConfirmTimeout, Timestamp: time.Now()}

	case <-ctx.Done():
		p.teardown(exchange)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ctx.Err(), Timestamp: time.Now()}
	}
}

// teardown drops the confirm session for exchange and faults its channel
// so the next publish starts from a fresh confirm stream. Caller holds
// publishMu.
func (p *ConfirmPublisher) teardown(exchange string) {
	delete(p.sessions, exchange)
	p.registry.Invalidate(publisherKey(exchange))
}

// session returns the confirm-enabled channel for exchange, rebuilding it
// when the registry handed out a fresh channel after a fault.
func (p *ConfirmPublisher) session(exchange string) (*publishSession, error) {
	ch, err := p.registry.Get(publisherKey(exchange), func(ch Channel) error {
		return DeclareExchange(ch, exchange, "direct")
	})
	if err != nil {
		return nil, err
	}

	session := p.sessions[exchange]
	if session != nil && session.channel == ch {
		return session, nil
	}

	if err := ch.Confirm(false); err != nil {
		return nil, err
	}
	session = &publishSession{
		channel:  ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}
	p.sessions[exchange] = session
	return session, nil
}

func publisherKey(exchange string) string {
	return "publisher." + exchange
}
