package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kallebelins/mvp24hours-go/contracts"
	"github.com/kallebelins/mvp24hours-go/internal/reliability"
)

// Publisher is the publish capability consumed by the saga layer and the
// scheduler.
type Publisher interface {
	// Publish serializes payload into an envelope and publishes it,
	// returning the correlation token. A token is generated when none is
	// supplied via WithToken.
	Publish(ctx context.Context, payload any, options ...PublishOption) (string, error)
}

// MessagePublisher publishes envelopes with confirm tracking, retrying
// transient broker failures with exponential backoff.
type MessagePublisher struct {
	transport         TransportPublisher
	defaultExchange   string
	defaultRoutingKey string
	retryPolicy       reliability.RetryPolicy
	circuitBreaker    *reliability.CircuitBreaker
	logger            *slog.Logger
}

// PublisherOption configures the MessagePublisher
type PublisherOption func(*MessagePublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *MessagePublisher) {
		p.logger = logger
	}
}

// WithDefaultExchange sets the exchange used when a publish names none
func WithDefaultExchange(exchange string) PublisherOption {
	return func(p *MessagePublisher) {
		p.defaultExchange = exchange
	}
}

// WithDefaultRoutingKey sets the routing key used when a publish names none
func WithDefaultRoutingKey(routingKey string) PublisherOption {
	return func(p *MessagePublisher) {
		p.defaultRoutingKey = routingKey
	}
}

// WithRetryPolicy sets the retry policy for transient publish failures
func WithRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *MessagePublisher) {
		p.retryPolicy = policy
	}
}

// WithCircuitBreaker guards the publish path with a circuit breaker
func WithCircuitBreaker(cb *reliability.CircuitBreaker) PublisherOption {
	return func(p *MessagePublisher) {
		p.circuitBreaker = cb
	}
}

// NewMessagePublisher creates a new message publisher
func NewMessagePublisher(transport TransportPublisher, options ...PublisherOption) *MessagePublisher {
	p := &MessagePublisher{
		transport:   transport,
		logger:      slog.Default(),
		retryPolicy: reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 3),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishOptions configures a single publish call.
type PublishOptions struct {
	Exchange   string
	RoutingKey string
	Token      string
	TTL        time.Duration
	Headers    map[string]any
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithExchange sets the target exchange
func WithExchange(exchange string) PublishOption {
	return func(opts *PublishOptions) {
		opts.Exchange = exchange
	}
}

// WithRoutingKey sets the routing key
func WithRoutingKey(routingKey string) PublishOption {
	return func(opts *PublishOptions) {
		opts.RoutingKey = routingKey
	}
}

// WithToken sets an explicit correlation token. Re-publishing with the
// same token keeps downstream handling idempotent.
func WithToken(token string) PublishOption {
	return func(opts *PublishOptions) {
		opts.Token = token
	}
}

// WithTTL sets the message time-to-live
func WithTTL(ttl time.Duration) PublishOption {
	return func(opts *PublishOptions) {
		opts.TTL = ttl
	}
}

// WithHeaders merges custom headers into the message
func WithHeaders(headers map[string]any) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Headers == nil {
			opts.Headers = make(map[string]any)
		}
		for k, v := range headers {
			opts.Headers[k] = v
		}
	}
}

// Publish implements Publisher. On successful return the message has been
// broker-acknowledged at least once; on failure the caller must assume
// non-delivery and may retry with the same token.
func (p *MessagePublisher) Publish(ctx context.Context, payload any, options ...PublishOption) (string, error) {
	if payload == nil {
		return "", &ConfigurationError{Component: "publisher", Err: fmt.Errorf("payload cannot be nil")}
	}

	opts := PublishOptions{
		Exchange:   p.defaultExchange,
		RoutingKey: p.defaultRoutingKey,
	}
	for _, opt := range options {
		opt(&opts)
	}

	if opts.RoutingKey == "" {
		return "", &ConfigurationError{Component: "publisher", Err: ErrNoRoutingKey}
	}

	envelope, err := contracts.NewEnvelope(payload, opts.Token)
	if err != nil {
		return "", err
	}

	body, err := envelope.Encode()
	if err != nil {
		return "", err
	}

	headers := map[string]any{
		HeaderRedeliveredCount: int32(0),
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	props := MessageProperties{
		ContentType:   ContentTypeJSON,
		CorrelationID: envelope.Token,
		DeliveryMode:  DeliveryModePersistent,
		Headers:       headers,
	}
	if opts.TTL > 0 {
		props.Expiration = fmt.Sprintf("%d", opts.TTL.Milliseconds())
	}

	publishFunc := func() error {
		return p.transport.Publish(ctx, opts.Exchange, opts.RoutingKey, body, props)
	}
	if p.circuitBreaker != nil {
		inner := publishFunc
		publishFunc = func() error {
			return p.circuitBreaker.Execute(ctx, inner)
		}
	}

	if err := reliability.Retry(ctx, p.retryPolicy, publishFunc); err != nil {
		p.logger.Error("failed to publish message",
			"token", envelope.Token,
			"exchange", opts.Exchange,
			"routingKey", opts.RoutingKey,
			"error", err)
		return "", fmt.Errorf("publish %s/%s: %w", opts.Exchange, opts.RoutingKey, err)
	}

	p.logger.Debug("message published",
		"token", envelope.Token,
		"exchange", opts.Exchange,
		"routingKey", opts.RoutingKey)

	return envelope.Token, nil
}
