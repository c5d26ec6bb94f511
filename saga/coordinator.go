package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kallebelins/mvp24hours-go/contracts"
	"github.com/kallebelins/mvp24hours-go/messaging"
)

// Handler processes one message in the context of a saga instance.
type Handler[T any] interface {
	Handle(ctx context.Context, sagaCtx *ConsumeContext[T], payload []byte) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc[T any] func(ctx context.Context, sagaCtx *ConsumeContext[T], payload []byte) error

// Handle implements Handler
func (f HandlerFunc[T]) Handle(ctx context.Context, sagaCtx *ConsumeContext[T], payload []byte) error {
	return f(ctx, sagaCtx, payload)
}

// Coordinator drives saga instances: it loads or creates an instance by
// the message's correlation token, runs the handler against a
// ConsumeContext, and persists the instance after the handler returns.
// The save at the consume boundary is the only write path; handlers
// mutate the instance in memory through the context.
type Coordinator[T any] struct {
	repository   Repository[T]
	publisher    messaging.Publisher
	scheduler    messaging.MessageScheduler
	initialState string
	logger       *slog.Logger
}

// CoordinatorOption configures the Coordinator
type CoordinatorOption[T any] func(*Coordinator[T])

// WithCoordinatorLogger sets the logger
func WithCoordinatorLogger[T any](logger *slog.Logger) CoordinatorOption[T] {
	return func(c *Coordinator[T]) {
		c.logger = logger
	}
}

// WithEventPublisher sets the publisher used for ConsumeContext.RaiseEvent
func WithEventPublisher[T any](publisher messaging.Publisher) CoordinatorOption[T] {
	return func(c *Coordinator[T]) {
		c.publisher = publisher
	}
}

// WithTimeoutScheduler sets the scheduler used for saga timeouts
func WithTimeoutScheduler[T any](scheduler messaging.MessageScheduler) CoordinatorOption[T] {
	return func(c *Coordinator[T]) {
		c.scheduler = scheduler
	}
}

// NewCoordinator creates a Coordinator. New instances start in
// initialState.
func NewCoordinator[T any](repository Repository[T], initialState string, options ...CoordinatorOption[T]) (*Coordinator[T], error) {
	if repository == nil {
		return nil, fmt.Errorf("saga: repository cannot be nil")
	}
	if initialState == "" {
		return nil, fmt.Errorf("saga: initial state cannot be empty")
	}

	c := &Coordinator[T]{
		repository:   repository,
		initialState: initialState,
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c, nil
}

// Consume runs one message through the saga. The token doubles as the
// correlation id; an unknown token creates a fresh instance in the
// initial state. The instance is saved after the handler returns
// successfully, making handler failure and redelivery safe to retry.
func (c *Coordinator[T]) Consume(ctx context.Context, token, messageType string, payload []byte, handler Handler[T]) error {
	if handler == nil {
		return fmt.Errorf("saga: handler cannot be nil")
	}

	correlationID, err := uuid.Parse(token)
	if err != nil {
		return fmt.Errorf("saga: token %q is not a correlation id: %w", token, err)
	}

	instance, err := c.repository.Load(ctx, correlationID)
	isNew := false
	if errors.Is(err, ErrInstanceNotFound) {
		instance = NewInstance[T](correlationID, c.initialState)
		isNew = true
	} else if err != nil {
		return fmt.Errorf("saga: load instance: %w", err)
	}

	sagaCtx := &ConsumeContext[T]{
		instance:    instance,
		isNew:       isNew,
		token:       token,
		messageType: messageType,
		scheduler:   c.scheduler,
		publisher:   c.publisher,
		logger:      c.logger,
	}

	c.logger.Debug("saga consume",
		"correlationId", correlationID,
		"messageType", messageType,
		"isNew", isNew,
		"state", instance.CurrentState)

	if err := handler.Handle(ctx, sagaCtx, payload); err != nil {
		return fmt.Errorf("saga: handler for %s: %w", messageType, err)
	}

	if err := c.repository.Save(ctx, instance); err != nil {
		return fmt.Errorf("saga: save instance %s: %w", correlationID, err)
	}

	c.logger.Debug("saga saved",
		"correlationId", correlationID,
		"state", instance.CurrentState,
		"completed", instance.IsCompleted,
		"faulted", instance.IsFaulted)
	return nil
}

// Consumer binds a message type and handler to a queue, producing a
// synchronous consumer for dispatcher registration. The envelope token
// carried in each message selects the saga instance.
func (c *Coordinator[T]) Consumer(queue, routingKey, messageType string, handler Handler[T]) messaging.SyncConsumer {
	return &sagaConsumer[T]{
		coordinator: c,
		queue:       queue,
		routingKey:  routingKey,
		messageType: messageType,
		handler:     handler,
	}
}

type sagaConsumer[T any] struct {
	coordinator *Coordinator[T]
	queue       string
	routingKey  string
	messageType string
	handler     Handler[T]
}

func (s *sagaConsumer[T]) Queue() string      { return s.queue }
func (s *sagaConsumer[T]) RoutingKey() string { return s.routingKey }

func (s *sagaConsumer[T]) Handle(ctx context.Context, payload []byte, token string) error {
	if token == "" {
		return contracts.ErrMissingToken
	}
	return s.coordinator.Consume(ctx, token, s.messageType, payload, s.handler)
}
