package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kallebelins/mvp24hours-go/messaging"
)

// ConsumeContext is handed to a saga handler for a single message. It
// wraps the loaded (or freshly created) instance together with the
// messaging facilities a handler may need: state transitions, timeout
// scheduling and event publication. The context is bound to exactly one
// delivery and must not be retained after the handler returns.
type ConsumeContext[T any] struct {
	instance    *Instance[T]
	isNew       bool
	token       string
	messageType string
	scheduler   messaging.MessageScheduler
	publisher   messaging.Publisher
	logger      *slog.Logger
}

// Instance returns the saga instance bound to this message.
func (c *ConsumeContext[T]) Instance() *Instance[T] {
	return c.instance
}

// IsNew reports whether the instance was created for this message
// rather than loaded from the repository.
func (c *ConsumeContext[T]) IsNew() bool {
	return c.isNew
}

// Token returns the envelope token of the message being consumed.
func (c *ConsumeContext[T]) Token() string {
	return c.token
}

// MessageType returns the logical type of the message being consumed.
func (c *ConsumeContext[T]) MessageType() string {
	return c.messageType
}

// TransitionTo moves the instance to a new state, recording the
// consumed message type as the trigger.
func (c *ConsumeContext[T]) TransitionTo(newState string) error {
	if err := c.instance.TransitionTo(newState, c.messageType); err != nil {
		return err
	}
	c.logger.Debug("saga transition",
		"correlationId", c.instance.CorrelationID,
		"state", newState,
		"triggeredBy", c.messageType)
	return nil
}

// Complete marks the instance as successfully finished.
func (c *ConsumeContext[T]) Complete() error {
	return c.instance.Complete()
}

// Fault marks the instance as failed with the given reason.
func (c *ConsumeContext[T]) Fault(reason string) error {
	return c.instance.Fault(reason)
}

// ScheduleTimeout schedules a timeout message for this saga and tracks
// its id on the instance so it survives the save. The timeout is
// published with the saga's correlation id as its token, so when it
// fires it loads this same instance instead of starting a new one.
// Returns the schedule id usable with CancelTimeout.
func (c *ConsumeContext[T]) ScheduleTimeout(ctx context.Context, delay time.Duration, timeoutMessage any) (string, error) {
	if c.scheduler == nil {
		return "", messaging.ErrSchedulerNotConfigured
	}

	routingKey := fmt.Sprintf("saga.%s.timeout", c.instance.CorrelationID)
	id, err := c.scheduler.ScheduleMessage(ctx, delay, timeoutMessage, routingKey,
		messaging.WithToken(c.instance.CorrelationID.String()))
	if err != nil {
		return "", fmt.Errorf("saga: schedule timeout: %w", err)
	}

	c.instance.AddTimeout(id)
	c.logger.Debug("saga timeout scheduled",
		"correlationId", c.instance.CorrelationID,
		"scheduleId", id,
		"delay", delay)
	return id, nil
}

// CancelTimeout cancels a previously scheduled timeout. The id is
// removed from the instance only when the scheduler confirms the
// cancellation; a timeout that already fired stays in flight.
func (c *ConsumeContext[T]) CancelTimeout(ctx context.Context, scheduleID string) (bool, error) {
	if c.scheduler == nil {
		return false, messaging.ErrSchedulerNotConfigured
	}

	cancelled, err := c.scheduler.CancelScheduledMessage(ctx, scheduleID)
	if err != nil {
		return false, fmt.Errorf("saga: cancel timeout: %w", err)
	}
	if cancelled {
		c.instance.RemoveTimeout(scheduleID)
	}
	return cancelled, nil
}

// RaiseEvent publishes an event correlated to this saga's message token.
func (c *ConsumeContext[T]) RaiseEvent(ctx context.Context, event any) error {
	if c.publisher == nil {
		return fmt.Errorf("saga: no publisher configured")
	}

	if _, err := c.publisher.Publish(ctx, event, messaging.WithToken(c.token)); err != nil {
		return fmt.Errorf("saga: raise event: %w", err)
	}
	return nil
}
