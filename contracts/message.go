package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Message is the base interface for typed business messages.
type Message interface {
	GetID() string
	GetType() string
	GetTimestamp() time.Time
	GetCorrelationID() string
	SetCorrelationID(correlationID string)
}

// Event represents something that has happened. Sagas raise events through
// the consume context to emit further broker traffic.
type Event interface {
	Message
	GetAggregateID() string
}

// BaseMessage provides common fields for all message types.
type BaseMessage struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// NewBaseMessage creates a new base message with generated ID and current timestamp.
func NewBaseMessage(messageType string) BaseMessage {
	return BaseMessage{
		ID:        uuid.New().String(),
		Type:      messageType,
		Timestamp: time.Now().UTC(),
	}
}

// GetID returns the message ID.
func (m BaseMessage) GetID() string { return m.ID }

// GetType returns the message type.
func (m BaseMessage) GetType() string { return m.Type }

// GetTimestamp returns the message timestamp.
func (m BaseMessage) GetTimestamp() time.Time { return m.Timestamp }

// GetCorrelationID returns the correlation ID.
func (m BaseMessage) GetCorrelationID() string { return m.CorrelationID }

// SetCorrelationID sets the correlation ID.
func (m *BaseMessage) SetCorrelationID(correlationID string) { m.CorrelationID = correlationID }

// BaseEvent provides common fields for event messages.
type BaseEvent struct {
	BaseMessage
	AggregateID string `json:"aggregateId,omitempty"`
}

// GetAggregateID returns the aggregate ID.
func (e BaseEvent) GetAggregateID() string { return e.AggregateID }

// NewBaseEvent creates a new event with generated ID and current timestamp.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{BaseMessage: NewBaseMessage(eventType)}
}
