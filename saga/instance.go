package saga

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTerminal is returned when mutating a completed or faulted instance.
	ErrTerminal = errors.New("saga: instance is terminal")

	// ErrEmptyState is returned when transitioning to an empty state name.
	ErrEmptyState = errors.New("saga: state name cannot be empty")
)

// Transition is one audit entry of the instance's state history.
type Transition struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	TriggeredBy string    `json:"triggeredBy,omitempty"`
	At          time.Time `json:"at"`
}

// Instance is the persisted saga aggregate, keyed by correlation id.
// State names are caller-defined strings (serialized enums), so the
// instance stays agnostic of the application's state shape; the only
// validation it performs is the terminal-state invariant.
type Instance[T any] struct {
	CorrelationID     uuid.UUID         `json:"correlationId"`
	Data              T                 `json:"data"`
	CurrentState      string            `json:"currentState"`
	IsCompleted       bool              `json:"isCompleted"`
	IsFaulted         bool              `json:"isFaulted"`
	FaultReason       string            `json:"faultReason,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	LastUpdatedAt     time.Time         `json:"lastUpdatedAt"`
	ScheduledTimeouts []string          `json:"scheduledTimeouts,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	History           []Transition      `json:"history,omitempty"`

	// Version supports optimistic concurrency in storage backends. It is
	// incremented on every save, not on every mutation.
	Version int64 `json:"version"`
}

// NewInstance creates a fresh instance seeded with the zero value of its
// data type and the given initial state.
func NewInstance[T any](correlationID uuid.UUID, initialState string) *Instance[T] {
	now := time.Now().UTC()
	return &Instance[T]{
		CorrelationID: correlationID,
		CurrentState:  initialState,
		CreatedAt:     now,
		LastUpdatedAt: now,
		Metadata:      make(map[string]string),
	}
}

// IsTerminal reports whether the instance accepts further transitions.
func (i *Instance[T]) IsTerminal() bool {
	return i.IsCompleted || i.IsFaulted
}

// TransitionTo records a state change with an audit note naming the
// triggering message type. Terminal instances reject transitions.
func (i *Instance[T]) TransitionTo(newState, triggeredBy string) error {
	if i.IsTerminal() {
		return fmt.Errorf("%w: cannot transition %s to %s", ErrTerminal, i.CorrelationID, newState)
	}
	if newState == "" {
		return ErrEmptyState
	}

	i.History = append(i.History, Transition{
		From:        i.CurrentState,
		To:          newState,
		TriggeredBy: triggeredBy,
		At:          time.Now().UTC(),
	})
	i.CurrentState = newState
	i.touch()
	return nil
}

// Complete marks the instance completed. Completing an already terminal
// instance is a logic error and is surfaced, not swallowed.
func (i *Instance[T]) Complete() error {
	if i.IsTerminal() {
		return fmt.Errorf("%w: cannot complete %s", ErrTerminal, i.CorrelationID)
	}
	i.IsCompleted = true
	i.touch()
	return nil
}

// Fault marks the instance faulted with a business-level reason. This is
// distinct from transport failure: the triggering message is still
// acknowledged normally.
func (i *Instance[T]) Fault(reason string) error {
	if i.IsTerminal() {
		return fmt.Errorf("%w: cannot fault %s", ErrTerminal, i.CorrelationID)
	}
	i.IsFaulted = true
	i.FaultReason = reason
	i.touch()
	return nil
}

// AddTimeout records an outstanding scheduled-timeout id.
func (i *Instance[T]) AddTimeout(timeoutID string) {
	i.ScheduledTimeouts = append(i.ScheduledTimeouts, timeoutID)
	i.touch()
}

// RemoveTimeout drops a timeout id from tracking. It returns false when
// the id was not tracked.
func (i *Instance[T]) RemoveTimeout(timeoutID string) bool {
	for idx, id := range i.ScheduledTimeouts {
		if id == timeoutID {
			i.ScheduledTimeouts = append(i.ScheduledTimeouts[:idx], i.ScheduledTimeouts[idx+1:]...)
			i.touch()
			return true
		}
	}
	return false
}

// SetMetadata annotates the instance with a cross-cutting key/value pair.
func (i *Instance[T]) SetMetadata(key, value string) {
	if i.Metadata == nil {
		i.Metadata = make(map[string]string)
	}
	i.Metadata[key] = value
	i.touch()
}

func (i *Instance[T]) touch() {
	i.LastUpdatedAt = time.Now().UTC()
}
