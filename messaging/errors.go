package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRoutingKey is returned when neither the publish call nor the
	// default configuration resolves a routing key.
	ErrNoRoutingKey = errors.New("messaging: no routing key resolvable from argument or configuration")

	// ErrConsumeStarted is returned when the registration set is mutated
	// after the consume session began.
	ErrConsumeStarted = errors.New("messaging: consumer set is fixed once Consume has started")

	// ErrAlreadyRegistered is returned when a consumer for the same queue
	// is registered twice.
	ErrAlreadyRegistered = errors.New("messaging: consumer already registered for queue")

	// ErrNotRegistered is returned when unregistering an unknown consumer.
	ErrNotRegistered = errors.New("messaging: consumer not registered")

	// ErrDispatchModeMismatch is returned when a consumer's sync/async
	// capability conflicts with the connection-wide dispatch mode.
	ErrDispatchModeMismatch = errors.New("messaging: consumer capability conflicts with dispatch mode")

	// ErrSchedulerNotConfigured is returned when a scheduling capability
	// is requested without a configured message scheduler.
	ErrSchedulerNotConfigured = errors.New("messaging: message scheduler not configured")
)

// ConfigurationError is a fatal setup error, never retried.
type ConfigurationError struct {
	Component string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("messaging configuration error in %s: %v", e.Component, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsRetryable marks configuration errors as permanent for retry policies.
func (e *ConfigurationError) IsRetryable() bool {
	return false
}
