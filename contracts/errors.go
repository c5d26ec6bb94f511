package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyBody is returned when an envelope carries no payload
	ErrEmptyBody = errors.New("contracts: envelope body is empty")

	// ErrMissingToken is returned when an envelope carries no correlation token
	ErrMissingToken = errors.New("contracts: envelope token is missing")
)

// SerializationError represents an envelope encode/decode failure
type SerializationError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("contracts serialization error: %s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}
