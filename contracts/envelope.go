package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps an arbitrary payload for transport. The Token is the
// correlation identifier for the logical message and stays stable across
// redeliveries; the redelivery counter itself travels in the AMQP headers,
// not in the envelope body.
type Envelope struct {
	Token     string          `json:"token"`
	Type      string          `json:"type,omitempty"`
	Timestamp string          `json:"timestamp"`
	Headers   map[string]any  `json:"headers,omitempty"`
	Body      json.RawMessage `json:"body"`
}

// NewEnvelope serializes payload into an envelope. A new token is generated
// when token is empty.
func NewEnvelope(payload any, token string) (*Envelope, error) {
	if token == "" {
		token = uuid.New().String()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &SerializationError{Op: "marshal payload", Err: err}
	}

	return &Envelope{
		Token:     token,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Body:      body,
	}, nil
}

// ParseEnvelope deserializes an envelope from a raw message body.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBody
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &SerializationError{Op: "unmarshal envelope", Err: err}
	}
	return &env, nil
}

// Unmarshal decodes the envelope body into target.
func (e *Envelope) Unmarshal(target any) error {
	if err := json.Unmarshal(e.Body, target); err != nil {
		return &SerializationError{Op: "unmarshal body", Err: err}
	}
	return nil
}

// Encode serializes the envelope for publishing.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, &SerializationError{Op: "marshal envelope", Err: err}
	}
	return data, nil
}
