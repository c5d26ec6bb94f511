package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kallebelins/mvp24hours-go/contracts"
	"github.com/kallebelins/mvp24hours-go/internal/reliability"
)

type testOrder struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

func TestMessagePublisherPublish(t *testing.T) {
	t.Run("returns a generated correlation token", func(t *testing.T) {
		transport := newFakeTransport()
		publisher := NewMessagePublisher(transport, WithDefaultRoutingKey("orders.created"))

		token, err := publisher.Publish(context.Background(), testOrder{ID: "o-1", Amount: 10})
		require.NoError(t, err)

		_, parseErr := uuid.Parse(token)
		assert.NoError(t, parseErr, "token should be a UUID")
		assert.Equal(t, 1, transport.publishCount())
	})

	t.Run("keeps an explicit token", func(t *testing.T) {
		transport := newFakeTransport()
		publisher := NewMessagePublisher(transport, WithDefaultRoutingKey("orders.created"))

		token, err := publisher.Publish(context.Background(), testOrder{ID: "o-1"},
			WithToken("my-token"))
		require.NoError(t, err)
		assert.Equal(t, "my-token", token)
	})

	t.Run("envelope carries the payload and token", func(t *testing.T) {
		transport := newFakeTransport()
		publisher := NewMessagePublisher(transport, WithDefaultRoutingKey("orders.created"))

		token, err := publisher.Publish(context.Background(), testOrder{ID: "o-1", Amount: 99})
		require.NoError(t, err)

		envelope, err := contracts.ParseEnvelope(transport.lastPublish().body)
		require.NoError(t, err)
		assert.Equal(t, token, envelope.Token)

		var order testOrder
		require.NoError(t, envelope.Unmarshal(&order))
		assert.Equal(t, "o-1", order.ID)
		assert.Equal(t, 99, order.Amount)
	})

	t.Run("message is persistent with zero redelivery count", func(t *testing.T) {
		transport := newFakeTransport()
		publisher := NewMessagePublisher(transport, WithDefaultRoutingKey("orders.created"))

		token, err := publisher.Publish(context.Background(), testOrder{ID: "o-1"})
		require.NoError(t, err)

		props := transport.lastPublish().props
		assert.Equal(t, DeliveryModePersistent, props.DeliveryMode)
		assert.Equal(t, ContentTypeJSON, props.ContentType)
		assert.Equal(t, token, props.CorrelationID)
		assert.Equal(t, int32(0), props.Headers[HeaderRedeliveredCount])
	})

	t.Run("resolves exchange and routing key from options", func(t *testing.T) {
		transport := newFakeTransport()
		publisher := NewMessagePublisher(transport,
			WithDefaultExchange("default-ex"),
			WithDefaultRoutingKey("default-key"))

		_, err := publisher.Publish(context.Background(), testOrder{ID: "o-1"},
			WithExchange("orders"),
			WithRoutingKey("orders.created"))
		require.NoError(t, err)

		last := transport.lastPublish()
		assert.Equal(t, "orders", last.exchange)
		assert.Equal(t, "orders.created", last.routingKey)
	})

	t.Run("fails without a resolvable routing key", func(t *testing.T) {
		transport := newFakeTransport()
		publisher := NewMessagePublisher(transport)

		_, err := publisher.Publish(context.Background(), testOrder{ID: "o-1"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoRoutingKey)

		var cfgErr *ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, 0, transport.publishCount())
	})

	t.Run("rejects nil payload", func(t *testing.T) {
		transport := newFakeTransport()
		publisher := NewMessagePublisher(transport, WithDefaultRoutingKey("k"))

		_, err := publisher.Publish(context.Background(), nil)
		var cfgErr *ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("rejects unserializable payload", func(t *testing.T) {
		transport := newFakeTransport()
		publisher := NewMessagePublisher(transport, WithDefaultRoutingKey("k"))

		_, err := publisher.Publish(context.Background(), func() {})
		var serErr *contracts.SerializationError
		assert.ErrorAs(t, err, &serErr)
	})

	t.Run("sets expiration from TTL", func(t *testing.T) {
		transport := newFakeTransport()
		publisher := NewMessagePublisher(transport, WithDefaultRoutingKey("k"))

		_, err := publisher.Publish(context.Background(), testOrder{ID: "o-1"},
			WithTTL(5*time.Second))
		require.NoError(t, err)
		assert.Equal(t, "5000", transport.lastPublish().props.Expiration)
	})

	t.Run("merges custom headers", func(t *testing.T) {
		transport := newFakeTransport()
		publisher := NewMessagePublisher(transport, WithDefaultRoutingKey("k"))

		_, err := publisher.Publish(context.Background(), testOrder{ID: "o-1"},
			WithHeaders(map[string]any{"tenant": "acme"}))
		require.NoError(t, err)

		headers := transport.lastPublish().props.Headers
		assert.Equal(t, "acme", headers["tenant"])
		assert.Equal(t, int32(0), headers[HeaderRedeliveredCount])
	})

	t.Run("retries transient failures until the broker recovers", func(t *testing.T) {
		transport := newFakeTransport()
		transport.transientErr = errors.New("connection reset")
		transport.failuresBeforeSuccess = 2

		publisher := NewMessagePublisher(transport,
			WithDefaultRoutingKey("orders.created"),
			WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3)))

		token, err := publisher.Publish(context.Background(), testOrder{ID: "o-1"})
		require.NoError(t, err)
		assert.NotEmpty(t, token)
		assert.Equal(t, 1, transport.publishCount())
	})

	t.Run("gives up when retries are exhausted", func(t *testing.T) {
		transport := newFakeTransport()
		transport.publishErr = errors.New("broker gone")

		publisher := NewMessagePublisher(transport,
			WithDefaultRoutingKey("orders.created"),
			WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 2)))

		token, err := publisher.Publish(context.Background(), testOrder{ID: "o-1"})
		require.Error(t, err)
		assert.Empty(t, token)
		assert.ErrorIs(t, err, transport.publishErr)
	})

	t.Run("does not retry non-retryable failures", func(t *testing.T) {
		transport := newFakeTransport()
		transport.transientErr = reliability.RetryableError{
			Err:       errors.New("publish nacked"),
			Retryable: false,
		}
		transport.failuresBeforeSuccess = 10

		publisher := NewMessagePublisher(transport,
			WithDefaultRoutingKey("orders.created"),
			WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 5)))

		_, err := publisher.Publish(context.Background(), testOrder{ID: "o-1"})
		require.Error(t, err)
		// One initial attempt only.
		assert.Equal(t, 9, transport.failuresBeforeSuccess)
	})

	t.Run("open circuit breaker fails fast", func(t *testing.T) {
		transport := newFakeTransport()
		transport.publishErr = errors.New("broker gone")

		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1))
		publisher := NewMessagePublisher(transport,
			WithDefaultRoutingKey("orders.created"),
			WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 0)),
			WithCircuitBreaker(cb))

		_, err := publisher.Publish(context.Background(), testOrder{ID: "o-1"})
		require.Error(t, err)
		require.Equal(t, reliability.BreakerOpen, cb.State())

		_, err = publisher.Publish(context.Background(), testOrder{ID: "o-2"})
		assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
	})
}
