package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager owns the single broker connection. TryConnect is
// idempotent and performs bounded retry with exponential backoff when the
// broker is unreachable. A reconnect replaces the underlying transport
// handle; channels created before it become invalid and are detected by
// their owners through close notifications, never invalidated here.
type ConnectionManager struct {
	url          string
	dial         DialFunc
	conn         Connection
	mu           sync.RWMutex
	connected    bool
	closed       bool
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
	logger       *slog.Logger
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectRetries sets the maximum number of connection attempts
func WithConnectRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithRetryDelay sets the initial backoff delay between attempts
func WithRetryDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.initialDelay = delay
	}
}

// WithDialFunc replaces the dial function, used by tests
func WithDialFunc(dial DialFunc) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:          url,
		dial:         amqpDial,
		maxRetries:   5,
		initialDelay: time.Second,
		maxDelay:     time.Minute,
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected && cm.conn != nil && !cm.conn.IsClosed()
}

// TryConnect establishes the connection. It is a no-op when already
// connected and retries broker-unreachable failures with exponential
// backoff up to the configured attempt count.
func (cm *ConnectionManager) TryConnect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionClosed,
			Timestamp: time.Now(),
		}
	}
	if cm.url == "" {
		return &ConnectionError{
			Op:        "connect",
			Err:       fmt.Errorf("%w: connection URL is empty", ErrInvalidConfiguration),
			Timestamp: time.Now(),
		}
	}

	if cm.connected && cm.conn != nil && !cm.conn.IsClosed() {
		return nil
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= cm.maxRetries; attempt++ {
		if attempt > 1 {
			delay := cm.backoff(attempt - 1)
			cm.logger.Warn("broker unreachable, retrying",
				"attempt", attempt,
				"maxAttempts", cm.maxRetries,
				"delay", delay,
				"elapsed", time.Since(start),
				"error", lastErr)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &ConnectionError{
					Op:        "connect",
					URL:       SanitizeURL(cm.url),
					Err:       ctx.Err(),
					Timestamp: time.Now(),
					Attempts:  attempt - 1,
				}
			}
		}

		conn, err := cm.dial(cm.url)
		if err != nil {
			lastErr = fmt.Errorf("%w: %w", ErrBrokerUnreachable, err)
			continue
		}

		cm.conn = conn
		cm.connected = true

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		go cm.watchClose(conn, notifyClose)

		cm.logger.Info("connected to broker",
			"url", SanitizeURL(cm.url),
			"attempts", attempt,
			"elapsed", time.Since(start))
		return nil
	}

	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.url),
		Err:       lastErr,
		Timestamp: time.Now(),
		Attempts:  cm.maxRetries,
	}
}

// CreateChannel opens a new channel on the current connection. It fails
// with a connection error when not connected.
func (cm *ConnectionManager) CreateChannel() (Channel, error) {
	cm.mu.RLock()
	conn := cm.conn
	connected := cm.connected
	closed := cm.closed
	cm.mu.RUnlock()

	if closed {
		return nil, &ConnectionError{
			Op:        "create channel",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionClosed,
			Timestamp: time.Now(),
		}
	}
	if !connected || conn == nil || conn.IsClosed() {
		return nil, &ConnectionError{
			Op:        "create channel",
			URL:       SanitizeURL(cm.url),
			Err:       ErrNotConnected,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ConnectionError{
			Op:        "create channel",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// Close closes the connection and retires the manager. Further
// TryConnect and CreateChannel calls fail with ErrConnectionClosed.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	cm.connected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// watchClose marks the manager disconnected when the broker closes the
// connection underneath it. Owners of channels observe their own close
// notifications and recover lazily.
func (cm *ConnectionManager) watchClose(conn Connection, notify <-chan *amqp.Error) {
	err, ok := <-notify
	if !ok {
		return
	}

	cm.mu.Lock()
	if cm.conn == conn {
		cm.connected = false
		cm.conn = nil
	}
	cm.mu.Unlock()

	if err != nil {
		cm.logger.Error("broker connection closed", "error", err)
	}
}

// backoff calculates the exponential delay for the given retry, capped at
// the configured maximum.
func (cm *ConnectionManager) backoff(retry int) time.Duration {
	delay := cm.initialDelay << uint(retry-1)
	if delay > cm.maxDelay || delay <= 0 {
		delay = cm.maxDelay
	}
	return delay
}
