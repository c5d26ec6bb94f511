package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageScheduler arranges future delivery of messages, used by sagas to
// schedule timeouts. Implementations may be backed by broker plugins,
// external job services or in-process timers.
type MessageScheduler interface {
	// ScheduleMessage publishes message on routingKey after delay and
	// returns the scheduled-message id. The publish options are captured
	// at scheduling time and applied when the message fires, so callers
	// can pin the correlation token of the future delivery.
	ScheduleMessage(ctx context.Context, delay time.Duration, message any, routingKey string, options ...PublishOption) (string, error)

	// CancelScheduledMessage cancels a pending scheduled message. It
	// returns true only when the message was still pending and will not
	// be delivered.
	CancelScheduledMessage(ctx context.Context, id string) (bool, error)
}

// scheduledEntry tracks one pending timer.
type scheduledEntry struct {
	timer      *time.Timer
	routingKey string
	createdAt  time.Time
}

// TimerScheduler is an in-process MessageScheduler backed by timers. A
// scheduled message that fires is published with the options captured at
// scheduling time; one that is cancelled in time never reaches the
// broker. Pending timers do not
// survive a process restart, so durable timeout scheduling should use an
// external scheduler implementation instead.
type TimerScheduler struct {
	publisher Publisher
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*scheduledEntry
}

// TimerSchedulerOption configures the TimerScheduler
type TimerSchedulerOption func(*TimerScheduler)

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(logger *slog.Logger) TimerSchedulerOption {
	return func(s *TimerScheduler) {
		s.logger = logger
	}
}

// NewTimerScheduler creates a new in-process scheduler publishing through
// the given publisher.
func NewTimerScheduler(publisher Publisher, options ...TimerSchedulerOption) *TimerScheduler {
	s := &TimerScheduler{
		publisher: publisher,
		logger:    slog.Default(),
		pending:   make(map[string]*scheduledEntry),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// ScheduleMessage implements MessageScheduler
func (s *TimerScheduler) ScheduleMessage(ctx context.Context, delay time.Duration, message any, routingKey string, options ...PublishOption) (string, error) {
	if s.publisher == nil {
		return "", &ConfigurationError{Component: "scheduler", Err: ErrSchedulerNotConfigured}
	}
	if delay < 0 {
		delay = 0
	}

	id := uuid.New().String()

	s.mu.Lock()
	s.pending[id] = &scheduledEntry{
		routingKey: routingKey,
		createdAt:  time.Now(),
	}
	entry := s.pending[id]
	entry.timer = time.AfterFunc(delay, func() {
		s.fire(id, message, routingKey, options)
	})
	s.mu.Unlock()

	s.logger.Debug("message scheduled",
		"id", id,
		"routingKey", routingKey,
		"delay", delay)

	return id, nil
}

// CancelScheduledMessage implements MessageScheduler. It returns false
// when the timer already fired or the id is unknown, so callers keep
// tracking timeouts that will still arrive.
func (s *TimerScheduler) CancelScheduledMessage(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	entry, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		return false, nil
	}

	stopped := entry.timer.Stop()
	if stopped {
		s.logger.Debug("scheduled message cancelled", "id", id)
	}
	return stopped, nil
}

// Pending returns the number of timers that have not fired or been cancelled.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops all pending timers without delivering them.
func (s *TimerScheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.pending {
		entry.timer.Stop()
		delete(s.pending, id)
	}
	return nil
}

// fire publishes the due message with the options captured at scheduling
// time. Publish failures are logged, not retried here: the publisher
// already applies its retry policy.
func (s *TimerScheduler) fire(id string, message any, routingKey string, options []PublishOption) {
	s.mu.Lock()
	_, stillPending := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if !stillPending {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts := append([]PublishOption{WithRoutingKey(routingKey)}, options...)
	if _, err := s.publisher.Publish(ctx, message, opts...); err != nil {
		s.logger.Error("failed to deliver scheduled message",
			"id", id,
			"routingKey", routingKey,
			"error", err)
	}
}
