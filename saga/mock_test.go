package saga

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kallebelins/mvp24hours-go/messaging"
)

// fakeScheduler implements messaging.MessageScheduler with scripted results.
type fakeScheduler struct {
	mu sync.Mutex

	scheduleErr error
	cancelErr   error
	cancelOK    bool

	scheduled []scheduledCall
	cancelled []string
}

type scheduledCall struct {
	delay      time.Duration
	message    any
	routingKey string
	token      string
	id         string
}

func (s *fakeScheduler) ScheduleMessage(ctx context.Context, delay time.Duration, message any, routingKey string, options ...messaging.PublishOption) (string, error) {
	opts := messaging.PublishOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduleErr != nil {
		return "", s.scheduleErr
	}

	id := uuid.New().String()
	s.scheduled = append(s.scheduled, scheduledCall{
		delay:      delay,
		message:    message,
		routingKey: routingKey,
		token:      opts.Token,
		id:         id,
	})
	return id, nil
}

func (s *fakeScheduler) CancelScheduledMessage(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelErr != nil {
		return false, s.cancelErr
	}
	s.cancelled = append(s.cancelled, id)
	return s.cancelOK, nil
}

// fakeEventPublisher implements messaging.Publisher and records raised events.
type fakeEventPublisher struct {
	mu sync.Mutex

	publishErr error
	events     []publishedEvent
}

type publishedEvent struct {
	payload any
	opts    messaging.PublishOptions
}

func (p *fakeEventPublisher) Publish(ctx context.Context, payload any, options ...messaging.PublishOption) (string, error) {
	opts := messaging.PublishOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return "", p.publishErr
	}

	p.events = append(p.events, publishedEvent{payload: payload, opts: opts})
	token := opts.Token
	if token == "" {
		token = uuid.New().String()
	}
	return token, nil
}

func (p *fakeEventPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *fakeEventPublisher) last() publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}
