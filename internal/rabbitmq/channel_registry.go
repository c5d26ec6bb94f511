package rabbitmq

import (
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelState is the lifecycle state of a registered channel.
type ChannelState int

const (
	// ChannelOpen means the channel is usable.
	ChannelOpen ChannelState = iota
	// ChannelFaulted means a close or callback exception was observed.
	ChannelFaulted
	// ChannelRecreating means a new channel is being opened.
	ChannelRecreating
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpen:
		return "open"
	case ChannelFaulted:
		return "faulted"
	case ChannelRecreating:
		return "recreating"
	default:
		return "unknown"
	}
}

// ChannelFactory opens broker channels. Implemented by ConnectionManager.
type ChannelFactory interface {
	CreateChannel() (Channel, error)
}

// DeclareFunc declares the topology bound to a channel. It runs on first
// creation and again on every recreation so a recovered channel carries
// the same exchange/queue/binding declarations.
type DeclareFunc func(ch Channel) error

// channelEntry holds one channel keyed by logical queue. All state
// transitions happen under the entry mutex, which is the single mutation
// point: concurrent getters of a faulted entry serialize on it and only
// one performs the recreation.
type channelEntry struct {
	mu      sync.Mutex
	key     string
	state   ChannelState
	channel Channel
	declare DeclareFunc
}

// ChannelRegistry caches one channel per logical queue and recreates it
// transparently after channel-level failure.
type ChannelRegistry struct {
	factory ChannelFactory
	entries map[string]*channelEntry
	mu      sync.Mutex
	closed  bool
	logger  *slog.Logger
}

// RegistryOption configures the ChannelRegistry
type RegistryOption func(*ChannelRegistry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *ChannelRegistry) {
		r.logger = logger
	}
}

// NewChannelRegistry creates a new channel registry
func NewChannelRegistry(factory ChannelFactory, options ...RegistryOption) *ChannelRegistry {
	r := &ChannelRegistry{
		factory: factory,
		entries: make(map[string]*channelEntry),
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Get returns the channel for the given logical queue, creating it (and
// declaring its topology) lazily on first use or after a fault.
func (r *ChannelRegistry) Get(key string, declare DeclareFunc) (Channel, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	entry, ok := r.entries[key]
	if !ok {
		entry = &channelEntry{key: key, state: ChannelFaulted, declare: declare}
		r.entries[key] = entry
	}
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.state == ChannelOpen && entry.channel != nil && !entry.channel.IsClosed() {
		return entry.channel, nil
	}

	return r.recreate(entry)
}

// State reports the lifecycle state of the channel for key.
func (r *ChannelRegistry) State(key string) (ChannelState, bool) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return ChannelFaulted, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state, true
}

// Invalidate marks the channel for key faulted so the next Get recreates it.
func (r *ChannelRegistry) Invalidate(key string) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.fault(r.logger, nil)
}

// Close closes all channels and rejects further use.
func (r *ChannelRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*channelEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*channelEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		if entry.channel != nil && !entry.channel.IsClosed() {
			entry.channel.Close()
		}
		entry.channel = nil
		entry.state = ChannelFaulted
		entry.mu.Unlock()
	}
	return nil
}

// recreate opens a fresh channel for the entry. Caller holds entry.mu.
func (r *ChannelRegistry) recreate(entry *channelEntry) (Channel, error) {
	entry.state = ChannelRecreating

	if entry.channel != nil && !entry.channel.IsClosed() {
		entry.channel.Close()
	}
	entry.channel = nil

	ch, err := r.factory.CreateChannel()
	if err != nil {
		entry.state = ChannelFaulted
		return nil, &ChannelError{
			Op:        "recreate",
			Queue:     entry.key,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if entry.declare != nil {
		if err := entry.declare(ch); err != nil {
			ch.Close()
			entry.state = ChannelFaulted
			return nil, &ChannelError{
				Op:        "declare topology",
				Queue:     entry.key,
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	notifyClose := ch.NotifyClose(make(chan *amqp.Error, 1))
	go r.watchEntry(entry, ch, notifyClose)

	entry.channel = ch
	entry.state = ChannelOpen

	r.logger.Debug("channel ready", "queue", entry.key)
	return ch, nil
}

// watchEntry faults the entry when its channel reports a close or
// callback exception. Recreation happens lazily on the next Get.
func (r *ChannelRegistry) watchEntry(entry *channelEntry, ch Channel, notify <-chan *amqp.Error) {
	amqpErr, ok := <-notify
	if !ok {
		// Channel closed cleanly.
		amqpErr = nil
	}

	entry.mu.Lock()
	if entry.channel == ch {
		entry.state = ChannelFaulted
		entry.channel = nil
	}
	entry.mu.Unlock()

	if amqpErr != nil {
		r.logger.Warn("channel faulted",
			"queue", entry.key,
			"code", amqpErr.Code,
			"reason", amqpErr.Reason)
	}
}

// fault transitions the entry to faulted under its mutation lock.
func (e *channelEntry) fault(logger *slog.Logger, err error) {
	e.mu.Lock()
	if e.state == ChannelOpen {
		e.state = ChannelFaulted
		if e.channel != nil && !e.channel.IsClosed() {
			e.channel.Close()
		}
		e.channel = nil
	}
	e.mu.Unlock()

	if err != nil {
		logger.Warn("channel invalidated", "queue", e.key, "error", err)
	}
}
