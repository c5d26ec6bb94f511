package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrInstanceNotFound is returned when no instance exists for a
	// correlation id.
	ErrInstanceNotFound = errors.New("saga: instance not found")

	// ErrConcurrentUpdate is returned when a save loses an optimistic
	// concurrency race. The caller should reload and retry.
	ErrConcurrentUpdate = errors.New("saga: instance modified concurrently")
)

// Repository persists saga instances. It is the sole source of truth for
// saga state; the core never caches instances across messages. Instances
// are never deleted by the core; expiry is a backend concern.
type Repository[T any] interface {
	// Load returns the instance for correlationID, or ErrInstanceNotFound.
	Load(ctx context.Context, correlationID uuid.UUID) (*Instance[T], error)

	// Save persists the instance. Backends providing optimistic
	// concurrency return ErrConcurrentUpdate on version conflicts.
	Save(ctx context.Context, instance *Instance[T]) error
}

// InMemoryRepository is a Repository backed by process memory, suitable
// for tests and single-process deployments. Instances are stored
// serialized so callers never alias the stored copy.
type InMemoryRepository[T any] struct {
	mu        sync.RWMutex
	instances map[uuid.UUID][]byte
	versions  map[uuid.UUID]int64
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository[T any]() *InMemoryRepository[T] {
	return &InMemoryRepository[T]{
		instances: make(map[uuid.UUID][]byte),
		versions:  make(map[uuid.UUID]int64),
	}
}

// Load implements Repository
func (r *InMemoryRepository[T]) Load(ctx context.Context, correlationID uuid.UUID) (*Instance[T], error) {
	r.mu.RLock()
	data, ok := r.instances[correlationID]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, correlationID)
	}

	var instance Instance[T]
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("saga: decode instance %s: %w", correlationID, err)
	}
	return &instance, nil
}

// Save implements Repository with per-key optimistic concurrency: the
// instance version must match the stored version or the save fails.
func (r *InMemoryRepository[T]) Save(ctx context.Context, instance *Instance[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.versions[instance.CorrelationID]
	if instance.Version != current {
		return fmt.Errorf("%w: %s (have %d, stored %d)",
			ErrConcurrentUpdate, instance.CorrelationID, instance.Version, current)
	}

	instance.Version++
	data, err := json.Marshal(instance)
	if err != nil {
		instance.Version--
		return fmt.Errorf("saga: encode instance %s: %w", instance.CorrelationID, err)
	}

	r.instances[instance.CorrelationID] = data
	r.versions[instance.CorrelationID] = instance.Version
	return nil
}

// Len returns the number of stored instances.
func (r *InMemoryRepository[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
