package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRepository is a Repository backed by Redis. Each instance lives
// under a prefixed key as JSON; saves use WATCH-based optimistic
// concurrency so two messages racing on the same correlation id cannot
// overwrite each other's state silently.
type RedisRepository[T any] struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	maxRaces  int
}

// RedisRepositoryOption configures the RedisRepository
type RedisRepositoryOption[T any] func(*RedisRepository[T])

// WithKeyPrefix sets the Redis key prefix (default "saga:")
func WithKeyPrefix[T any](prefix string) RedisRepositoryOption[T] {
	return func(r *RedisRepository[T]) {
		r.keyPrefix = prefix
	}
}

// WithInstanceTTL sets an expiry on stored instances. Zero means no
// expiry; terminal-instance purging is a deployment decision.
func WithInstanceTTL[T any](ttl time.Duration) RedisRepositoryOption[T] {
	return func(r *RedisRepository[T]) {
		r.ttl = ttl
	}
}

// NewRedisRepository creates a repository on the given Redis client.
func NewRedisRepository[T any](client redis.UniversalClient, options ...RedisRepositoryOption[T]) *RedisRepository[T] {
	r := &RedisRepository[T]{
		client:    client,
		keyPrefix: "saga:",
		maxRaces:  3,
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Load implements Repository
func (r *RedisRepository[T]) Load(ctx context.Context, correlationID uuid.UUID) (*Instance[T], error) {
	data, err := r.client.Get(ctx, r.key(correlationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, correlationID)
	}
	if err != nil {
		return nil, fmt.Errorf("saga: load instance %s: %w", correlationID, err)
	}

	var instance Instance[T]
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("saga: decode instance %s: %w", correlationID, err)
	}
	return &instance, nil
}

// Save implements Repository. The stored version is watched and compared
// against the instance version; a mismatch means another consumer saved
// in between and yields ErrConcurrentUpdate.
func (r *RedisRepository[T]) Save(ctx context.Context, instance *Instance[T]) error {
	key := r.key(instance.CorrelationID)

	txn := func(tx *redis.Tx) error {
		stored, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if instance.Version != 0 {
				return fmt.Errorf("%w: %s vanished under save", ErrConcurrentUpdate, instance.CorrelationID)
			}
		case err != nil:
			return fmt.Errorf("saga: read current version: %w", err)
		default:
			var current struct {
				Version int64 `json:"version"`
			}
			if err := json.Unmarshal(stored, &current); err != nil {
				return fmt.Errorf("saga: decode current version: %w", err)
			}
			if current.Version != instance.Version {
				return fmt.Errorf("%w: %s (have %d, stored %d)",
					ErrConcurrentUpdate, instance.CorrelationID, instance.Version, current.Version)
			}
		}

		instance.Version++
		data, err := json.Marshal(instance)
		if err != nil {
			instance.Version--
			return fmt.Errorf("saga: encode instance %s: %w", instance.CorrelationID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		if err != nil {
			instance.Version--
		}
		return err
	}

	for attempt := 0; attempt < r.maxRaces; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: %s (watch retries exhausted)", ErrConcurrentUpdate, instance.CorrelationID)
}

func (r *RedisRepository[T]) key(correlationID uuid.UUID) string {
	return r.keyPrefix + correlationID.String()
}
