package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper suppresses duplicate pending processing requests.
type Deduper interface {
	// Acquire claims key for ttl. It returns false if the key is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release frees key so a new request may be scheduled.
	Release(ctx context.Context, key string) error
}

// RedisDeduper implements Deduper with SET NX keys that expire on their own.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDeduper creates a RedisDeduper. Keys are stored under prefix.
func NewRedisDeduper(client redis.UniversalClient, prefix string) *RedisDeduper {
	return &RedisDeduper{
		client: client,
		prefix: prefix,
	}
}

// Acquire implements Deduper.
func (d *RedisDeduper) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}

	ok, err := d.client.SetNX(ctx, d.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire dedupe key %s: %w", key, err)
	}
	return ok, nil
}

// Release implements Deduper.
func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release dedupe key %s: %w", key, err)
	}
	return nil
}
