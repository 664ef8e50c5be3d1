package eventlogger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisKeyPrefix = "beaver:joblog"
	redisOpTimeout        = 5 * time.Second
)

// RedisBackend appends every event as one JSON string to a Redis list.
// Consumers can LRANGE the list from any offset, mirroring the line based
// pull of FileBackend.
type RedisBackend struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisBackend writes to the list at key. When ttl > 0 the list expires
// ttl after the logger is closed.
func NewRedisBackend(client redis.UniversalClient, key string, ttl time.Duration) (*RedisBackend, error) {
	if client == nil {
		return nil, ErrMissingRedis
	}

	return &RedisBackend{client: client, key: key, ttl: ttl}, nil
}

// Key is the Redis list the events are appended to.
func (r *RedisBackend) Key() string {
	return r.key
}

// Open checks connectivity and clears any list left from a previous run.
func (r *RedisBackend) Open() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}

	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to reset redis log %s: %w", r.key, err)
	}

	return nil
}

func (r *RedisBackend) Write(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := r.client.RPush(ctx, r.key, data).Err(); err != nil {
		return fmt.Errorf("failed to append event to redis: %w", err)
	}

	return nil
}

// Close sets the expiry; the client is owned by the caller.
func (r *RedisBackend) Close() error {
	if r.ttl <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := r.client.Expire(ctx, r.key, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set expiry on %s: %w", r.key, err)
	}

	return nil
}
