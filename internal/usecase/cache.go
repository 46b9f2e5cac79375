package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache stores serialized StatusRecords. Get reports a missing key as
// redis.Nil whatever the backend.
type Cache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// DefaultKeyPrefix namespaces status keys in a shared Redis.
const DefaultKeyPrefix = "hypertensight:"

// RedisCache keeps status records in Redis under a key prefix, each with a
// TTL so nothing outlives its usefulness.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("status %s: ttl must be positive", key)
	}
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store status %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", redis.Nil
	}
	if err != nil {
		return "", fmt.Errorf("load status %s: %w", key, err)
	}
	return value, nil
}

// NopCache drops writes and misses every read. Used when no Redis is
// configured and by the one-shot CLI.
type NopCache struct{}

func (NopCache) Set(context.Context, string, string, time.Duration) error { return nil }

func (NopCache) Get(context.Context, string) (string, error) { return "", redis.Nil }
