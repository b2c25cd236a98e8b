package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores normalization results by canonicalized input key with a
// bounded lifetime.
type Cache interface {
	Get(ctx context.Context, key string) ([]Match, bool, error)
	Set(ctx context.Context, key string, matches []Match) error
	Invalidate(ctx context.Context, key string) error
}

// DefaultCacheTTL bounds how long a cached result is served before the
// catalog is consulted again.
const DefaultCacheTTL = 15 * time.Minute

// RedisCache implements Cache on Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a cache from a Redis URL.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{
		client: client,
		prefix: "normalize:",
		ttl:    ttl,
	}
}

func (c *RedisCache) key(input string) string {
	return c.prefix + input
}

// Get returns the cached matches for a key, if present and unexpired.
func (c *RedisCache) Get(ctx context.Context, key string) ([]Match, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %q: %w", key, err)
	}

	var matches []Match
	if err := json.Unmarshal(data, &matches); err != nil {
		// Corrupt entry: drop it and treat as a miss rather than
		// poisoning every future call for this key.
		_ = c.client.Del(ctx, c.key(key)).Err()
		return nil, false, fmt.Errorf("cache get %q: corrupt entry: %w", key, err)
	}
	return matches, true, nil
}

// Set stores matches under a key with the cache TTL.
func (c *RedisCache) Set(ctx context.Context, key string, matches []Match) error {
	data, err := json.Marshal(matches)
	if err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	if err := c.client.Set(ctx, c.key(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// Invalidate drops the cached result for a key. Called when a learning
// record changes what the key should resolve to.
func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cache invalidate %q: %w", key, err)
	}
	return nil
}
