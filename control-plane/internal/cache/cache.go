// Package cache provides the controller's Redis integration: a short-lived
// API response cache and the per-client instruction queue.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pilot-net/pingrelay/control-plane/internal/config"
	"github.com/redis/go-redis/v9"
)

const cachePrefix = "pingrelay:cache:"

// Connect parses redisURL and verifies the server answers PING.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, config.RedisConnectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// Cache stores JSON-encoded API responses with a TTL.
// A nil *Cache is valid and never hits.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// New creates a response cache on an established client.
func New(client *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{client: client, logger: logger.With("component", "cache")}
}

// GetJSON decodes a cached value into v. It reports false on a miss.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	if c == nil {
		return false, nil
	}
	data, err := c.client.Get(ctx, cachePrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON encodes v and stores it for ttl.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cachePrefix+key, data, ttl).Err()
}

// Invalidate removes cached keys. Failures are logged, not returned.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = cachePrefix + k
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		c.logger.Warn("cache invalidation failed", "keys", keys, "error", err)
	}
}
