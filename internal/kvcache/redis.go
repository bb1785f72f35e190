// Package kvcache provides the KV cache implementations backing session
// buffers, perceptual caches, and the distributed forgetting lock.
package kvcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"engram-memory/internal/config"
)

// Well-known cache key patterns.
const (
	KeyEmotionSuggestions = "cache:memory:emotion_memory:suggestions:%s"
	KeyImplicitProfile    = "cache:memory:implicit_memory:profile:%s"
	KeySessionBuffer      = "session:%s"
	KeyForgettingLock     = "cache:memory:forgetting:lock"
	KeyForgettingConfig   = "cache:memory:forgetting:config:%s"
)

// EmotionSuggestionsKey builds the emotion-suggestion key for an end user.
func EmotionSuggestionsKey(endUserID string) string {
	return fmt.Sprintf(KeyEmotionSuggestions, endUserID)
}

// ImplicitProfileKey builds the implicit-profile key for an end user.
func ImplicitProfileKey(endUserID string) string {
	return fmt.Sprintf(KeyImplicitProfile, endUserID)
}

// SessionBufferKey builds the session-buffer key for an end user.
func SessionBufferKey(endUserID string) string {
	return fmt.Sprintf(KeySessionBuffer, endUserID)
}

// ForgettingConfigKey builds the forgetting-config key for a config id.
func ForgettingConfigKey(configID string) string {
	return fmt.Sprintf(KeyForgettingConfig, configID)
}

// RedisCache implements the KVCache port over Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a Redis-backed cache from configuration.
func NewRedisCache(cfg *config.RedisConfig) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}),
	}
}

// Get returns the value for key and whether it exists.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores the value with a TTL (zero TTL means no expiry).
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Del removes the key.
func (c *RedisCache) Del(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// TTL returns the remaining TTL for the key.
func (c *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl %s: %w", key, err)
	}
	return ttl, nil
}

// SetNX sets the key only if absent; reports whether the set happened.
func (c *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// HealthCheck pings the server.
func (c *RedisCache) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *RedisCache) Close() error { return c.client.Close() }
