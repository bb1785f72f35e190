package kvcache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-process KVCache used by tests and single-binary runs.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), clock: time.Now}
}

// NewMemoryCacheWithClock creates a cache with an injected clock for tests.
func NewMemoryCacheWithClock(clock func() time.Time) *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), clock: clock}
}

func (c *MemoryCache) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && c.clock().After(e.expiresAt)
}

// Get returns the value for key and whether it exists.
func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores the value with a TTL (zero TTL means no expiry).
func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.clock().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

// Del removes the key.
func (c *MemoryCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// TTL returns the remaining TTL, -1 for keys without expiry, -2 for missing keys.
func (c *MemoryCache) TTL(_ context.Context, key string) (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		return -2, nil
	}
	if e.expiresAt.IsZero() {
		return -1, nil
	}
	return e.expiresAt.Sub(c.clock()), nil
}

// SetNX sets the key only if absent; reports whether the set happened.
func (c *MemoryCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !c.expired(e) {
		return false, nil
	}
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.clock().Add(ttl)
	}
	c.entries[key] = e
	return true, nil
}
