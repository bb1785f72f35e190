package kvcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheSetGetDel(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	val, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", val)

	require.NoError(t, c.Del(ctx, "k"))
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	c := NewMemoryCacheWithClock(func() time.Time { return now })

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	ttl, err := c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	now = now.Add(2 * time.Minute)
	_, ok, _ := c.Get(ctx, "k")
	assert.False(t, ok)
	ttl, _ = c.TTL(ctx, "k")
	assert.Equal(t, time.Duration(-2), ttl)
}

func TestMemoryCacheSetNX(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	c := NewMemoryCacheWithClock(func() time.Time { return now })

	ok, err := c.SetNX(ctx, "lock", "owner-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = c.SetNX(ctx, "lock", "owner-2", time.Minute)
	assert.False(t, ok)

	// lock expires, a new owner can take it
	now = now.Add(2 * time.Minute)
	ok, _ = c.SetNX(ctx, "lock", "owner-2", time.Minute)
	assert.True(t, ok)
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "cache:memory:emotion_memory:suggestions:u1", EmotionSuggestionsKey("u1"))
	assert.Equal(t, "cache:memory:implicit_memory:profile:u1", ImplicitProfileKey("u1"))
	assert.Equal(t, "session:u1", SessionBufferKey("u1"))
	assert.Equal(t, "cache:memory:forgetting:config:c1", ForgettingConfigKey("c1"))
}
