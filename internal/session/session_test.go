package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram-memory/internal/config"
	"engram-memory/internal/kvcache"
	"engram-memory/internal/ports"
)

func newTestStore(maxTurns int) *Store {
	return NewStore(
		kvcache.NewMemoryCache(),
		&config.SessionConfig{TTLHours: 24, MaxTurns: maxTurns},
		ports.FixedClock{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	)
}

func TestAppendAndHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(10)

	require.NoError(t, s.Append(ctx, "u1", "hello", "hi there"))
	require.NoError(t, s.Append(ctx, "u1", "how are you", "fine"))

	turns, err := s.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "hello", turns[0].User)
	assert.Equal(t, "fine", turns[1].Assistant)

	// other users are isolated
	turns, err = s.History(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestAppendDropsConsecutiveDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(10)

	require.NoError(t, s.Append(ctx, "u1", "same", "answer"))
	require.NoError(t, s.Append(ctx, "u1", "same", "answer"))
	require.NoError(t, s.Append(ctx, "u1", "different", "answer"))

	turns, err := s.History(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestAppendTrimsToMaxTurns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(3)

	for _, q := range []string{"q1", "q2", "q3", "q4", "q5"} {
		require.NoError(t, s.Append(ctx, "u1", q, "a"))
	}
	turns, err := s.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "q3", turns[0].User)
	assert.Equal(t, "q5", turns[2].User)
}

func TestRecentContextCapsFromTheEnd(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(10)
	require.NoError(t, s.Append(ctx, "u1", "older question", "older answer"))
	require.NoError(t, s.Append(ctx, "u1", "newest question", "newest answer"))

	text, err := s.RecentContext(ctx, "u1", 30)
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(text)), 30)
	assert.Contains(t, text, "newest answer")
}

func TestCorruptBufferIsDropped(t *testing.T) {
	ctx := context.Background()
	cache := kvcache.NewMemoryCache()
	s := NewStore(cache, &config.SessionConfig{}, ports.SystemClock{})

	require.NoError(t, cache.Set(ctx, kvcache.SessionBufferKey("u1"), "{not json", 0))
	turns, err := s.History(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, turns)

	_, ok, _ := cache.Get(ctx, kvcache.SessionBufferKey("u1"))
	assert.False(t, ok)
}

func TestSuggestionAndProfileCaches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(10)

	_, ok, err := s.Suggestions(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetSuggestions(ctx, "u1", `["go for a walk"]`))
	val, ok, err := s.Suggestions(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `["go for a walk"]`, val)

	require.NoError(t, s.SetProfile(ctx, "u1", `{"mood":"calm"}`))
	val, ok, _ = s.Profile(ctx, "u1")
	assert.True(t, ok)
	assert.Contains(t, val, "calm")
}
