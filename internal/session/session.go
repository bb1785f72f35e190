// Package session keeps a rolling per-end-user buffer of recent dialogue
// turns in the KV cache, plus the perceptual suggestion and profile caches.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"engram-memory/internal/config"
	"engram-memory/internal/kvcache"
	"engram-memory/internal/logging"
	"engram-memory/internal/ports"
)

// Turn is one (user, assistant) exchange.
type Turn struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	At        time.Time `json:"at"`
}

// Store implements the short-term session memory.
type Store struct {
	cache    ports.KVCache
	ttl      time.Duration
	maxTurns int
	clock    ports.Clock
	logger   logging.Logger
}

// NewStore creates a session store with config-driven TTL and depth.
func NewStore(cache ports.KVCache, cfg *config.SessionConfig, clock ports.Clock) *Store {
	ttlHours := cfg.TTLHours
	if ttlHours <= 0 {
		ttlHours = 24
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &Store{
		cache:    cache,
		ttl:      time.Duration(ttlHours) * time.Hour,
		maxTurns: maxTurns,
		clock:    clock,
		logger:   logging.WithComponent("session"),
	}
}

// Append adds a turn to the buffer, dropping a consecutive identical turn,
// and trims to the configured depth. The TTL is refreshed on every append.
func (s *Store) Append(ctx context.Context, endUserID, userText, assistantText string) error {
	turns, err := s.History(ctx, endUserID)
	if err != nil {
		return err
	}

	if n := len(turns); n > 0 && turns[n-1].User == userText && turns[n-1].Assistant == assistantText {
		return nil
	}

	turns = append(turns, Turn{User: userText, Assistant: assistantText, At: s.clock.Now()})
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}

	payload, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("marshal session buffer: %w", err)
	}
	return s.cache.Set(ctx, kvcache.SessionBufferKey(endUserID), string(payload), s.ttl)
}

// History returns the buffered turns, oldest first. A corrupt buffer is
// dropped rather than surfaced.
func (s *Store) History(ctx context.Context, endUserID string) ([]Turn, error) {
	raw, ok, err := s.cache.Get(ctx, kvcache.SessionBufferKey(endUserID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var turns []Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		s.logger.WarnContext(ctx, "dropping corrupt session buffer", "end_user_id", endUserID)
		_ = s.cache.Del(ctx, kvcache.SessionBufferKey(endUserID))
		return nil, nil
	}
	return turns, nil
}

// RecentContext renders the newest turns as plain text, newest last, capped
// at maxChars runes. Implements the writer's context source.
func (s *Store) RecentContext(ctx context.Context, endUserID string, maxChars int) (string, error) {
	turns, err := s.History(ctx, endUserID)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "user: %s\nassistant: %s\n", t.User, t.Assistant)
	}
	text := strings.TrimSpace(sb.String())
	if maxChars > 0 {
		if runes := []rune(text); len(runes) > maxChars {
			// keep the newest context
			text = string(runes[len(runes)-maxChars:])
		}
	}
	return text, nil
}

// Clear removes the buffer for an end user.
func (s *Store) Clear(ctx context.Context, endUserID string) error {
	return s.cache.Del(ctx, kvcache.SessionBufferKey(endUserID))
}

// Suggestions returns the cached emotion-memory suggestions, if any.
func (s *Store) Suggestions(ctx context.Context, endUserID string) (string, bool, error) {
	return s.cache.Get(ctx, kvcache.EmotionSuggestionsKey(endUserID))
}

// SetSuggestions caches emotion-memory suggestions with the session TTL.
func (s *Store) SetSuggestions(ctx context.Context, endUserID, payload string) error {
	return s.cache.Set(ctx, kvcache.EmotionSuggestionsKey(endUserID), payload, s.ttl)
}

// Profile returns the cached implicit-memory profile, if any.
func (s *Store) Profile(ctx context.Context, endUserID string) (string, bool, error) {
	return s.cache.Get(ctx, kvcache.ImplicitProfileKey(endUserID))
}

// SetProfile caches the implicit-memory profile with the session TTL.
func (s *Store) SetProfile(ctx context.Context, endUserID, payload string) error {
	return s.cache.Set(ctx, kvcache.ImplicitProfileKey(endUserID), payload, s.ttl)
}
