package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram-memory/internal/memerrors"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result := New(fastConfig(3)).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return memerrors.Wrap(memerrors.KindExternalTransient, "503", errors.New("upstream"))
		}
		return nil
	})
	require.NoError(t, result.Err)
	assert.Equal(t, 3, result.Attempts)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := memerrors.New(memerrors.KindExternalPermanent, "invalid model id")
	result := New(fastConfig(5)).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, result.Err, permanent)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	result := New(fastConfig(3)).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return memerrors.New(memerrors.KindExternalTransient, "timeout")
	})
	assert.Equal(t, 3, calls)
	assert.Error(t, result.Err)
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := New(fastConfig(3)).Do(ctx, func(ctx context.Context) error {
		return memerrors.New(memerrors.KindExternalTransient, "timeout")
	})
	assert.Error(t, result.Err)
	assert.Equal(t, 1, result.Attempts)
}
