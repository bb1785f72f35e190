// Package retry provides bounded retries with jittered exponential backoff
// for provider and store calls.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"engram-memory/internal/memerrors"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts     int              // total attempts including the first (0 = 1 attempt)
	InitialDelay    time.Duration    // delay before the first retry
	MaxDelay        time.Duration    // cap on the backoff delay
	Multiplier      float64          // backoff multiplier
	RandomizeFactor float64          // jitter factor in [0,1]
	RetryIf         func(error) bool // predicate deciding whether an error is retryable
}

// DefaultConfig returns the engine default: two retries with exponential backoff.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
		RetryIf:         memerrors.IsRetryable,
	}
}

// Operation is a retryable operation.
type Operation func(ctx context.Context) error

// Result reports the outcome of a retried operation.
type Result struct {
	Attempts int
	Duration time.Duration
	Err      error
}

// Retrier executes operations under a retry policy.
type Retrier struct {
	config *Config
}

// New creates a retrier, normalising degenerate configuration.
func New(config *Config) *Retrier {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.RandomizeFactor < 0 {
		config.RandomizeFactor = 0
	} else if config.RandomizeFactor > 1 {
		config.RandomizeFactor = 1
	}
	if config.RetryIf == nil {
		config.RetryIf = memerrors.IsRetryable
	}
	return &Retrier{config: config}
}

// Do executes op until success, a non-retryable error, attempt exhaustion, or
// context cancellation.
func (r *Retrier) Do(ctx context.Context, op Operation) *Result {
	start := time.Now()
	result := &Result{}
	delay := r.config.InitialDelay

	var lastErr error
retryLoop:
	for attempt := 1; attempt == 1 || attempt <= r.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("context cancelled: %w", err)
			break
		}

		err := op(ctx)
		if err == nil {
			result.Duration = time.Since(start)
			return result
		}
		lastErr = err

		if !r.config.RetryIf(err) {
			break
		}
		if attempt >= r.config.MaxAttempts {
			break
		}

		select {
		case <-time.After(r.jitter(delay)):
			delay = r.next(delay)
		case <-ctx.Done():
			lastErr = fmt.Errorf("context cancelled during retry delay: %w", ctx.Err())
			break retryLoop
		}
	}

	result.Duration = time.Since(start)
	result.Err = lastErr
	return result
}

func (r *Retrier) jitter(delay time.Duration) time.Duration {
	if r.config.RandomizeFactor == 0 {
		return delay
	}
	delta := float64(delay) * r.config.RandomizeFactor
	return time.Duration(float64(delay) - delta + rand.Float64()*2*delta)
}

func (r *Retrier) next(current time.Duration) time.Duration {
	nextDelay := time.Duration(float64(current) * r.config.Multiplier)
	if nextDelay > r.config.MaxDelay {
		return r.config.MaxDelay
	}
	return nextDelay
}

// Do executes the operation with the default configuration.
func Do(ctx context.Context, op Operation) error {
	return New(DefaultConfig()).Do(ctx, op).Err
}

// DoWithConfig executes the operation with a custom configuration.
func DoWithConfig(ctx context.Context, config *Config, op Operation) error {
	return New(config).Do(ctx, op).Err
}
