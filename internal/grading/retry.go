package grading

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Retry configuration validation errors.
var (
	errMaxAttemptsInvalid     = errors.New("maxAttempts must be greater than 0")
	errInitialIntervalInvalid = errors.New("initialInterval must be greater than 0")
	errMaxIntervalInvalid     = errors.New("maxInterval must be >= initialInterval")
	errMultiplierInvalid      = errors.New("multiplier must be >= 1.0")
)

// RetryConfig controls the shared retry budget applied to every external
// adapter call.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, first call included.
	MaxAttempts int `koanf:"max_attempts"`

	// InitialInterval is the backoff before the second attempt.
	InitialInterval time.Duration `koanf:"initial_interval"`

	// MaxInterval caps the backoff growth.
	MaxInterval time.Duration `koanf:"max_interval"`

	// Multiplier scales the interval between attempts.
	Multiplier float64 `koanf:"multiplier"`

	// UseJitter applies full jitter to each backoff to spread retries of
	// concurrent jobs.
	UseJitter bool `koanf:"use_jitter"`
}

// DefaultRetryConfig returns the documented defaults: three attempts with
// a doubling backoff from 250ms capped at 5s, with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		UseJitter:       true,
	}
}

// Validate checks the configuration for internally consistent bounds.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w, got %d", errMaxAttemptsInvalid, c.MaxAttempts)
	}
	if c.InitialInterval <= 0 {
		return fmt.Errorf("%w, got %v", errInitialIntervalInvalid, c.InitialInterval)
	}
	if c.MaxInterval < c.InitialInterval {
		return fmt.Errorf("%w, MaxInterval: %v, InitialInterval: %v", errMaxIntervalInvalid, c.MaxInterval, c.InitialInterval)
	}
	if c.Multiplier < 1.0 {
		return fmt.Errorf("%w, got %f", errMultiplierInvalid, c.Multiplier)
	}
	return nil
}

// RetryPolicy executes operations with exponential backoff on transient
// failures. Permanent errors abort immediately; exhausting the budget
// wraps the last error in ErrMaxAttemptsExceeded.
type RetryPolicy struct {
	config RetryConfig

	// sleep waits for the backoff or until ctx is done. Replaceable in
	// tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy builds a policy from a validated configuration.
func NewRetryPolicy(cfg RetryConfig) (*RetryPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RetryPolicy{config: cfg, sleep: sleepContext}, nil
}

// Do runs op up to MaxAttempts times, backing off between attempts.
// It returns the number of attempts made and the terminal error, if any.
func (p *RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	var lastErr error

	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return attempt - 1, fmt.Errorf("grading cancelled before attempt %d: %w", attempt, ctx.Err())
		default:
		}

		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		if !IsRetryable(err) {
			return attempt, err
		}
		lastErr = err

		if attempt == p.config.MaxAttempts {
			break
		}

		if serr := p.sleep(ctx, p.backoff(attempt, err)); serr != nil {
			return attempt, fmt.Errorf("grading cancelled during backoff: %w", serr)
		}
	}

	return p.config.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, p.config.MaxAttempts, lastErr)
}

// backoff computes the delay before the next attempt. Provider retry-after
// guidance takes precedence; otherwise exponential backoff with optional
// full jitter, capped at MaxInterval.
func (p *RetryPolicy) backoff(attempt int, err error) time.Duration {
	if retryAfter := RetryAfterHint(err); retryAfter > 0 {
		if retryAfter > p.config.MaxInterval {
			return p.config.MaxInterval
		}
		return retryAfter
	}

	backoff := p.config.InitialInterval
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * p.config.Multiplier)
		if backoff > p.config.MaxInterval {
			backoff = p.config.MaxInterval
			break
		}
	}

	if p.config.UseJitter {
		// Full jitter: random between 0 and calculated backoff.
		// math/rand/v2 is safe for concurrent use.
		jitterMs := rand.Int64N(backoff.Milliseconds() + 1) // #nosec G404 -- non-cryptographic jitter is appropriate here
		return time.Duration(jitterMs) * time.Millisecond
	}

	return backoff
}

// sleepContext waits for d or returns early with the context error.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
