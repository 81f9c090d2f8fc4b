package grading

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPolicy returns a policy whose sleeps record their durations
// instead of waiting.
func newTestPolicy(t *testing.T, cfg RetryConfig) (*RetryPolicy, *[]time.Duration) {
	t.Helper()
	policy, err := NewRetryPolicy(cfg)
	require.NoError(t, err)

	var slept []time.Duration
	policy.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return policy, &slept
}

func noJitterConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.UseJitter = false
	return cfg
}

func TestRetryConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RetryConfig)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*RetryConfig) {}},
		{name: "zero attempts", mutate: func(c *RetryConfig) { c.MaxAttempts = 0 }, wantErr: true},
		{name: "zero initial interval", mutate: func(c *RetryConfig) { c.InitialInterval = 0 }, wantErr: true},
		{name: "max below initial", mutate: func(c *RetryConfig) { c.MaxInterval = time.Millisecond }, wantErr: true},
		{name: "multiplier below one", mutate: func(c *RetryConfig) { c.Multiplier = 0.5 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRetryConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRetryDoSucceedsFirstAttempt(t *testing.T) {
	policy, slept := newTestPolicy(t, noJitterConfig())

	attempts, err := policy.Do(context.Background(), func(context.Context) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *slept)
}

func TestRetryDoTransientThenSuccess(t *testing.T) {
	policy, slept := newTestPolicy(t, noJitterConfig())

	calls := 0
	attempts, err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &TransientError{Type: ErrorTypeNetwork, Message: "connection reset"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	// Exponential backoff: 250ms then 500ms.
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}, *slept)
}

func TestRetryDoPermanentAbortsImmediately(t *testing.T) {
	policy, slept := newTestPolicy(t, noJitterConfig())

	calls := 0
	permErr := &PermanentError{Type: ErrorTypeMalformed, Message: "bad response"}
	attempts, err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return permErr
	})

	require.Error(t, err)
	var perm *PermanentError
	assert.ErrorAs(t, err, &perm)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestRetryDoExhaustsBudget(t *testing.T) {
	policy, slept := newTestPolicy(t, noJitterConfig())

	attempts, err := policy.Do(context.Background(), func(context.Context) error {
		return &TransientError{Type: ErrorTypeProvider, Message: "judge down"}
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxAttemptsExceeded)
	var transient *TransientError
	assert.ErrorAs(t, err, &transient, "last transient error stays in the chain")
	assert.Equal(t, 3, attempts)
	assert.Len(t, *slept, 2, "no sleep after the final attempt")
}

func TestRetryDoHonorsRetryAfter(t *testing.T) {
	policy, slept := newTestPolicy(t, noJitterConfig())

	calls := 0
	_, err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &TransientError{Type: ErrorTypeRateLimit, Message: "slow down", RetryAfter: 2 * time.Second}
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, *slept, 1)
	assert.Equal(t, 2*time.Second, (*slept)[0], "provider guidance overrides computed backoff")
}

func TestRetryDoCapsRetryAfter(t *testing.T) {
	cfg := noJitterConfig()
	cfg.MaxInterval = time.Second
	policy, slept := newTestPolicy(t, cfg)

	calls := 0
	_, err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &TransientError{Type: ErrorTypeRateLimit, Message: "slow down", RetryAfter: time.Minute}
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, *slept, 1)
	assert.Equal(t, time.Second, (*slept)[0])
}

func TestRetryDoContextCancelled(t *testing.T) {
	policy, err := NewRetryPolicy(noJitterConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts, err := policy.Do(ctx, func(context.Context) error {
		t.Fatal("op must not run after cancellation")
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, attempts)
}

func TestRetryDoCancelledDuringBackoff(t *testing.T) {
	policy, err := NewRetryPolicy(noJitterConfig())
	require.NoError(t, err)
	policy.sleep = func(ctx context.Context, _ time.Duration) error { return context.Canceled }

	attempts, err := policy.Do(context.Background(), func(context.Context) error {
		return &TransientError{Type: ErrorTypeTimeout, Message: "timed out"}
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	cfg := DefaultRetryConfig() // jitter on
	policy, err := NewRetryPolicy(cfg)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		d := policy.backoff(1, &TransientError{Type: ErrorTypeNetwork})
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, cfg.InitialInterval)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "transient", err: &TransientError{Type: ErrorTypeNetwork}, want: true},
		{name: "permanent", err: &PermanentError{Type: ErrorTypeMalformed}, want: false},
		{name: "wrapped transient", err: errors.Join(errors.New("outer"), &TransientError{Type: ErrorTypeRateLimit}), want: true},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: true},
		{name: "unknown error", err: errors.New("mystery"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
