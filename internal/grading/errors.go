// Package grading defines the contract between the pipeline and the
// external LLM judge: the client interface, the transient/permanent error
// taxonomy that drives retry decisions, and the retry policy that wraps
// every adapter call with exponential backoff.
package grading

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorType categorizes adapter failures for retry classification.
type ErrorType string

const (
	// ErrorTypeTimeout indicates request timeout or deadline exceeded (retryable).
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeRateLimit indicates provider rate limiting, retry with backoff (retryable).
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeNetwork indicates network connectivity issues (retryable).
	ErrorTypeNetwork ErrorType = "network"

	// ErrorTypeProvider indicates the judge service is unavailable (retryable).
	ErrorTypeProvider ErrorType = "provider_unavailable"

	// ErrorTypeMalformed indicates a malformed request or response (non-retryable).
	ErrorTypeMalformed ErrorType = "malformed"

	// ErrorTypeContent indicates content blocked by provider safety filters (non-retryable).
	ErrorTypeContent ErrorType = "content_filtered"
)

// Common grading errors for consistent handling.
var (
	// ErrMaxAttemptsExceeded indicates the retry budget was exhausted.
	ErrMaxAttemptsExceeded = errors.New("maximum grading attempts exceeded")

	// ErrEmptyAnswer indicates an attempt to grade an empty answer text.
	ErrEmptyAnswer = errors.New("empty answer text")
)

// TransientError is an adapter failure expected to succeed on retry:
// timeouts, rate limits, network problems, provider outages.
type TransientError struct {
	Type       ErrorType     `json:"type"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // provider backoff guidance, zero when absent
	Err        error         `json:"-"`
}

// Error returns the formatted transient error.
func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient grading error (%s): %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("transient grading error (%s): %s", e.Type, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *TransientError) Unwrap() error { return e.Err }

// GetRetryAfter returns provider-specified backoff guidance, or zero.
func (e *TransientError) GetRetryAfter() time.Duration { return e.RetryAfter }

// PermanentError is an adapter failure that will never succeed on retry:
// malformed requests, out-of-range responses, filtered content. It fails
// the affected question immediately without consuming the retry budget.
type PermanentError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error returns the formatted permanent error.
func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent grading error (%s): %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("permanent grading error (%s): %s", e.Type, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *PermanentError) Unwrap() error { return e.Err }

// IsRetryable determines whether an adapter error warrants another attempt.
// Classified permanent errors never retry; classified transient errors,
// deadline expiry, and raw network failures do. Unknown errors are not
// retried to avoid retry loops on bugs.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// RetryAfterHint extracts provider backoff guidance from an error chain,
// or zero when no guidance is present.
func RetryAfterHint(err error) time.Duration {
	var transient *TransientError
	if errors.As(err, &transient) {
		return transient.RetryAfter
	}
	return 0
}
