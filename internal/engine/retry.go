package engine

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/tessen/flowcore/pkg/schema"
)

// nonRetryableCodes are engine error codes that never succeed on retry.
var nonRetryableCodes = map[string]bool{
	schema.ErrCodeValidation:       true,
	schema.ErrCodeSyntax:           true,
	schema.ErrCodeNotFound:         true,
	schema.ErrCodeForbidden:        true,
	schema.ErrCodeUnauthorized:     true,
	schema.ErrCodeConflict:         true,
	schema.ErrCodeCancelled:        true,
	schema.ErrCodeStaleLease:       true,
	schema.ErrCodeLimitExceeded:    true,
	schema.ErrCodeNoMatchingCase:   true,
	schema.ErrCodeApprovalRejected: true,
	schema.ErrCodeApprovalTimeout:  true,
}

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, upstream failures.
// Non-retryable: validation errors, auth failures, explicit cancellation.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Step timeout is retryable; workflow shutdown is not.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return !nonRetryableCodes[engErr.Code]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient failures from raw errors.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (the policy caps attempts).
	return true
}

// policyAllows checks the policy's retry_on code filter against the error.
// An empty filter admits any retryable error.
func policyAllows(policy *schema.RetryPolicy, err error) bool {
	if len(policy.RetryOn) == 0 {
		return IsRetryableError(err)
	}
	code := schema.CodeOf(err)
	for _, c := range policy.RetryOn {
		if c == code {
			return true
		}
	}
	return false
}

// ComputeBackoff calculates the delay before attempt n (0-based).
// delay = backoff_ms * multiplier^n, capped at max_backoff_ms, with
// optional ±50% jitter.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.BackoffMs <= 0 {
		return 0
	}

	delay := float64(policy.BackoffMs)
	mult := policy.Multiplier
	if mult <= 0 {
		mult = 1
	}
	for i := 0; i < attempt; i++ {
		delay *= mult
	}
	if policy.MaxBackoffMs > 0 && delay > float64(policy.MaxBackoffMs) {
		delay = float64(policy.MaxBackoffMs)
	}
	if policy.Jitter {
		delay = delay/2 + rand.Float64()*delay/2
	}

	return time.Duration(delay) * time.Millisecond
}

// WaitForBackoff sleeps for the computed delay or returns early when the
// context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteWithRetry runs fn up to policy.MaxAttempts times, backing off
// between attempts. A nil policy means a single attempt. onRetry, when
// non-nil, is invoked before each re-attempt with the 1-based attempt
// number and the previous error.
func ExecuteWithRetry(ctx context.Context, policy *schema.RetryPolicy, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(policy, attempt-1)); err != nil {
				return err
			}
			if onRetry != nil {
				onRetry(attempt+1, lastErr)
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if policy == nil || !policyAllows(policy, lastErr) {
			return lastErr
		}
	}

	return schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"retries exhausted after %d attempts: %s", maxAttempts, lastErr.Error()).WithCause(lastErr)
}
