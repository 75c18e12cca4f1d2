package engine

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/rendis/flowchat/pkg/schema"
)

// RetryPolicy controls how often a failed chat completion is retried before
// the node fails.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, including the first; <= 1 disables retries
	Backoff     string        // none, constant, linear or exponential
	Delay       time.Duration // base delay
	MaxDelay    time.Duration // cap; zero means uncapped
}

// IsRetryableError classifies whether a collaborator error should be retried.
// Retryable: network errors, timeouts, context.DeadlineExceeded, FlowErrors
// flagged retryable by the LLM client, and common transient HTTP messages.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is the request timeout, not run shutdown.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is NOT retryable: the engine is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if retryable, ok := fe.Details["retryable"].(bool); ok {
			return retryable
		}
		if fe.Code != schema.ErrCodeCollaborator {
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

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
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ComputeBackoff calculates the delay before the next retry attempt.
// attempt is zero-based: 0 is the delay after the first failure.
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}
	attempt = max(attempt, 0)

	var delay time.Duration
	switch policy.Backoff {
	case "none":
		return 0
	case "exponential":
		delay = policy.Delay << min(attempt, 30)
		if delay < policy.Delay {
			delay = math.MaxInt64 // overflow
		}
	case "linear":
		delay = policy.Delay * time.Duration(attempt+1)
	default: // "constant" or empty
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
