package provider

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy is the stage-level retry schedule used by the filter and summary stages.
type RetryPolicy struct {
	Attempts      int
	RateLimitWait time.Duration
	OtherWait     time.Duration
}

// DefaultRetryPolicy is 3 attempts, 5s after a rate-limit error and 1s after anything else.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:      3,
		RateLimitWait: 5 * time.Second,
		OtherWait:     1 * time.Second,
	}
}

// Retry runs fn until it succeeds or the policy's attempts are exhausted.
// attempt is 1-based. Context cancellation stops the loop immediately.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := fn(ctx, attempt)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt == attempts {
			break
		}
		wait := p.OtherWait
		if IsRateLimitError(err) {
			wait = p.RateLimitWait
		}
		if err := Sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// Sleep waits for d or until ctx is done. A non-positive d returns immediately.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
