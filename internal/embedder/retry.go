package embedder

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures exponential backoff around single provider calls
type RetryPolicy struct {
	MaxAttempts int           // Total calls including the first
	BaseDelay   time.Duration // Delay before the second attempt
	MaxDelay    time.Duration // Upper bound for any delay
	Multiplier  float64       // Exponential backoff multiplier
	Jitter      float64       // Fraction of each delay randomised away, 0..1
	CallTimeout time.Duration // Deadline per attempt, 0 for none
}

// DefaultRetryPolicy returns sensible defaults for API retry
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: MaxAttempts,
		BaseDelay:   time.Duration(InitialBackoffMs) * time.Millisecond,
		MaxDelay:    time.Duration(MaxBackoffMs) * time.Millisecond,
		Multiplier:  BackoffMultiplier,
		Jitter:      0.2,
		CallTimeout: 30 * time.Second,
	}
}

// normalized fills zero fields with defaults
func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// delay returns the wait before the next attempt, honouring a server hint
func (p RetryPolicy) delay(backoff time.Duration, err error) time.Duration {
	d := backoff
	if p.Jitter > 0 {
		d -= time.Duration(float64(d) * p.Jitter * rand.Float64())
	}
	if pe, ok := AsProviderError(err); ok && pe.RetryAfter > d {
		d = pe.RetryAfter
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or the
// policy's attempts are exhausted. Each attempt gets its own deadline when
// CallTimeout is set; an attempt that times out counts as a transient failure.
// Cancellation of ctx stops immediately.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	policy = policy.normalized()
	var zero T
	var lastErr error
	backoff := policy.BaseDelay

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := callWithTimeout(ctx, policy.CallTimeout, fn)
		if err == nil {
			return result, nil
		}

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		lastErr = err
		if !IsRetryable(err) {
			return zero, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(policy.delay(backoff, err)):
		}

		backoff = time.Duration(float64(backoff) * policy.Multiplier)
		if backoff > policy.MaxDelay {
			backoff = policy.MaxDelay
		}
	}

	return zero, fmt.Errorf("giving up after %d attempts: %w", policy.MaxAttempts, lastErr)
}

func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		if _, ok := AsProviderError(err); !ok {
			err = &ProviderError{
				Kind: KindTransient,
				Err:  fmt.Errorf("call timed out after %s: %w", timeout, err),
			}
		}
	}
	return result, err
}
