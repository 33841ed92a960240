// Package retry implements the higher-order retry operation called out in
// the engine's design notes: retry(policy, fn) composes with the rate
// limiter rather than being a decorator glued onto every call site.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

// Policy is explicit, injectable retry configuration — attempts, backoff,
// jitter — never implicit constants buried in the function body.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fractional, e.g. 0.2 == +/-20%
}

// DefaultPolicy matches the engine's documented defaults: base 1s, factor 2,
// jitter +/-20%, max 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// backoff computes the exponential delay for the given 0-indexed attempt,
// capped at MaxDelay and perturbed by +/-Jitter.
func (p Policy) backoff(attempt int) time.Duration {
	raw := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delta := raw * p.Jitter
		raw += (rand.Float64()*2 - 1) * delta
		if raw < 0 {
			raw = 0
		}
	}
	return time.Duration(raw)
}

// Do runs fn, retrying on retryable errors (per domain.IsRetryable) up to
// policy.MaxAttempts times with exponential backoff, honoring ctx
// cancellation between attempts. Non-retryable errors return immediately.
func Do[T any](ctx context.Context, policy Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !domain.IsRetryable(err) {
			return zero, err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := policy.backoff(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}
