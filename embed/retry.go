package embed

import (
	"context"
	"errors"
	"time"

	"github.com/mnemo-ai/mnemo/memerr"
)

// Retry wraps a Provider with the bounded-attempt policy: each call is
// bounded by a per-attempt timeout, failed attempts back off with doubling
// delay, and once the attempt budget is exhausted the call reports the
// provider unavailable so callers can degrade instead of blocking.
type Retry struct {
	provider    Provider
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
}

// NewRetry wraps provider with timeout, attempt, and backoff bounds.
// Non-positive arguments fall back to 5s, 3 attempts, and 200ms.
func NewRetry(provider Provider, timeout time.Duration, maxAttempts int, backoff time.Duration) *Retry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &Retry{
		provider:    provider,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

// Embed calls the wrapped provider with retries. On exhaustion it returns an
// error matching memerr.ErrProviderUnavailable.
func (r *Retry) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	delay := r.backoff

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		vec, err := r.provider.Embed(attemptCtx, text)
		cancel()
		if err == nil {
			return vec, nil
		}
		lastErr = err

		// A cancelled parent context ends the retry loop immediately.
		if ctx.Err() != nil {
			return nil, memerr.Provider("embed.Embed", errors.Join(memerr.ErrProviderUnavailable, ctx.Err()))
		}

		if attempt < r.maxAttempts {
			select {
			case <-ctx.Done():
				return nil, memerr.Provider("embed.Embed", errors.Join(memerr.ErrProviderUnavailable, ctx.Err()))
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return nil, memerr.Provider("embed.Embed", errors.Join(memerr.ErrProviderUnavailable, lastErr))
}

// Dimensions returns the wrapped provider's vector size.
func (r *Retry) Dimensions() int {
	return r.provider.Dimensions()
}
