package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultBackoffBase   = time.Second
	DefaultBackoffMax    = 5 * time.Minute
	DefaultJitterPercent = 20
)

// RetryPolicy computes capped exponential backoff with jitter: base * 2^attempt, +/- JitterPercent.
type RetryPolicy struct {
	Base          time.Duration
	Max           time.Duration
	JitterPercent uint64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:          DefaultBackoffBase,
		Max:           DefaultBackoffMax,
		JitterPercent: DefaultJitterPercent,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	limit := p.Max
	if limit <= 0 {
		limit = DefaultBackoffMax
	}

	b := retry.NewExponential(base)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}

	return retry.WithCappedDuration(limit, b)
}

// Delay returns the wait before re-running after the given attempt (0-based exponent).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	b := p.backoff()
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d, _ = b.Next()
	}

	return d
}

// Do calls fn until it succeeds, returns an error retryable rejects, or maxRetries is spent.
// A nil retryable retries every error except ErrCircuitOpen.
func (p RetryPolicy) Do(ctx context.Context, maxRetries uint64, retryable func(error) bool, fn func(context.Context) error) error {
	if retryable == nil {
		retryable = func(err error) bool { return !errors.Is(err, ErrCircuitOpen) }
	}

	return retry.Do(ctx, retry.WithMaxRetries(maxRetries, p.backoff()), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && retryable(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// Guard pairs the breaker of one dependency with a retry policy so every call site
// of that dependency fails fast and backs off the same way.
type Guard struct {
	Breaker *Breaker
	Retry   RetryPolicy
	// MaxRetries bounds retries after the first attempt.
	MaxRetries uint64
}

func (g Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	return g.Retry.Do(ctx, g.MaxRetries, nil, func(ctx context.Context) error {
		return g.Breaker.Execute(ctx, fn)
	})
}
