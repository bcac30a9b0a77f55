// Package retry runs a fetch attempt loop with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
)

const (
	DefaultRetries      = 3
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
)

// Policy decides how many times and how fast a failed attempt is retried.
type Policy struct {
	// Retries is the number of attempts after the first. Ignored when
	// ShouldRetry is set.
	Retries int
	// ShouldRetry is asked after every failure; failures counts them so far.
	ShouldRetry func(failures int, err error) bool

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64 // 0 => 2
	Jitter       float64 // randomization factor; 0 => 0.5, < 0 => none
}

// Default is 3 retries from 1s doubling up to 30s.
func Default() Policy {
	return Policy{
		Retries:      DefaultRetries,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
	}
}

// NoRetry runs an operation once.
func NoRetry() Policy { return Policy{Retries: 0} }

// Notify is called before sleeping for the next attempt.
type Notify func(attempt int, err error, next time.Duration)

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = 2
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	switch {
	case p.Jitter < 0:
		b.RandomizationFactor = 0
	case p.Jitter > 0:
		b.RandomizationFactor = p.Jitter
	default:
		b.RandomizationFactor = 0.5
	}
	return b
}

// Do runs op until it succeeds, the policy gives up or ctx is done.
// Cancellation is checked before every attempt, so a cancelled loop never
// starts another one. It returns the number of attempts made and, on failure,
// the last error from op (or the context error).
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error), notify Notify) (T, int, error) {
	var (
		attempts int
		lastErr  error
	)
	attempt := func() (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, backoff.Permanent(err)
		}
		attempts++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, backoff.Permanent(ctx.Err())
		}
		if p.ShouldRetry != nil {
			if !p.ShouldRetry(attempts, err) {
				return zero, backoff.Permanent(err)
			}
		} else if attempts > p.Retries {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			if notify != nil {
				notify(attempts, err, next)
			}
		}),
	}
	v, err := backoff.Retry(ctx, attempt, opts...)
	if err == nil {
		return v, attempts, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return v, attempts, cerr
	}
	if lastErr == nil {
		lastErr = err
	}
	return v, attempts, errors.WithStack(lastErr)
}
