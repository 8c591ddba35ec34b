package routing

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/learnloop/llm-gateway/services/providers"
)

// RetryPolicy drives up to MaxRetries+1 attempts of one provider call with
// capped exponential backoff and jitter.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// BaseDelay is the un-jittered delay before the first retry
	BaseDelay time.Duration

	// MaxDelay caps the un-jittered delay
	MaxDelay time.Duration

	// jitter returns a factor in [0, 1); defaults to math/rand
	jitter func() float64
}

// DefaultRetryPolicy returns 3 retries with 1s base and 30s max delay
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Backoff returns the un-jittered delay before retry k (k >= 1).
func (p RetryPolicy) Backoff(k int) time.Duration {
	if k < 1 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < k; i++ {
		if delay >= p.MaxDelay {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Delay returns the jittered delay before retry k: Backoff(k) scaled by a
// uniform factor in [0.5, 1.0].
func (p RetryPolicy) Delay(k int) time.Duration {
	r := rand.Float64
	if p.jitter != nil {
		r = p.jitter
	}
	factor := 0.5 + 0.5*r()
	return time.Duration(float64(p.Backoff(k)) * factor)
}

// NewBackOff returns a fresh backoff.BackOff yielding Delay(1), Delay(2), ...
// It never stops on its own; bound it with backoff.WithMaxRetries.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	return &policyBackOff{policy: p}
}

type policyBackOff struct {
	policy  RetryPolicy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.policy.Delay(b.attempt)
}

func (b *policyBackOff) Reset() { b.attempt = 0 }

// Retry runs fn until it succeeds, returns a permanent error, or the policy
// is exhausted. The last error fn returned is passed back unwrapped. Retrying
// also stops early when ctx ends or its deadline falls before the next delay.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	retries := policy.MaxRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy.NewBackOff(), uint64(retries)), ctx)

	var lastErr error
	result, err := backoff.RetryWithData(func() (T, error) {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if providers.IsPermanent(err) || ctx.Err() != nil {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, b)
	if err == nil {
		return result, nil
	}

	var zero T
	if lastErr != nil {
		return zero, lastErr
	}
	return zero, err
}
