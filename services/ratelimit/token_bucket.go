// Package ratelimit paces outbound provider calls with an in-process token bucket.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// TokenBucket admits up to capacity calls at once and refills continuously
// at rate tokens per second. One bucket is shared by every provider a
// router talks to.
type TokenBucket struct {
	// guard is a one-slot semaphore held for the whole refill/wait/consume
	// sequence, so a queued caller can still give up on ctx.Done()
	guard chan struct{}

	capacity   float64
	rate       float64
	tokens     float64
	lastRefill time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTokenBucket returns a full bucket sized for requestsPerMinute.
func NewTokenBucket(requestsPerMinute int) (*TokenBucket, error) {
	if requestsPerMinute <= 0 {
		return nil, errors.New("requests per minute must be positive")
	}
	capacity := float64(requestsPerMinute)
	tb := &TokenBucket{
		guard:    make(chan struct{}, 1),
		capacity: capacity,
		rate:     capacity / 60,
		tokens:   capacity,
		now:      time.Now,
		sleep:    sleepContext,
	}
	tb.lastRefill = tb.now()
	return tb, nil
}

// Acquire takes one token, waiting for a refill when the bucket is empty.
// It returns ctx.Err() if the caller gives up first.
func (tb *TokenBucket) Acquire(ctx context.Context) error {
	select {
	case tb.guard <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-tb.guard }()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return nil
	}

	wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
	if err := tb.sleep(ctx, wait); err != nil {
		return err
	}
	// The refill accrued during the wait is exactly the token consumed here.
	tb.tokens = 0
	tb.lastRefill = tb.now()
	return nil
}

// Available returns the current token balance after refill, for status
// reporting. A caller waiting inside Acquire means the bucket is empty.
func (tb *TokenBucket) Available() float64 {
	select {
	case tb.guard <- struct{}{}:
	default:
		return 0
	}
	defer func() { <-tb.guard }()

	elapsed := tb.now().Sub(tb.lastRefill).Seconds()
	tokens := tb.tokens + elapsed*tb.rate
	if tokens > tb.capacity {
		tokens = tb.capacity
	}
	return tokens
}

// Capacity returns the bucket size
func (tb *TokenBucket) Capacity() int {
	return int(tb.capacity)
}

// Status is a point-in-time view of a bucket
type Status struct {
	Capacity  int     `json:"capacity"`
	Available float64 `json:"available"`
}

// Status reports the bucket size and current balance
func (tb *TokenBucket) Status() Status {
	return Status{Capacity: tb.Capacity(), Available: tb.Available()}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
