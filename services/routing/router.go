// Package routing sends each request through an ordered provider chain with
// per-provider circuit breaking, retry with backoff, shared rate limiting and
// automatic failover.
package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/learnloop/llm-gateway/internal/observability"
	"github.com/learnloop/llm-gateway/services/providers"
	"go.uber.org/zap"
)

// Limiter gates the pace of provider attempts
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Config holds the resilience knobs of a Router
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a breaker
	FailureThreshold int

	// RecoveryTimeout is how long an open breaker waits before a trial call
	RecoveryTimeout time.Duration

	// Retry drives attempts against a single provider
	Retry RetryPolicy
}

// Router tries the primary provider and then each fallback in order. First
// success wins; there is no hedging.
type Router struct {
	primary   providers.Provider
	fallbacks []providers.Provider
	breakers  map[string]*CircuitBreaker
	limiter   Limiter
	retry     RetryPolicy
	logger    *zap.Logger
}

// NewRouter binds providers to fresh breakers. Provider names must be unique.
func NewRouter(primary providers.Provider, fallbacks []providers.Provider, limiter Limiter, cfg Config, logger *zap.Logger) (*Router, error) {
	if primary == nil {
		return nil, errors.New("primary provider is required")
	}
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		primary:   primary,
		fallbacks: fallbacks,
		breakers:  make(map[string]*CircuitBreaker, len(fallbacks)+1),
		limiter:   limiter,
		retry:     cfg.Retry,
		logger:    logger,
	}
	for _, p := range r.Providers() {
		if _, dup := r.breakers[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider %s in routing chain", p.Name())
		}
		r.breakers[p.Name()] = NewCircuitBreaker(p.Name(), cfg.FailureThreshold, cfg.RecoveryTimeout)
	}
	return r, nil
}

// Providers returns the chain in priority order, primary first
func (r *Router) Providers() []providers.Provider {
	chain := make([]providers.Provider, 0, len(r.fallbacks)+1)
	chain = append(chain, r.primary)
	return append(chain, r.fallbacks...)
}

// Primary returns the primary provider's name
func (r *Router) Primary() string {
	return r.primary.Name()
}

// Breaker returns the circuit breaker of a provider in the chain
func (r *Router) Breaker(name string) (*CircuitBreaker, bool) {
	cb, ok := r.breakers[name]
	return cb, ok
}

// BreakerStates returns a snapshot per provider in priority order
func (r *Router) BreakerStates() []BreakerSnapshot {
	chain := r.Providers()
	states := make([]BreakerSnapshot, 0, len(chain))
	for _, p := range chain {
		states = append(states, r.breakers[p.Name()].Snapshot())
	}
	return states
}

// candidates returns the providers whose breakers currently admit calls
func (r *Router) candidates() []providers.Provider {
	var out []providers.Provider
	for _, p := range r.Providers() {
		if r.breakers[p.Name()].CanExecute() {
			out = append(out, p)
		}
	}
	return out
}

// Execute runs call against the provider chain and returns the result with
// the name of the provider that produced it.
//
// A *providers.ParseError is returned as-is without penalizing the provider
// or falling back. Caller cancellation stops the chain. When every
// candidate fails the error is an *ExhaustedError.
func Execute[T any](ctx context.Context, r *Router, op string, call func(context.Context, providers.Provider) (T, error)) (T, string, error) {
	var zero T
	logger := observability.LoggerFrom(ctx, r.logger).With(zap.String("operation", op))

	var attempted []string
	var lastErr error

	run := func(chain []providers.Provider, forced bool) (T, string, bool, error) {
		for _, p := range chain {
			name := p.Name()
			cb := r.breakers[name]
			plog := logger.With(zap.String("provider", name))

			admitted, claimed := cb.beginAttempt()
			if !admitted && !forced {
				plog.Debug("half-open trial already in flight, skipping provider")
				continue
			}

			if err := r.limiter.Acquire(ctx); err != nil {
				if claimed {
					cb.releaseAttempt()
				}
				return zero, "", true, fmt.Errorf("%s: waiting for rate limiter: %w", op, err)
			}

			attempted = append(attempted, name)
			plog.Debug("attempting provider", zap.Bool("forced", forced))

			result, err := Retry(ctx, r.retry, func(ctx context.Context) (T, error) {
				return call(ctx, p)
			})
			if err == nil {
				if before := cb.State(); before != StateClosed {
					plog.Info("circuit breaker closed", zap.String("from", string(before)))
				}
				cb.RecordSuccess()
				return result, name, true, nil
			}

			var parseErr *providers.ParseError
			if errors.As(err, &parseErr) {
				if claimed {
					cb.releaseAttempt()
				}
				return zero, name, true, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				if claimed {
					cb.releaseAttempt()
				}
				return zero, name, true, fmt.Errorf("%s abandoned on %s: %w", op, name, ctxErr)
			}

			before := cb.State()
			cb.RecordFailure()
			plog.Warn("provider failed after retries", zap.Error(err))
			if after := cb.State(); after == StateOpen && before != StateOpen {
				plog.Warn("circuit breaker opened", zap.String("from", string(before)))
			}
			lastErr = err
		}
		return zero, "", false, nil
	}

	chain := r.candidates()
	forced := len(chain) == 0
	if forced {
		logger.Warn("all circuit breakers open, forcing primary provider (degraded)",
			zap.String("provider", r.primary.Name()))
		chain = []providers.Provider{r.primary}
	}

	if result, name, done, err := run(chain, forced); done {
		return result, name, err
	}

	// Every admitted candidate lost its half-open trial slot to a concurrent
	// request; make sure the primary is still tried once.
	if len(attempted) == 0 && !forced {
		logger.Warn("no provider admitted the request, forcing primary provider (degraded)",
			zap.String("provider", r.primary.Name()))
		if result, name, done, err := run([]providers.Provider{r.primary}, true); done {
			return result, name, err
		}
	}

	logger.Error("all providers failed", zap.Strings("attempted", attempted), zap.Error(lastErr))
	return zero, "", &ExhaustedError{
		Primary:   r.primary.Name(),
		Attempted: attempted,
		Cause:     lastErr,
	}
}
