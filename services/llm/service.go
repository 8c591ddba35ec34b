// Package llm is the entry point of the request layer: a fault-tolerant
// client over every configured language-model provider.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/learnloop/llm-gateway/config"
	"github.com/learnloop/llm-gateway/internal/observability"
	"github.com/learnloop/llm-gateway/models"
	"github.com/learnloop/llm-gateway/repositories"
	"github.com/learnloop/llm-gateway/services"
	"github.com/learnloop/llm-gateway/services/pricing"
	"github.com/learnloop/llm-gateway/services/providers"
	"github.com/learnloop/llm-gateway/services/ratelimit"
	"github.com/learnloop/llm-gateway/services/routing"
	"github.com/learnloop/llm-gateway/utils"
)

// Operation names used in logs and the usage ledger
const (
	OpSend           = "send"
	OpSendStructured = "send_structured"
	OpSendWithUsage  = "send_with_usage"
)

// usageWriteTimeout bounds one asynchronous ledger insert
const usageWriteTimeout = 5 * time.Second

// Service routes completions across the primary and fallback providers
type Service struct {
	router   *routing.Router
	pricing  *pricing.Table
	usage    repositories.UsageRepository
	limiter  routing.Limiter
	deadline time.Duration
	logger   *zap.Logger

	inflight sync.WaitGroup
}

// Option customizes a Service
type Option func(*Service)

// WithUsageRepository enables the usage ledger
func WithUsageRepository(repo repositories.UsageRepository) Option {
	return func(s *Service) { s.usage = repo }
}

// WithPricing replaces the built-in price table
func WithPricing(table *pricing.Table) Option {
	return func(s *Service) { s.pricing = table }
}

// WithLimiter replaces the token bucket built from RequestsPerMinute
func WithLimiter(limiter routing.Limiter) Option {
	return func(s *Service) { s.limiter = limiter }
}

// New builds the primary adapter (any error is fatal), the fallbacks (errors
// are logged and the provider skipped) and the router binding them.
func New(cfg config.LLMConfig, registry *providers.Registry, logger *zap.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		deadline: cfg.RequestDeadline,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pricing == nil {
		s.pricing = pricing.DefaultTable()
	}
	if s.limiter == nil {
		bucket, err := ratelimit.NewTokenBucket(cfg.RequestsPerMinute)
		if err != nil {
			return nil, err
		}
		s.limiter = bucket
	}

	primary, err := registry.Get(cfg.PrimaryProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to build primary provider %s: %w", cfg.PrimaryProvider, err)
	}

	seen := map[string]bool{primary.Name(): true}
	var fallbacks []providers.Provider
	for _, name := range cfg.FallbackProviders {
		if seen[name] {
			logger.Warn("skipping duplicate fallback provider", zap.String("provider", name))
			continue
		}
		p, err := registry.Get(name)
		if err != nil {
			logger.Warn("skipping fallback provider", zap.String("provider", name), zap.Error(err))
			continue
		}
		seen[name] = true
		fallbacks = append(fallbacks, p)
	}

	s.router, err = routing.NewRouter(primary, fallbacks, s.limiter, routing.Config{
		FailureThreshold: cfg.CircuitBreakerThreshold,
		RecoveryTimeout:  cfg.CircuitBreakerRecovery,
		Retry: routing.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(fallbacks))
	for _, p := range fallbacks {
		names = append(names, p.Name())
	}
	logger.Info("LLM service initialized",
		zap.String("primary", primary.Name()),
		zap.Strings("fallbacks", names),
		zap.Bool("usage_ledger", s.usage != nil))

	return s, nil
}

// Send returns the completion text from the first provider that succeeds
func (s *Service) Send(ctx context.Context, req *providers.Request) (string, error) {
	text, _, err := run(ctx, s, OpSend, req, func(ctx context.Context, p providers.Provider) (string, error) {
		return p.Send(ctx, req)
	})
	return text, err
}

// SendStructured returns the completion parsed as JSON
func (s *Service) SendStructured(ctx context.Context, req *providers.Request) (json.RawMessage, error) {
	out, _, err := run(ctx, s, OpSendStructured, req, func(ctx context.Context, p providers.Provider) (json.RawMessage, error) {
		return p.SendStructured(ctx, req)
	})
	return out, err
}

// SendWithUsage returns the completion with token accounting and records it
// in the usage ledger when one is configured.
func (s *Service) SendWithUsage(ctx context.Context, req *providers.Request) (*providers.UsageResult, error) {
	ctx, requestID := observability.EnsureRequestID(ctx)
	start := time.Now()

	res, _, err := run(ctx, s, OpSendWithUsage, req, func(ctx context.Context, p providers.Provider) (*providers.UsageResult, error) {
		return p.SendWithUsage(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.recordUsage(ctx, requestID, req.Tier, res, time.Since(start))
	return res, nil
}

// run validates req, applies the optional end-to-end deadline and routes call.
func run[T any](ctx context.Context, s *Service, op string, req *providers.Request, call func(context.Context, providers.Provider) (T, error)) (T, string, error) {
	var zero T
	ctx, _ = observability.EnsureRequestID(ctx)
	logger := observability.LoggerFrom(ctx, s.logger)

	if req == nil {
		return zero, "", services.WrapError(services.ErrorTypeValidation, "completion request is required", nil)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return zero, "", classify(err)
	}

	if s.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deadline)
		defer cancel()
	}

	start := time.Now()
	result, provider, err := routing.Execute(ctx, s.router, op, call)
	if err != nil {
		logger.Warn("LLM request failed",
			zap.String("operation", op),
			zap.String("tier", req.Tier),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return zero, provider, classify(err)
	}

	logger.Info("LLM request completed",
		zap.String("operation", op),
		zap.String("provider", provider),
		zap.String("tier", req.Tier),
		zap.Duration("elapsed", time.Since(start)))
	return result, provider, nil
}

// classify maps request-layer failures onto domain errors. The original
// error stays reachable through errors.Is/As.
func classify(err error) error {
	var validationErr *utils.ValidationError
	var parseErr *providers.ParseError
	var exhausted *routing.ExhaustedError

	switch {
	case errors.As(err, &validationErr):
		domainErr := services.WrapError(services.ErrorTypeValidation, "invalid completion request", err)
		for field, msg := range validationErr.Fields {
			domainErr.WithDetail(field, msg)
		}
		return domainErr
	case errors.As(err, &parseErr):
		return services.WrapError(services.ErrorTypeUnprocessable, "model output is not valid JSON", err).
			WithDetail("provider", parseErr.Provider)
	case errors.As(err, &exhausted):
		return services.WrapError(services.ErrorTypeExternal, "all LLM providers failed", err).
			WithDetail("primary", exhausted.Primary).
			WithDetail("attempted", exhausted.Attempted)
	case errors.Is(err, context.DeadlineExceeded):
		return services.WrapError(services.ErrorTypeTimeout, "LLM request deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return services.WrapError(services.ErrorTypeTimeout, "LLM request canceled", err)
	default:
		return services.WrapInternal("LLM request failed", err)
	}
}

func (s *Service) recordUsage(ctx context.Context, requestID, tier string, res *providers.UsageResult, latency time.Duration) {
	if s.usage == nil {
		return
	}

	est := s.pricing.Estimate(res.Provider, tier, res.InputTokens, res.OutputTokens)
	rec := models.NewUsageRecord(requestID, OpSendWithUsage, res.Provider, tier)
	rec.ResolvedModel = res.ResolvedModel
	rec.InputTokens = res.InputTokens
	rec.OutputTokens = res.OutputTokens
	rec.InputCost = est.InputCost
	rec.OutputCost = est.OutputCost
	rec.TotalCost = est.TotalCost
	rec.LatencyMs = latency.Milliseconds()

	logger := observability.LoggerFrom(ctx, s.logger)
	writeCtx := context.WithoutCancel(ctx)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(writeCtx, usageWriteTimeout)
		defer cancel()

		if err := s.usage.Insert(ctx, rec); err != nil {
			logger.Error("failed to record usage", zap.Error(err))
		}
	}()
}

// EstimateCost prices a request from token counts
func (s *Service) EstimateCost(provider, modelAlias string, inputTokens, outputTokens int) pricing.Estimate {
	return s.pricing.Estimate(provider, modelAlias, inputTokens, outputTokens)
}

// HealthCheck probes every provider in the chain concurrently
func (s *Service) HealthCheck(ctx context.Context) map[string]bool {
	chain := s.router.Providers()
	results := make(map[string]bool, len(chain))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range chain {
		g.Go(func() error {
			ok := p.HealthCheck(gctx)
			mu.Lock()
			results[p.Name()] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// ProviderStatus returns breaker snapshots in priority order
func (s *Service) ProviderStatus() []routing.BreakerSnapshot {
	return s.router.BreakerStates()
}

// RateLimitStatus reports the shared limiter's balance, or nil when the
// installed limiter does not expose one.
func (s *Service) RateLimitStatus() *ratelimit.Status {
	reporter, ok := s.limiter.(interface{ Status() ratelimit.Status })
	if !ok {
		return nil
	}
	st := reporter.Status()
	return &st
}

// Primary returns the primary provider's name
func (s *Service) Primary() string {
	return s.router.Primary()
}

// UsageSummary aggregates the ledger per provider since a point in time
func (s *Service) UsageSummary(ctx context.Context, since time.Time) ([]*models.ProviderUsageSummary, error) {
	if s.usage == nil {
		return nil, services.ErrLedgerDisabled
	}
	summaries, err := s.usage.SummarizeByProvider(ctx, since)
	if err != nil {
		return nil, services.WrapInternal("failed to summarize usage", err)
	}
	return summaries, nil
}

// Close waits for pending usage writes, or until ctx is done
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pending usage writes not flushed: %w", ctx.Err())
	}
}
