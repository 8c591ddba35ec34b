package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/learnloop/llm-gateway/config"
	"github.com/learnloop/llm-gateway/internal/observability"
	"github.com/learnloop/llm-gateway/models"
	"github.com/learnloop/llm-gateway/services"
	"github.com/learnloop/llm-gateway/services/providers"
	"github.com/learnloop/llm-gateway/services/providers/providertest"
	"github.com/learnloop/llm-gateway/services/routing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memoryUsageRepo struct {
	mu        sync.Mutex
	records   []*models.UsageRecord
	insertErr error
	block     chan struct{}
	summaries []*models.ProviderUsageSummary
}

func (r *memoryUsageRepo) Insert(ctx context.Context, rec *models.UsageRecord) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	r.records = append(r.records, rec)
	return nil
}

func (r *memoryUsageRepo) SummarizeByProvider(ctx context.Context, since time.Time) ([]*models.ProviderUsageSummary, error) {
	return r.summaries, nil
}

func (r *memoryUsageRepo) Records() []*models.UsageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.UsageRecord(nil), r.records...)
}

// slowProvider blocks every call until the context ends
type slowProvider struct {
	*providertest.Fake
}

func (p slowProvider) Send(ctx context.Context, req *providers.Request) (string, error) {
	<-ctx.Done()
	return "", providers.NewProviderError(p.Name(), providers.CodeTransport, "request failed", 0, ctx.Err())
}

func testLLMConfig(primary string, fallbacks ...string) config.LLMConfig {
	return config.LLMConfig{
		PrimaryProvider:         primary,
		FallbackProviders:       fallbacks,
		CircuitBreakerThreshold: 5,
		CircuitBreakerRecovery:  time.Hour,
		MaxRetries:              1,
		RetryBaseDelay:          time.Millisecond,
		RetryMaxDelay:           4 * time.Millisecond,
		RequestsPerMinute:       6000,
	}
}

func registryWith(t *testing.T, fakes ...providers.Provider) *providers.Registry {
	t.Helper()
	reg := providers.NewRegistry()
	for _, p := range fakes {
		require.NoError(t, reg.Register(p.Name(), func() (providers.Provider, error) { return p, nil }))
	}
	return reg
}

func newTestService(t *testing.T, cfg config.LLMConfig, reg *providers.Registry, opts ...Option) *Service {
	t.Helper()
	svc, err := New(cfg, reg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func userRequest(content string) *providers.Request {
	return &providers.Request{
		Messages:  []providers.Message{{Role: providers.RoleUser, Content: content}},
		Tier:      "fast",
		MaxTokens: 64,
	}
}

func TestNew(t *testing.T) {
	t.Run("unknown primary is fatal", func(t *testing.T) {
		_, err := New(testLLMConfig("anthropic"), providers.NewRegistry(), zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, providers.ErrUnknownProvider)
	})

	t.Run("unbuildable fallbacks are skipped", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		reg := registryWith(t, providertest.New("anthropic"), providertest.New("vertex"))
		require.NoError(t, reg.Register("openai", func() (providers.Provider, error) {
			return nil, providers.ErrProviderNotConfigured
		}))

		svc, err := New(testLLMConfig("anthropic", "openai", "anthropic", "vertex", "gemini"), reg, zap.New(core))
		require.NoError(t, err)

		assert.Equal(t, "anthropic", svc.Primary())
		var names []string
		for _, s := range svc.ProviderStatus() {
			names = append(names, s.Provider)
		}
		assert.Equal(t, []string{"anthropic", "vertex"}, names)
		assert.Equal(t, 2, logs.FilterMessage("skipping fallback provider").Len())
		assert.Equal(t, 1, logs.FilterMessage("skipping duplicate fallback provider").Len())
	})

	t.Run("invalid rate", func(t *testing.T) {
		cfg := testLLMConfig("anthropic")
		cfg.RequestsPerMinute = 0
		_, err := New(cfg, registryWith(t, providertest.New("anthropic")), zap.NewNop())
		assert.Error(t, err)
	})
}

func TestService_Send(t *testing.T) {
	primary := providertest.New("anthropic")
	svc := newTestService(t, testLLMConfig("anthropic", "vertex"), registryWith(t, primary, providertest.New("vertex")))

	text, err := svc.Send(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "ok from anthropic", text)
	assert.Equal(t, 1, primary.Calls())
}

func TestService_Send_Failover(t *testing.T) {
	boom := providers.NewProviderError("anthropic", providers.CodeUpstream, "overloaded", 529, nil)
	primary := providertest.Failing("anthropic", boom)
	fallback := providertest.New("vertex")
	svc := newTestService(t, testLLMConfig("anthropic", "vertex"), registryWith(t, primary, fallback))

	text, err := svc.Send(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "ok from vertex", text)
	assert.Equal(t, 2, primary.Calls())

	status := svc.ProviderStatus()
	require.Len(t, status, 2)
	assert.Equal(t, 1, status[0].ConsecutiveFailures)
	assert.Equal(t, routing.StateClosed, status[0].State)
}

func TestService_Send_Validation(t *testing.T) {
	primary := providertest.New("anthropic")
	svc := newTestService(t, testLLMConfig("anthropic"), registryWith(t, primary))

	tests := []struct {
		name  string
		req   *providers.Request
		field string
	}{
		{"nil request", nil, ""},
		{"no messages", &providers.Request{Tier: "fast", MaxTokens: 10}, "messages"},
		{"bad role", &providers.Request{
			Messages:  []providers.Message{{Role: "user", Content: "x"}, {Role: "tool", Content: "y"}},
			Tier:      "fast",
			MaxTokens: 10,
		}, "messages[1].role"},
		{"system messages only", &providers.Request{
			Messages:  []providers.Message{{Role: "system", Content: "be brief"}},
			Tier:      "fast",
			MaxTokens: 10,
		}, "messages"},
		{"zero max tokens", &providers.Request{
			Messages: []providers.Message{{Role: "user", Content: "x"}},
			Tier:     "fast",
		}, "max_tokens"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Send(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, services.IsErrorType(err, services.ErrorTypeValidation), "got %v", err)
			if tt.field != "" {
				assert.Contains(t, services.GetErrorDetails(err), tt.field)
			}
		})
	}
	assert.Zero(t, primary.Calls())
}

func TestService_SystemOnlyRequestsLeaveBreakersClosed(t *testing.T) {
	primary := providertest.New("anthropic")
	fallback := providertest.New("vertex")
	cfg := testLLMConfig("anthropic", "vertex")
	cfg.CircuitBreakerThreshold = 2
	svc := newTestService(t, cfg, registryWith(t, primary, fallback))

	req := &providers.Request{
		Messages:  []providers.Message{{Role: providers.RoleSystem, Content: "you are a tutor"}},
		System:    "be brief",
		Tier:      "fast",
		MaxTokens: 10,
	}
	for i := 0; i < 3; i++ {
		_, err := svc.Send(context.Background(), req)
		require.Error(t, err)
		assert.True(t, services.IsErrorType(err, services.ErrorTypeValidation), "got %v", err)
		assert.Equal(t, "messages must include at least one user or assistant message",
			services.GetErrorDetails(err)["messages"])
	}

	assert.Zero(t, primary.Calls())
	assert.Zero(t, fallback.Calls())
	for _, st := range svc.ProviderStatus() {
		assert.Equal(t, routing.StateClosed, st.State, st.Provider)
		assert.Zero(t, st.ConsecutiveFailures, st.Provider)
	}
}

func TestService_SendStructured(t *testing.T) {
	primary := providertest.New("anthropic")
	primary.Text = "```json\n{\"answer\": 42}\n```"
	svc := newTestService(t, testLLMConfig("anthropic"), registryWith(t, primary))

	out, err := svc.SendStructured(context.Background(), userRequest("json please"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer": 42}`, string(out))
}

func TestService_SendStructured_ParseError(t *testing.T) {
	primary := providertest.New("anthropic")
	primary.Text = "no json here"
	fallback := providertest.New("vertex")
	svc := newTestService(t, testLLMConfig("anthropic", "vertex"), registryWith(t, primary, fallback))

	_, err := svc.SendStructured(context.Background(), userRequest("json please"))
	require.Error(t, err)
	assert.True(t, services.IsErrorType(err, services.ErrorTypeUnprocessable))
	assert.Equal(t, "anthropic", services.GetErrorDetails(err)["provider"])

	var parseErr *providers.ParseError
	assert.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 1, primary.Calls())
	assert.Zero(t, fallback.Calls())
}

func TestService_AllProvidersFail(t *testing.T) {
	boom := errors.New("connection refused")
	svc := newTestService(t, testLLMConfig("anthropic", "vertex"),
		registryWith(t, providertest.Failing("anthropic", boom), providertest.Failing("vertex", boom)))

	_, err := svc.Send(context.Background(), userRequest("hello"))
	require.Error(t, err)
	assert.True(t, services.IsErrorType(err, services.ErrorTypeExternal))
	assert.ErrorIs(t, err, routing.ErrAllProvidersFailed)
	assert.ErrorIs(t, err, boom)

	details := services.GetErrorDetails(err)
	assert.Equal(t, "anthropic", details["primary"])
	assert.Equal(t, []string{"anthropic", "vertex"}, details["attempted"])
}

func TestService_RequestDeadline(t *testing.T) {
	cfg := testLLMConfig("anthropic")
	cfg.RequestDeadline = 20 * time.Millisecond
	svc := newTestService(t, cfg, registryWith(t, slowProvider{providertest.New("anthropic")}))

	start := time.Now()
	_, err := svc.Send(context.Background(), userRequest("hello"))
	require.Error(t, err)
	assert.True(t, services.IsErrorType(err, services.ErrorTypeTimeout), "got %v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	status := svc.ProviderStatus()
	assert.Zero(t, status[0].ConsecutiveFailures)
}

func TestService_SendWithUsage_RecordsUsage(t *testing.T) {
	primary := providertest.New("anthropic")
	primary.InputTokens = 1200
	primary.OutputTokens = 300
	repo := &memoryUsageRepo{}
	svc := newTestService(t, testLLMConfig("anthropic"), registryWith(t, primary), WithUsageRepository(repo))

	ctx := observability.WithRequestID(context.Background(), "req-123")
	res, err := svc.SendWithUsage(ctx, userRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, 1200, res.InputTokens)
	assert.Equal(t, "anthropic", res.Provider)

	require.NoError(t, svc.Close(context.Background()))

	records := repo.Records()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "req-123", rec.RequestID)
	assert.Equal(t, OpSendWithUsage, rec.Operation)
	assert.Equal(t, "anthropic", rec.Provider)
	assert.Equal(t, "fast", rec.ModelAlias)
	assert.Equal(t, "anthropic-model", rec.ResolvedModel)
	assert.Equal(t, 1500, rec.TotalTokens())

	want := svc.EstimateCost("anthropic", "fast", 1200, 300)
	assert.True(t, want.TotalCost.Equal(rec.TotalCost), "cost %s, want %s", rec.TotalCost, want.TotalCost)
	assert.True(t, rec.TotalCost.IsPositive())
}

func TestService_SendWithUsage_LedgerFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	repo := &memoryUsageRepo{insertErr: errors.New("db down")}
	svc, err := New(testLLMConfig("anthropic"), registryWith(t, providertest.New("anthropic")), zap.New(core),
		WithUsageRepository(repo))
	require.NoError(t, err)

	_, err = svc.SendWithUsage(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	require.NoError(t, svc.Close(context.Background()))

	assert.Equal(t, 1, logs.FilterMessage("failed to record usage").Len())
}

func TestService_SendWithUsage_WithoutLedger(t *testing.T) {
	svc := newTestService(t, testLLMConfig("anthropic"), registryWith(t, providertest.New("anthropic")))

	res, err := svc.SendWithUsage(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "ok from anthropic", res.Text)
}

func TestService_Close_WaitsForUsageWrites(t *testing.T) {
	repo := &memoryUsageRepo{block: make(chan struct{})}
	svc, err := New(testLLMConfig("anthropic"), registryWith(t, providertest.New("anthropic")), zap.NewNop(),
		WithUsageRepository(repo))
	require.NoError(t, err)

	_, err = svc.SendWithUsage(context.Background(), userRequest("hello"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Close(ctx), context.DeadlineExceeded)

	close(repo.block)
	require.NoError(t, svc.Close(context.Background()))
	assert.Len(t, repo.Records(), 1)
}

func TestService_UsageSummary(t *testing.T) {
	reg := registryWith(t, providertest.New("anthropic"))

	withoutLedger := newTestService(t, testLLMConfig("anthropic"), reg)
	_, err := withoutLedger.UsageSummary(context.Background(), time.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, services.ErrLedgerDisabled)

	repo := &memoryUsageRepo{summaries: []*models.ProviderUsageSummary{{Provider: "anthropic", Requests: 3}}}
	withLedger := newTestService(t, testLLMConfig("anthropic"), reg, WithUsageRepository(repo))
	got, err := withLedger.UsageSummary(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].Requests)
}

func TestService_HealthCheck(t *testing.T) {
	down := providertest.New("vertex")
	down.SetHealthy(false)
	svc := newTestService(t, testLLMConfig("anthropic", "vertex"), registryWith(t, providertest.New("anthropic"), down))

	assert.Equal(t, map[string]bool{"anthropic": true, "vertex": false}, svc.HealthCheck(context.Background()))
}

func TestService_EstimateCost(t *testing.T) {
	svc := newTestService(t, testLLMConfig("anthropic"), registryWith(t, providertest.New("anthropic")))

	est := svc.EstimateCost("azure_foundry", "haiku", 1_000_000, 1_000_000)
	assert.Equal(t, "0.45", est.TotalCost.StringFixed(2))
}

type unmeteredLimiter struct{}

func (unmeteredLimiter) Acquire(context.Context) error { return nil }

func TestService_RateLimitStatus(t *testing.T) {
	reg := registryWith(t, providertest.New("anthropic"))

	svc := newTestService(t, testLLMConfig("anthropic"), reg)
	_, err := svc.Send(context.Background(), userRequest("hello"))
	require.NoError(t, err)

	st := svc.RateLimitStatus()
	require.NotNil(t, st)
	assert.Equal(t, 6000, st.Capacity)
	assert.InDelta(t, 5999, st.Available, 1, "one token spent")

	custom := newTestService(t, testLLMConfig("anthropic"), reg, WithLimiter(unmeteredLimiter{}))
	assert.Nil(t, custom.RateLimitStatus())
}
