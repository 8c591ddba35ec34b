package routing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/learnloop/llm-gateway/services/providers"
	"github.com/learnloop/llm-gateway/services/providers/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingLimiter struct {
	calls int32
	err   error
}

func (l *countingLimiter) Acquire(ctx context.Context) error {
	atomic.AddInt32(&l.calls, 1)
	return l.err
}

var upstreamDown = providers.NewProviderError("x", providers.CodeUpstream, "service unavailable", 503, nil)

func newTestRouter(t *testing.T, threshold int, primary providers.Provider, fallbacks ...providers.Provider) (*Router, *countingLimiter, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	limiter := &countingLimiter{}
	r, err := NewRouter(primary, fallbacks, limiter, Config{
		FailureThreshold: threshold,
		RecoveryTimeout:  time.Hour,
		Retry:            fastPolicy(2),
	}, zap.New(core))
	require.NoError(t, err)
	return r, limiter, logs
}

func send(ctx context.Context, r *Router) (string, string, error) {
	return Execute(ctx, r, "send", func(ctx context.Context, p providers.Provider) (string, error) {
		return p.Send(ctx, &providers.Request{
			Messages:  []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
			Tier:      "fast",
			MaxTokens: 8,
		})
	})
}

func TestNewRouter_Validation(t *testing.T) {
	limiter := &countingLimiter{}

	_, err := NewRouter(nil, nil, limiter, Config{}, nil)
	assert.Error(t, err)

	_, err = NewRouter(providertest.New("anthropic"), nil, nil, Config{}, nil)
	assert.Error(t, err)

	_, err = NewRouter(providertest.New("anthropic"), []providers.Provider{providertest.New("anthropic")}, limiter, Config{}, nil)
	assert.ErrorContains(t, err, "duplicate provider")
}

func TestExecute_PrimarySuccess(t *testing.T) {
	primary := providertest.New("anthropic")
	fallback := providertest.New("openai")
	r, limiter, _ := newTestRouter(t, 3, primary, fallback)

	text, name, err := send(context.Background(), r)

	require.NoError(t, err)
	assert.Equal(t, "ok from anthropic", text)
	assert.Equal(t, "anthropic", name)
	assert.Equal(t, 1, primary.Calls())
	assert.Zero(t, fallback.Calls(), "first success wins")
	assert.EqualValues(t, 1, limiter.calls)
}

func TestExecute_FallbackAfterPrimaryExhaustsRetries(t *testing.T) {
	primary := providertest.Failing("anthropic", upstreamDown)
	fallback := providertest.New("vertex")
	r, limiter, _ := newTestRouter(t, 5, primary, fallback)

	text, name, err := send(context.Background(), r)

	require.NoError(t, err)
	assert.Equal(t, "ok from vertex", text)
	assert.Equal(t, "vertex", name)
	assert.Equal(t, 3, primary.Calls(), "max_retries=2 gives 3 attempts")
	assert.EqualValues(t, 2, limiter.calls, "one acquisition per candidate")

	states := r.BreakerStates()
	require.Len(t, states, 2)
	assert.Equal(t, "anthropic", states[0].Provider)
	assert.Equal(t, 1, states[0].ConsecutiveFailures)
	assert.Equal(t, StateClosed, states[0].State)
	assert.Equal(t, "vertex", states[1].Provider)
	assert.Zero(t, states[1].ConsecutiveFailures)
	assert.Equal(t, StateClosed, states[1].State)
}

func TestExecute_RetrySucceedsWithinProvider(t *testing.T) {
	primary := providertest.New("anthropic").Script(upstreamDown, nil)
	r, _, _ := newTestRouter(t, 1, primary)

	_, name, err := send(context.Background(), r)

	require.NoError(t, err)
	assert.Equal(t, "anthropic", name)
	assert.Equal(t, 2, primary.Calls())
	assert.Equal(t, StateClosed, r.BreakerStates()[0].State, "a retried success is not a breaker failure")
}

func TestExecute_AllFail(t *testing.T) {
	primary := providertest.Failing("anthropic", upstreamDown)
	second := providertest.Failing("azure_foundry", upstreamDown)
	last := providers.NewProviderError("gemini", providers.CodeRateLimited, "quota", 429, nil)
	third := providertest.Failing("gemini", last)
	r, _, _ := newTestRouter(t, 5, primary, second, third)

	_, name, err := send(context.Background(), r)

	assert.Empty(t, name)
	assert.ErrorIs(t, err, ErrAllProvidersFailed)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "anthropic", exhausted.Primary)
	assert.Equal(t, []string{"anthropic", "azure_foundry", "gemini"}, exhausted.Attempted)

	var provErr *providers.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Same(t, last, provErr, "last concrete cause is chained")
}

func TestExecute_SkipsOpenBreakers(t *testing.T) {
	primary := providertest.Failing("anthropic", upstreamDown)
	fallback := providertest.New("openai")
	r, _, _ := newTestRouter(t, 1, primary, fallback)

	_, _, err := send(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, 3, primary.Calls())

	_, name, err := send(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "openai", name)
	assert.Equal(t, 3, primary.Calls(), "open primary is not attempted")
}

func TestExecute_AllOpenForcesPrimaryOnce(t *testing.T) {
	primary := providertest.Failing("anthropic", upstreamDown)
	fallback := providertest.Failing("openai", upstreamDown)
	r, _, logs := newTestRouter(t, 1, primary, fallback)

	_, _, err := send(context.Background(), r)
	require.Error(t, err)
	for _, s := range r.BreakerStates() {
		require.Equal(t, StateOpen, s.State)
	}

	primary.Script(nil)
	text, name, err := send(context.Background(), r)

	require.NoError(t, err)
	assert.Equal(t, "anthropic", name)
	assert.Equal(t, "ok from anthropic", text)
	assert.Equal(t, 4, primary.Calls(), "exactly one forced attempt")
	assert.Equal(t, 3, fallback.Calls(), "fallbacks are never forced")
	assert.Equal(t, StateClosed, r.BreakerStates()[0].State)
	assert.Equal(t, 1, logs.FilterMessageSnippet("degraded").Len())
}

func TestExecute_AllOpenForcedPrimaryFails(t *testing.T) {
	primary := providertest.Failing("anthropic", upstreamDown)
	r, _, _ := newTestRouter(t, 1, primary)

	_, _, err := send(context.Background(), r)
	require.Error(t, err)

	_, _, err = send(context.Background(), r)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, []string{"anthropic"}, exhausted.Attempted)
	assert.Equal(t, 6, primary.Calls())
}

func TestExecute_ParseErrorReturnsImmediately(t *testing.T) {
	primary := providertest.New("anthropic")
	primary.Text = "not json at all"
	fallback := providertest.New("openai")
	r, _, _ := newTestRouter(t, 1, primary, fallback)

	_, _, err := Execute(context.Background(), r, "send_structured", func(ctx context.Context, p providers.Provider) ([]byte, error) {
		return p.SendStructured(ctx, providers.HealthCheckRequest())
	})

	var parseErr *providers.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "anthropic", parseErr.Provider)
	assert.Equal(t, 1, primary.Calls(), "not retried")
	assert.Zero(t, fallback.Calls(), "no fallback")
	assert.Zero(t, r.BreakerStates()[0].ConsecutiveFailures, "provider not penalized")
}

func TestExecute_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := providertest.New("anthropic")
	fallback := providertest.New("openai")
	r, _, _ := newTestRouter(t, 1, primary, fallback)

	_, _, err := Execute(ctx, r, "send", func(ctx context.Context, p providers.Provider) (string, error) {
		cancel()
		return "", providers.NewProviderError(p.Name(), providers.CodeTransport, "request failed", 0, ctx.Err())
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAllProvidersFailed)
	assert.Zero(t, fallback.Calls())
	assert.Equal(t, StateClosed, r.BreakerStates()[0].State)
	assert.Zero(t, r.BreakerStates()[0].ConsecutiveFailures)
}

func TestExecute_LimiterError(t *testing.T) {
	primary := providertest.New("anthropic")
	r, limiter, _ := newTestRouter(t, 1, primary)
	limiter.err = context.DeadlineExceeded

	_, _, err := send(context.Background(), r)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, primary.Calls())
}

func TestExecute_HalfOpenTrialSlot(t *testing.T) {
	primary := providertest.Failing("anthropic", upstreamDown)
	fallback := providertest.New("openai")
	r, _, _ := newTestRouter(t, 1, primary, fallback)

	clock := &manualClock{t: time.Now()}
	cb, ok := r.Breaker("anthropic")
	require.True(t, ok)
	cb.now = clock.Now

	_, _, err := send(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(2 * time.Hour)
	primary.Script(nil)

	_, name, err := send(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", name, "half-open trial goes to the recovered primary")
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute_HalfOpenTrialFailureReopens(t *testing.T) {
	primary := providertest.Failing("anthropic", upstreamDown)
	fallback := providertest.New("openai")
	r, _, _ := newTestRouter(t, 1, primary, fallback)

	clock := &manualClock{t: time.Now()}
	cb, _ := r.Breaker("anthropic")
	cb.now = clock.Now

	_, _, err := send(context.Background(), r)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	_, name, err := send(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "openai", name)
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())
}

func TestExhaustedError(t *testing.T) {
	cause := errors.New("boom")
	err := &ExhaustedError{Primary: "anthropic", Attempted: []string{"anthropic", "vertex"}, Cause: cause}

	assert.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "all providers failed (primary anthropic, attempted anthropic, vertex): boom", err.Error())
}
