// Package providertest provides a scripted providers.Provider for tests.
package providertest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/learnloop/llm-gateway/services/providers"
)

// Fake is a Provider whose outcomes are scripted per call. When the script
// runs out, the last entry repeats; an empty script always succeeds with
// Text.
type Fake struct {
	name string

	mu      sync.Mutex
	script  []error
	calls   int
	healthy bool

	// Text is returned by successful calls
	Text string
	// Usage is returned by successful SendWithUsage calls
	InputTokens, OutputTokens int
	Model                     string
}

// New returns a healthy fake that always succeeds
func New(name string) *Fake {
	return &Fake{name: name, healthy: true, Text: "ok from " + name, Model: name + "-model"}
}

// Failing returns a fake whose every call fails with err
func Failing(name string, err error) *Fake {
	f := New(name)
	f.script = []error{err}
	f.healthy = false
	return f
}

// Script sets the per-call outcomes; nil entries succeed.
func (f *Fake) Script(outcomes ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = outcomes
	return f
}

// SetHealthy controls HealthCheck
func (f *Fake) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

// Calls returns how many Send* calls were made
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if len(f.script) == 0 {
		return nil
	}
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	return f.script[i]
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) Send(ctx context.Context, req *providers.Request) (string, error) {
	res, err := f.SendWithUsage(ctx, req)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (f *Fake) SendStructured(ctx context.Context, req *providers.Request) (json.RawMessage, error) {
	text, err := f.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return providers.ParseCompletion(f.name, text)
}

func (f *Fake) SendWithUsage(ctx context.Context, req *providers.Request) (*providers.UsageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, providers.NewProviderError(f.name, providers.CodeTransport, "request failed", 0, err)
	}
	if err := f.next(); err != nil {
		return nil, err
	}
	return &providers.UsageResult{
		Text:          f.Text,
		InputTokens:   f.InputTokens,
		OutputTokens:  f.OutputTokens,
		ResolvedModel: f.Model,
		Provider:      f.name,
	}, nil
}

func (f *Fake) HealthCheck(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}
