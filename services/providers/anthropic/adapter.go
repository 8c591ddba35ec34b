package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/learnloop/llm-gateway/services/providers"
)

const (
	providerName  = "anthropic"
	healthTimeout = 10 * time.Second
)

var models = providers.ModelMap{
	providers.TierFast:     "claude-haiku-4-5",
	providers.TierBalanced: "claude-sonnet-4-5",
	providers.TierPowerful: "claude-opus-4-1",
}

// Config holds the adapter settings
type Config struct {
	APIKey         string
	BaseURL        string
	ConnectTimeout time.Duration
	Timeout        time.Duration
}

// Adapter implements providers.Provider on the Anthropic Messages API.
type Adapter struct {
	client anthropic.Client
}

// New creates an Anthropic adapter. SDK-level retries are disabled; the
// router owns retry.
func New(config Config) (*Adapter, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: anthropic needs an api key", providers.ErrProviderNotConfigured)
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(providers.NewHTTPClient(config.ConnectTimeout, config.Timeout)),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &Adapter{client: anthropic.NewClient(opts...)}, nil
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return providerName
}

// Send returns the completion text
func (a *Adapter) Send(ctx context.Context, req *providers.Request) (string, error) {
	res, err := a.SendWithUsage(ctx, req)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// SendStructured returns the completion parsed as JSON
func (a *Adapter) SendStructured(ctx context.Context, req *providers.Request) (json.RawMessage, error) {
	text, err := a.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return providers.ParseCompletion(providerName, text)
}

// SendWithUsage performs one Messages API call
func (a *Adapter) SendWithUsage(ctx context.Context, req *providers.Request) (*providers.UsageResult, error) {
	msg, err := a.client.Messages.New(ctx, buildMessageParams(req, models.Resolve(req.Tier)))
	if err != nil {
		return nil, wrapError(providerName, err)
	}
	return convertMessage(providerName, msg), nil
}

// HealthCheck sends a one-token message to the fast model
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	_, err := a.Send(ctx, providers.HealthCheckRequest())
	return err == nil
}

// buildMessageParams converts a provider-neutral request into Messages API params.
func buildMessageParams(req *providers.Request, model string) anthropic.MessageNewParams {
	system, turns := req.SplitSystem()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  make([]anthropic.MessageParam, 0, len(turns)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range turns {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == providers.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}
	return params
}

// convertMessage concatenates the text blocks of a Messages API response.
func convertMessage(provider string, msg *anthropic.Message) *providers.UsageResult {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return &providers.UsageResult{
		Text:          text.String(),
		InputTokens:   int(msg.Usage.InputTokens),
		OutputTokens:  int(msg.Usage.OutputTokens),
		ResolvedModel: string(msg.Model),
		Provider:      provider,
	}
}

func wrapError(provider string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return providers.NewProviderError(provider, providers.CodeForStatus(apiErr.StatusCode),
			"messages request rejected", apiErr.StatusCode, err)
	}
	return providers.NewProviderError(provider, providers.CodeTransport, "messages request failed", 0, err)
}
