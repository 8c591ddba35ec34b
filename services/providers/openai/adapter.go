package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	openai_opt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/learnloop/llm-gateway/services/providers"
)

const (
	providerName  = "openai"
	healthTimeout = 10 * time.Second
)

var models = providers.ModelMap{
	providers.TierFast:     "gpt-4.1-nano",
	providers.TierBalanced: "gpt-4.1-mini",
	providers.TierPowerful: "gpt-4.1",
}

// Config holds the adapter settings
type Config struct {
	APIKey         string
	BaseURL        string
	ConnectTimeout time.Duration
	Timeout        time.Duration
}

// Adapter implements providers.Provider on the OpenAI Chat Completions API.
type Adapter struct {
	client openai.Client
}

// New creates an OpenAI adapter with SDK retries disabled
func New(config Config) (*Adapter, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: openai needs an api key", providers.ErrProviderNotConfigured)
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	opts := []openai_opt.RequestOption{
		openai_opt.WithAPIKey(config.APIKey),
		openai_opt.WithMaxRetries(0),
		openai_opt.WithHTTPClient(providers.NewHTTPClient(config.ConnectTimeout, config.Timeout)),
	}
	if config.BaseURL != "" {
		opts = append(opts, openai_opt.WithBaseURL(config.BaseURL))
	}

	return &Adapter{client: openai.NewClient(opts...)}, nil
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

// SendWithUsage performs one chat completion call
func (a *Adapter) SendWithUsage(ctx context.Context, req *providers.Request) (*providers.UsageResult, error) {
	resp, err := a.client.Chat.Completions.New(ctx, buildParams(req, models.Resolve(req.Tier)))
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, providers.NewProviderError(providerName, providers.CodeForStatus(apiErr.StatusCode),
				"chat completion rejected", apiErr.StatusCode, err)
		}
		return nil, providers.NewProviderError(providerName, providers.CodeTransport, "chat completion failed", 0, err)
	}
	if len(resp.Choices) == 0 {
		return nil, providers.NewProviderError(providerName, providers.CodeEmptyResponse, "response has no choices", 0, nil)
	}

	return &providers.UsageResult{
		Text:          resp.Choices[0].Message.Content,
		InputTokens:   int(resp.Usage.PromptTokens),
		OutputTokens:  int(resp.Usage.CompletionTokens),
		ResolvedModel: resp.Model,
		Provider:      providerName,
	}, nil
}

// HealthCheck sends a one-token completion to the fast model
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	_, err := a.Send(ctx, providers.HealthCheckRequest())
	return err == nil
}

func buildParams(req *providers.Request, model string) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, systemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case providers.RoleSystem:
			messages = append(messages, systemMessage(m.Content))
		case providers.RoleAssistant:
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: param.NewOpt(m.Content),
					},
				},
			})
		default:
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: param.NewOpt(m.Content),
					},
				},
			})
		}
	}

	return openai.ChatCompletionNewParams{
		Model:               model,
		Messages:            messages,
		MaxCompletionTokens: param.NewOpt(int64(req.MaxTokens)),
	}
}

func systemMessage(content string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfSystem: &openai.ChatCompletionSystemMessageParam{
			Content: openai.ChatCompletionSystemMessageParamContentUnion{
				OfString: param.NewOpt(content),
			},
		},
	}
}
