package azurefoundry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/learnloop/llm-gateway/services/providers"
)

const (
	providerName      = "azure_foundry"
	defaultAPIVersion = "2024-10-21"
	healthTimeout     = 10 * time.Second
)

// deployments maps tiers to the deployment names provisioned in the
// Foundry project.
var deployments = providers.ModelMap{
	providers.TierFast:     "gpt-5-nano",
	providers.TierBalanced: "gpt-5-mini",
	providers.TierPowerful: "gpt-5",
}

// Config holds the adapter settings
type Config struct {
	Endpoint       string
	APIKey         string
	APIVersion     string
	ConnectTimeout time.Duration
	Timeout        time.Duration
}

// Adapter implements providers.Provider for Azure AI Foundry's
// OpenAI-compatible chat completions endpoint.
type Adapter struct {
	config     Config
	httpClient *http.Client
}

// New creates an Azure AI Foundry adapter
func New(config Config) (*Adapter, error) {
	if config.Endpoint == "" || config.APIKey == "" {
		return nil, fmt.Errorf("%w: azure_foundry needs endpoint and api key", providers.ErrProviderNotConfigured)
	}
	if config.APIVersion == "" {
		config.APIVersion = defaultAPIVersion
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")

	return &Adapter{
		config:     config,
		httpClient: providers.NewHTTPClient(config.ConnectTimeout, config.Timeout),
	}, nil
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
	deployment := deployments.Resolve(req.Tier)

	reqBody, err := json.Marshal(buildChatRequest(req))
	if err != nil {
		return nil, providers.NewProviderError(providerName, providers.CodeInvalidRequest, "failed to marshal request", 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.completionsURL(deployment), bytes.NewReader(reqBody))
	if err != nil {
		return nil, providers.NewProviderError(providerName, providers.CodeInvalidRequest, "failed to create request", 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", a.config.APIKey)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.NewProviderError(providerName, providers.CodeTransport, "request failed", 0, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.NewProviderError(providerName, providers.CodeTransport, "failed to read response", httpResp.StatusCode, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, handleErrorResponse(httpResp.StatusCode, respBody)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, providers.NewProviderError(providerName, providers.CodeUpstream, "failed to unmarshal response", httpResp.StatusCode, err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, providers.NewProviderError(providerName, providers.CodeEmptyResponse, "response has no choices", httpResp.StatusCode, nil)
	}

	model := chatResp.Model
	if model == "" {
		model = deployment
	}
	return &providers.UsageResult{
		Text:          chatResp.Choices[0].Message.Content,
		InputTokens:   chatResp.Usage.PromptTokens,
		OutputTokens:  chatResp.Usage.CompletionTokens,
		ResolvedModel: model,
		Provider:      providerName,
	}, nil
}

// HealthCheck sends a one-token completion to the fast deployment
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	_, err := a.Send(ctx, providers.HealthCheckRequest())
	return err == nil
}

func (a *Adapter) completionsURL(deployment string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		a.config.Endpoint, url.PathEscape(deployment), url.QueryEscape(a.config.APIVersion))
}

// buildChatRequest converts a provider-neutral request to the chat completions wire format.
// The system instruction becomes the leading system message.
func buildChatRequest(req *providers.Request) *chatRequest {
	out := &chatRequest{
		Messages:            make([]chatMessage, 0, len(req.Messages)+1),
		MaxCompletionTokens: req.MaxTokens,
	}
	if req.System != "" {
		out.Messages = append(out.Messages, chatMessage{Role: providers.RoleSystem, Content: req.System})
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, chatMessage{Role: msg.Role, Content: msg.Content})
	}
	return out
}

// handleErrorResponse turns a non-2xx body into a ProviderError
func handleErrorResponse(statusCode int, body []byte) error {
	code := providers.CodeForStatus(statusCode)

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return providers.NewProviderError(providerName, code, strings.TrimSpace(string(body)), statusCode, nil)
	}
	if errResp.Error.Code != "" {
		code = errResp.Error.Code
	}
	return providers.NewProviderError(providerName, code, errResp.Error.Message, statusCode, nil)
}

// Wire types

type chatRequest struct {
	Messages            []chatMessage `json:"messages"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
