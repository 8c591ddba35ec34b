package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/learnloop/llm-gateway/services/providers"
)

const (
	providerName     = "vertex"
	anthropicVersion = "vertex-2023-10-16"
	healthTimeout    = 10 * time.Second
)

var models = providers.ModelMap{
	providers.TierFast:     "claude-haiku-4-5@20251001",
	providers.TierBalanced: "claude-sonnet-4-5@20250929",
	providers.TierPowerful: "claude-opus-4-1@20250805",
}

// Config holds the adapter settings
type Config struct {
	ProjectID       string
	Region          string
	CredentialsFile string
	// BaseURL overrides the regional aiplatform endpoint
	BaseURL        string
	ConnectTimeout time.Duration
	Timeout        time.Duration
}

// Adapter implements providers.Provider for Claude models served by
// Vertex AI through the rawPredict endpoint.
type Adapter struct {
	projectID  string
	region     string
	baseURL    string
	httpClient *http.Client
	tokens     *TokenSource
}

// New creates a Vertex adapter authenticated with a service-account key
func New(config Config) (*Adapter, error) {
	if config.CredentialsFile == "" {
		return nil, fmt.Errorf("%w: vertex needs a service account credentials file", providers.ErrProviderNotConfigured)
	}
	creds, err := LoadCredentials(config.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrProviderNotConfigured, err)
	}
	if config.ProjectID == "" {
		config.ProjectID = creds.ProjectID
	}
	if config.ProjectID == "" {
		return nil, fmt.Errorf("%w: vertex needs a project id", providers.ErrProviderNotConfigured)
	}
	if config.Region == "" {
		config.Region = "us-east5"
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	httpClient := providers.NewHTTPClient(config.ConnectTimeout, config.Timeout)
	tokens, err := NewTokenSource(creds, httpClient)
	if err != nil {
		return nil, err
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = regionalEndpoint(config.Region)
	}

	return &Adapter{
		projectID:  config.ProjectID,
		region:     config.Region,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
	}, nil
}

func regionalEndpoint(region string) string {
	if region == "global" {
		return "https://aiplatform.googleapis.com"
	}
	return "https://" + region + "-aiplatform.googleapis.com"
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

// SendWithUsage performs one rawPredict call
func (a *Adapter) SendWithUsage(ctx context.Context, req *providers.Request) (*providers.UsageResult, error) {
	model := models.Resolve(req.Tier)

	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, providers.NewProviderError(providerName, providers.CodeAuthToken, "failed to obtain access token", 0, err)
	}

	reqBody, err := json.Marshal(buildPredictRequest(req))
	if err != nil {
		return nil, providers.NewProviderError(providerName, providers.CodeInvalidRequest, "failed to marshal request", 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.predictURL(model), bytes.NewReader(reqBody))
	if err != nil {
		return nil, providers.NewProviderError(providerName, providers.CodeInvalidRequest, "failed to create request", 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

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
		if httpResp.StatusCode == http.StatusUnauthorized {
			// revoked or clock-skewed token; the next attempt fetches a fresh one
			a.tokens.Invalidate()
		}
		return nil, handleErrorResponse(httpResp.StatusCode, respBody)
	}

	var msg messageResponse
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, providers.NewProviderError(providerName, providers.CodeUpstream, "failed to unmarshal response", httpResp.StatusCode, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	resolved := msg.Model
	if resolved == "" {
		resolved = model
	}
	return &providers.UsageResult{
		Text:          text.String(),
		InputTokens:   msg.Usage.InputTokens,
		OutputTokens:  msg.Usage.OutputTokens,
		ResolvedModel: resolved,
		Provider:      providerName,
	}, nil
}

// HealthCheck sends a one-token message to the fast model
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	_, err := a.Send(ctx, providers.HealthCheckRequest())
	return err == nil
}

func (a *Adapter) predictURL(model string) string {
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:rawPredict",
		a.baseURL, a.projectID, a.region, model)
}

func buildPredictRequest(req *providers.Request) *predictRequest {
	system, turns := req.SplitSystem()
	out := &predictRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        req.MaxTokens,
		System:           system,
		Messages:         make([]predictMessage, 0, len(turns)),
	}
	for _, m := range turns {
		out.Messages = append(out.Messages, predictMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func handleErrorResponse(statusCode int, body []byte) error {
	code := providers.CodeForStatus(statusCode)

	// Vertex returns either an Anthropic error body or a Google RPC status
	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return providers.NewProviderError(providerName, code, strings.TrimSpace(string(body)), statusCode, nil)
	}
	return providers.NewProviderError(providerName, code, errResp.Error.Message, statusCode, nil)
}

// Wire types

type predictRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	Messages         []predictMessage `json:"messages"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
}

type predictMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messageResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
