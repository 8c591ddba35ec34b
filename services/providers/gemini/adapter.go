package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/learnloop/llm-gateway/services/providers"
)

const (
	providerName  = "gemini"
	healthTimeout = 10 * time.Second
)

var models = providers.ModelMap{
	providers.TierFast:     "gemini-2.5-flash-lite",
	providers.TierBalanced: "gemini-2.5-flash",
	providers.TierPowerful: "gemini-2.5-pro",
}

// Config holds the adapter settings
type Config struct {
	APIKey         string
	BaseURL        string
	ConnectTimeout time.Duration
	Timeout        time.Duration
}

// Adapter implements providers.Provider on the Gemini API generateContent method.
type Adapter struct {
	client *genai.Client
}

// New creates a Gemini adapter
func New(config Config) (*Adapter, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini needs an api key", providers.ErrProviderNotConfigured)
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: providers.NewHTTPClient(config.ConnectTimeout, config.Timeout),
		HTTPOptions: genai.HTTPOptions{
			BaseURL: config.BaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Adapter{client: client}, nil
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

// SendWithUsage performs one generateContent call
func (a *Adapter) SendWithUsage(ctx context.Context, req *providers.Request) (*providers.UsageResult, error) {
	model := models.Resolve(req.Tier)
	contents, config := buildContents(req)

	resp, err := a.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, wrapError(err)
	}
	if len(resp.Candidates) == 0 {
		return nil, providers.NewProviderError(providerName, providers.CodeEmptyResponse, "response has no candidates", 0, nil)
	}

	result := &providers.UsageResult{
		Text:          resp.Text(),
		ResolvedModel: resp.ModelVersion,
		Provider:      providerName,
	}
	if result.ResolvedModel == "" {
		result.ResolvedModel = model
	}
	if usage := resp.UsageMetadata; usage != nil {
		result.InputTokens = int(usage.PromptTokenCount)
		result.OutputTokens = int(usage.CandidatesTokenCount)
	}
	return result, nil
}

// HealthCheck sends a one-token request to the fast model
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	_, err := a.Send(ctx, providers.HealthCheckRequest())
	return err == nil
}

// buildContents maps roles onto Gemini's user/model turns; the system
// instruction goes into the generation config.
func buildContents(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, turns := req.SplitSystem()

	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := genai.RoleUser
		if m.Role == providers.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	return contents, config
}

func wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providers.NewProviderError(providerName, providers.CodeForStatus(apiErr.Code), apiErr.Message, apiErr.Code, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return providers.NewProviderError(providerName, providers.CodeForStatus(apiErrPtr.Code), apiErrPtr.Message, apiErrPtr.Code, err)
	}
	return providers.NewProviderError(providerName, providers.CodeTransport, "generate content failed", 0, err)
}
