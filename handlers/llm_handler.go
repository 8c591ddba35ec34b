package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/learnloop/llm-gateway/internal/observability"
	"github.com/learnloop/llm-gateway/models"
	"github.com/learnloop/llm-gateway/services/pricing"
	"github.com/learnloop/llm-gateway/services/providers"
	"github.com/learnloop/llm-gateway/services/ratelimit"
	"github.com/learnloop/llm-gateway/services/routing"
	"github.com/learnloop/llm-gateway/utils"
)

// defaultSummaryWindow is used by the usage summary when no range is given
const defaultSummaryWindow = 24 * time.Hour

// LLMService defines the request-layer operations exposed over HTTP
type LLMService interface {
	Send(ctx context.Context, req *providers.Request) (string, error)
	SendStructured(ctx context.Context, req *providers.Request) (json.RawMessage, error)
	SendWithUsage(ctx context.Context, req *providers.Request) (*providers.UsageResult, error)
	EstimateCost(provider, modelAlias string, inputTokens, outputTokens int) pricing.Estimate
	ProviderStatus() []routing.BreakerSnapshot
	RateLimitStatus() *ratelimit.Status
	Primary() string
	UsageSummary(ctx context.Context, since time.Time) ([]*models.ProviderUsageSummary, error)
}

// CompletionResponse is returned by POST /completions
type CompletionResponse struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

// StructuredResponse is returned by POST /completions/structured
type StructuredResponse struct {
	RequestID string          `json:"request_id"`
	Output    json.RawMessage `json:"output"`
}

// UsageResponse is returned by POST /completions/usage
type UsageResponse struct {
	RequestID string `json:"request_id"`
	*providers.UsageResult
}

// ProvidersResponse is returned by GET /providers
type ProvidersResponse struct {
	Primary   string                    `json:"primary"`
	Providers []routing.BreakerSnapshot `json:"providers"`
	RateLimit *ratelimit.Status         `json:"rate_limit,omitempty"`
}

// CostEstimateRequest is the body of POST /cost-estimate
type CostEstimateRequest struct {
	Provider     string `json:"provider" validate:"required"`
	Model        string `json:"model" validate:"required"`
	InputTokens  int    `json:"input_tokens" validate:"gte=0"`
	OutputTokens int    `json:"output_tokens" validate:"gte=0"`
}

// UsageSummaryResponse is returned by GET /usage/summary
type UsageSummaryResponse struct {
	Since     time.Time                      `json:"since"`
	Providers []*models.ProviderUsageSummary `json:"providers"`
}

// LLMHandler handles the completion and routing endpoints
type LLMHandler struct {
	service LLMService
	logger  *zap.Logger
}

// NewLLMHandler creates a new LLMHandler
func NewLLMHandler(service LLMService, logger *zap.Logger) *LLMHandler {
	return &LLMHandler{
		service: service,
		logger:  logger,
	}
}

// decodeRequest parses and validates a completion request. It writes the
// error response itself and reports whether the handler should continue.
func (h *LLMHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (*providers.Request, bool) {
	var req providers.Request
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		observability.LoggerFrom(r.Context(), h.logger).Warn("failed to parse request body", zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return nil, false
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return nil, false
	}
	return &req, true
}

// HandleCompletion handles POST /api/v1/llm/completions
func (h *LLMHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	ctx, requestID := observability.EnsureRequestID(r.Context())
	text, err := h.service.Send(ctx, req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, CompletionResponse{RequestID: requestID, Text: text})
}

// HandleStructuredCompletion handles POST /api/v1/llm/completions/structured
func (h *LLMHandler) HandleStructuredCompletion(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	ctx, requestID := observability.EnsureRequestID(r.Context())
	out, err := h.service.SendStructured(ctx, req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, StructuredResponse{RequestID: requestID, Output: out})
}

// HandleUsageCompletion handles POST /api/v1/llm/completions/usage
func (h *LLMHandler) HandleUsageCompletion(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	ctx, requestID := observability.EnsureRequestID(r.Context())
	res, err := h.service.SendWithUsage(ctx, req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, UsageResponse{RequestID: requestID, UsageResult: res})
}

// HandleProviders handles GET /api/v1/llm/providers
func (h *LLMHandler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, ProvidersResponse{
		Primary:   h.service.Primary(),
		Providers: h.service.ProviderStatus(),
		RateLimit: h.service.RateLimitStatus(),
	})
}

// HandleCostEstimate handles POST /api/v1/llm/cost-estimate
func (h *LLMHandler) HandleCostEstimate(w http.ResponseWriter, r *http.Request) {
	var req CostEstimateRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, h.service.EstimateCost(req.Provider, req.Model, req.InputTokens, req.OutputTokens))
}

// HandleUsageSummary handles GET /api/v1/llm/usage/summary
//
// The window is given either as ?since=<RFC3339> or ?hours=<n>; it
// defaults to the last 24 hours.
func (h *LLMHandler) HandleUsageSummary(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r, time.Now().UTC())
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	summaries, err := h.service.UsageSummary(r.Context(), since)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if summaries == nil {
		summaries = []*models.ProviderUsageSummary{}
	}

	_ = utils.WriteOK(w, UsageSummaryResponse{Since: since, Providers: summaries})
}

func parseSince(r *http.Request, now time.Time) (time.Time, error) {
	q := r.URL.Query()
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, errors.New("since must be an RFC3339 timestamp")
		}
		return since, nil
	}
	if raw := q.Get("hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			return time.Time{}, errors.New("hours must be a positive integer")
		}
		return now.Add(-time.Duration(hours) * time.Hour), nil
	}
	return now.Add(-defaultSummaryWindow), nil
}
