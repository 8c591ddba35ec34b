package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/learnloop/llm-gateway/utils"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

func init() {
	utils.MustRegisterValidation("conversation", hasConversationTurn)
}

// hasConversationTurn rejects message lists made only of system messages;
// backends that carry the system prompt out-of-band would receive an empty
// conversation.
func hasConversationTurn(fl validator.FieldLevel) bool {
	msgs, ok := fl.Field().Interface().([]Message)
	if !ok {
		return false
	}
	for _, m := range msgs {
		if m.Role == RoleUser || m.Role == RoleAssistant {
			return true
		}
	}
	return false
}

// Provider is the uniform client over one remote chat-completion backend.
//
// Adapters never retry internally; every transport or non-2xx failure is
// returned as a *ProviderError so the router can apply its own retry,
// circuit-breaking and failover.
type Provider interface {
	// Name returns the stable provider identity (e.g. "anthropic", "vertex")
	Name() string

	// Send returns the completion text
	Send(ctx context.Context, req *Request) (string, error)

	// SendStructured returns the completion parsed as JSON, or a *ParseError
	SendStructured(ctx context.Context, req *Request) (json.RawMessage, error)

	// SendWithUsage returns the completion text with token accounting
	SendWithUsage(ctx context.Context, req *Request) (*UsageResult, error)

	// HealthCheck issues a minimal real request; any error yields false
	HealthCheck(ctx context.Context) bool
}

// Request is a provider-neutral chat request
type Request struct {
	// Messages in the conversation, oldest first
	Messages []Message `json:"messages" validate:"required,min=1,conversation,dive"`

	// Tier is a model alias (fast, balanced, powerful) or a literal model id
	Tier string `json:"tier" validate:"required"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens" validate:"required,gte=1,lte=200000"`

	// System is the system instruction, carried out-of-band where the backend supports it
	System string `json:"system,omitempty"`
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role string `json:"role" validate:"required,oneof=system user assistant"`

	// Content is the message text
	Content string `json:"content" validate:"required"`
}

// UsageResult is the outcome of SendWithUsage
type UsageResult struct {
	Text          string `json:"text"`
	InputTokens   int    `json:"input_tokens"`
	OutputTokens  int    `json:"output_tokens"`
	ResolvedModel string `json:"resolved_model"`
	Provider      string `json:"provider"`
}

// SplitSystem folds system-role messages into the system instruction and
// returns the remaining conversation turns. Backends that take the system
// prompt out-of-band (Anthropic, Vertex, Gemini) use this.
func (r *Request) SplitSystem() (string, []Message) {
	var parts []string
	if strings.TrimSpace(r.System) != "" {
		parts = append(parts, r.System)
	}
	turns := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			parts = append(parts, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(parts, "\n\n"), turns
}

// HealthCheckRequest is the smallest request every adapter sends to probe liveness.
func HealthCheckRequest() *Request {
	return &Request{
		Messages:  []Message{{Role: RoleUser, Content: "ping"}},
		Tier:      string(TierFast),
		MaxTokens: 1,
	}
}

// ProviderError represents a transport or protocol failure from a backend
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the error code
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := e.Provider + ": " + e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

// Error codes shared by adapters
const (
	CodeTransport      = "transport_error"
	CodeRateLimited    = "rate_limited"
	CodeUnauthorized   = "unauthorized"
	CodeInvalidRequest = "invalid_request"
	CodeUpstream       = "upstream_error"
	CodeEmptyResponse  = "empty_response"
	CodeAuthToken      = "auth_token_error"
)

// CodeForStatus maps an HTTP status to an adapter error code.
func CodeForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeUnauthorized
	case status >= 500:
		return CodeUpstream
	default:
		return CodeInvalidRequest
	}
}

// ParseError is returned by SendStructured when the completion text holds
// no parseable JSON. It is a property of the model output, so the router
// neither retries it nor counts it against the provider.
type ParseError struct {
	Provider string
	Snippet  string
	Cause    error
}

func (e *ParseError) Error() string {
	prefix := "structured output"
	if e.Provider != "" {
		prefix = e.Provider + ": structured output"
	}
	return fmt.Sprintf("%s is not valid JSON (%q): %v", prefix, e.Snippet, e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// IsPermanent reports whether retrying err cannot help: structured-output
// parse failures and caller cancellation.
func IsPermanent(err error) bool {
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return true
	}
	return errors.Is(err, context.Canceled)
}
