package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UsageRecord is one successful routed completion as written to the usage ledger
type UsageRecord struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	RequestID     string          `json:"request_id" db:"request_id"`
	Operation     string          `json:"operation" db:"operation"`
	Provider      string          `json:"provider" db:"provider"`
	ModelAlias    string          `json:"model_alias" db:"model_alias"`
	ResolvedModel string          `json:"resolved_model" db:"resolved_model"`
	InputTokens   int             `json:"input_tokens" db:"input_tokens"`
	OutputTokens  int             `json:"output_tokens" db:"output_tokens"`
	InputCost     decimal.Decimal `json:"input_cost" db:"input_cost"`
	OutputCost    decimal.Decimal `json:"output_cost" db:"output_cost"`
	TotalCost     decimal.Decimal `json:"total_cost" db:"total_cost"`
	LatencyMs     int64           `json:"latency_ms" db:"latency_ms"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the UsageRecord model
func (UsageRecord) TableName() string {
	return "llm_usage_events"
}

// NewUsageRecord creates a record stamped with a fresh id and the current time
func NewUsageRecord(requestID, operation, provider, modelAlias string) *UsageRecord {
	return &UsageRecord{
		ID:         uuid.New(),
		RequestID:  requestID,
		Operation:  operation,
		Provider:   provider,
		ModelAlias: modelAlias,
		CreatedAt:  time.Now().UTC(),
	}
}

// TotalTokens returns input plus output tokens
func (u *UsageRecord) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// ProviderUsageSummary aggregates the ledger for one provider
type ProviderUsageSummary struct {
	Provider     string          `json:"provider"`
	Requests     int64           `json:"requests"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalCost    decimal.Decimal `json:"total_cost"`
}
