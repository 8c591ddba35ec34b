package repositories

import (
	"context"
	"time"

	"github.com/learnloop/llm-gateway/models"
)

// UsageRepository persists the usage ledger
type UsageRepository interface {
	// Insert writes one usage record
	Insert(ctx context.Context, record *models.UsageRecord) error

	// SummarizeByProvider aggregates requests, tokens and spend per provider
	// for records created at or after since, ordered by spend descending
	SummarizeByProvider(ctx context.Context, since time.Time) ([]*models.ProviderUsageSummary, error)
}

// Repositories holds all repository instances
type Repositories struct {
	Usage UsageRepository
}
