package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/learnloop/llm-gateway/models"
	"github.com/learnloop/llm-gateway/repositories"
	"go.uber.org/zap"
)

// UsageRepository implements repositories.UsageRepository on llm_usage_events
type UsageRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB, logger *zap.Logger) repositories.UsageRepository {
	return &UsageRepository{
		db:     db,
		logger: logger,
	}
}

// Insert writes one usage record
func (r *UsageRepository) Insert(ctx context.Context, rec *models.UsageRecord) error {
	query := `
		INSERT INTO llm_usage_events (
			id, request_id, operation, provider, model_alias, resolved_model,
			input_tokens, output_tokens, input_cost, output_cost, total_cost,
			latency_ms, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.RequestID,
		rec.Operation,
		rec.Provider,
		rec.ModelAlias,
		rec.ResolvedModel,
		rec.InputTokens,
		rec.OutputTokens,
		rec.InputCost,
		rec.OutputCost,
		rec.TotalCost,
		rec.LatencyMs,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	r.logger.Debug("usage record inserted",
		zap.String("id", rec.ID.String()),
		zap.String("request_id", rec.RequestID),
		zap.String("provider", rec.Provider))
	return nil
}

// SummarizeByProvider aggregates the ledger per provider since a point in time
func (r *UsageRepository) SummarizeByProvider(ctx context.Context, since time.Time) ([]*models.ProviderUsageSummary, error) {
	query := `
		SELECT provider,
		       COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(total_cost), 0)
		FROM llm_usage_events
		WHERE created_at >= $1
		GROUP BY provider
		ORDER BY SUM(total_cost) DESC, provider
	`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer rows.Close()

	var summaries []*models.ProviderUsageSummary
	for rows.Next() {
		s := &models.ProviderUsageSummary{}
		if err := rows.Scan(&s.Provider, &s.Requests, &s.InputTokens, &s.OutputTokens, &s.TotalCost); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage summary: %w", err)
	}

	return summaries, nil
}
