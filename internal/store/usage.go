package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InsertUsage appends an AI usage entry. Idempotent from the pipeline's
// perspective: a caller-supplied id makes retries write-once.
func (s *Store) InsertUsage(ctx context.Context, u *UsageEntry) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ai_usage (id, model, input_tokens, output_tokens, total_tokens, cost_usd, call_type, monitor_id, created_at)
		VALUES (:id, :model, :input_tokens, :output_tokens, :total_tokens, :cost_usd, :call_type, :monitor_id, :created_at)
		ON CONFLICT (id) DO NOTHING`, u)
	return translate("insert usage", err)
}

// UsageTotals aggregates tokens and cost within the window, for the admin
// dashboard.
func (s *Store) UsageTotals(ctx context.Context, window time.Duration) (totalTokens int, totalCost float64, err error) {
	row := struct {
		Tokens int     `db:"tokens"`
		Cost   float64 `db:"cost"`
	}{}
	err = s.db.GetContext(ctx, &row, `
		SELECT COALESCE(SUM(total_tokens), 0) AS tokens,
		       COALESCE(SUM(cost_usd), 0) AS cost
		FROM ai_usage WHERE created_at >= $1`, time.Now().UTC().Add(-window))
	if err != nil {
		return 0, 0, translate("usage totals", err)
	}
	return row.Tokens, row.Cost, nil
}
