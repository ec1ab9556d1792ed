package repository

import (
	"context"
	"time"

	"curly-octo-trader/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

type OutcomeRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewOutcomeRepository(pool PgxPool, tracer trace.Tracer) *OutcomeRepository {
	return &OutcomeRepository{pool: pool, tracer: tracer}
}

// SaveTradeOutcome is keyed by position id; a repeated save is a no-op.
func (r *OutcomeRepository) SaveTradeOutcome(ctx context.Context, o *domain.TradeOutcome) error {
	_, span := r.tracer.Start(ctx, "outcome-repo.save-trade-outcome")
	defer span.End()

	_, err := r.pool.Exec(ctx, `
INSERT INTO trade_outcomes (position_id, wallet_address, pair, pnl, pnl_percent, duration_ms, market_regime, trend_strength, volatility, success, closed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (position_id) DO NOTHING`,
		o.PositionID, o.Wallet, o.Pair, o.PnL, o.PnLPercent, o.Duration.Milliseconds(),
		string(o.MarketRegime), o.TrendStrength, o.Volatility, o.Success, o.ClosedAt.UTC(),
	)
	return err
}

// RecentTradeOutcomes returns up to limit outcomes for the pair, newest first.
func (r *OutcomeRepository) RecentTradeOutcomes(ctx context.Context, pair string, limit int) ([]domain.TradeOutcome, error) {
	_, span := r.tracer.Start(ctx, "outcome-repo.recent-trade-outcomes")
	defer span.End()

	rows, err := r.pool.Query(ctx, `
SELECT position_id, wallet_address, pair, pnl, pnl_percent, duration_ms, market_regime, trend_strength, volatility, success, closed_at
FROM trade_outcomes
WHERE pair = $1
ORDER BY closed_at DESC
LIMIT $2`, pair, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TradeOutcome
	for rows.Next() {
		var o domain.TradeOutcome
		var durationMs int64
		var regime string
		if err := rows.Scan(&o.PositionID, &o.Wallet, &o.Pair, &o.PnL, &o.PnLPercent, &durationMs, &regime, &o.TrendStrength, &o.Volatility, &o.Success, &o.ClosedAt); err != nil {
			return nil, err
		}
		o.Duration = time.Duration(durationMs) * time.Millisecond
		o.MarketRegime = domain.Regime(regime)
		o.ClosedAt = o.ClosedAt.UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}
