package repository

import (
	"context"

	"curly-octo-trader/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

type IndicatorRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewIndicatorRepository(pool PgxPool, tracer trace.Tracer) *IndicatorRepository {
	return &IndicatorRepository{pool: pool, tracer: tracer}
}

func (r *IndicatorRepository) SaveIndicator(ctx context.Context, rec *domain.IndicatorRecord) (int64, error) {
	_, span := r.tracer.Start(ctx, "indicator-repo.save-indicator")
	defer span.End()

	var id int64
	err := r.pool.QueryRow(ctx, `
INSERT INTO technical_indicators (pair, price, rsi_fast, rsi_slow, sma_short, sma_long, volatility, momentum, regime, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`,
		rec.Pair, rec.Price, rec.RSIFast, rec.RSISlow, rec.SMAShort, rec.SMALong, rec.Volatility, rec.Momentum, string(rec.Regime), rec.RecordedAt.UTC(),
	).Scan(&id)
	return id, err
}

// LatestIndicator returns pgx.ErrNoRows when nothing was recorded for the pair.
func (r *IndicatorRepository) LatestIndicator(ctx context.Context, pair string) (*domain.IndicatorRecord, error) {
	_, span := r.tracer.Start(ctx, "indicator-repo.latest-indicator")
	defer span.End()

	var rec domain.IndicatorRecord
	var regime string
	err := r.pool.QueryRow(ctx, `
SELECT id, pair, price, rsi_fast, rsi_slow, sma_short, sma_long, volatility, momentum, regime, recorded_at
FROM technical_indicators
WHERE pair = $1
ORDER BY recorded_at DESC
LIMIT 1`, pair).Scan(
		&rec.ID, &rec.Pair, &rec.Price, &rec.RSIFast, &rec.RSISlow, &rec.SMAShort, &rec.SMALong,
		&rec.Volatility, &rec.Momentum, &regime, &rec.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Regime = domain.Regime(regime)
	rec.RecordedAt = rec.RecordedAt.UTC()
	return &rec, nil
}
