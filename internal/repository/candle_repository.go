package repository

import (
	"context"

	"curly-octo-trader/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

type CandleRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewCandleRepository(pool PgxPool, tracer trace.Tracer) *CandleRepository {
	return &CandleRepository{pool: pool, tracer: tracer}
}

// RecentCandles returns up to limit candles, newest first.
func (r *CandleRepository) RecentCandles(ctx context.Context, pair, interval string, limit int) ([]*domain.Candle, error) {
	_, span := r.tracer.Start(ctx, "candle-repo.recent-candles")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT pair, interval, open_time, open, high, low, close, volume
		 FROM candles
		 WHERE pair = $1 AND interval = $2
		 ORDER BY open_time DESC
		 LIMIT $3`,
		pair, interval, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candles []*domain.Candle
	for rows.Next() {
		c := &domain.Candle{}
		if err := rows.Scan(&c.Pair, &c.Interval, &c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		c.OpenTime = c.OpenTime.UTC()
		candles = append(candles, c)
	}
	return candles, rows.Err()
}
