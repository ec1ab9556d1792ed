package repository

import (
	"context"

	"curly-octo-trader/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

type SignalRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewSignalRepository(pool PgxPool, tracer trace.Tracer) *SignalRepository {
	return &SignalRepository{pool: pool, tracer: tracer}
}

func (r *SignalRepository) SaveSignal(ctx context.Context, s *domain.SignalRecord) (int64, error) {
	_, span := r.tracer.Start(ctx, "signal-repo.save-signal")
	defer span.End()

	var id int64
	err := r.pool.QueryRow(ctx, `
INSERT INTO trading_signals (pair, wallet_address, kind, confidence, suggested_size, rationale, regime, price, executed, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`,
		s.Pair, s.Wallet, string(s.Kind), s.Confidence, s.SuggestedSize, s.Rationale, string(s.Regime), s.Price, s.Executed, s.CreatedAt.UTC(),
	).Scan(&id)
	return id, err
}

// RecentSignals returns up to limit signals for the pair, newest first.
func (r *SignalRepository) RecentSignals(ctx context.Context, pair string, limit int) ([]domain.SignalRecord, error) {
	_, span := r.tracer.Start(ctx, "signal-repo.recent-signals")
	defer span.End()

	rows, err := r.pool.Query(ctx, `
SELECT id, pair, wallet_address, kind, confidence, suggested_size, rationale, regime, price, executed, created_at
FROM trading_signals
WHERE pair = $1
ORDER BY created_at DESC
LIMIT $2`, pair, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SignalRecord
	for rows.Next() {
		var s domain.SignalRecord
		var kind, regime string
		if err := rows.Scan(&s.ID, &s.Pair, &s.Wallet, &kind, &s.Confidence, &s.SuggestedSize, &s.Rationale, &regime, &s.Price, &s.Executed, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Kind = domain.SignalKind(kind)
		s.Regime = domain.Regime(regime)
		s.CreatedAt = s.CreatedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}
