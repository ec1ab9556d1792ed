package repository

import (
	"context"

	"curly-octo-trader/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

type ConfigRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewConfigRepository(pool PgxPool, tracer trace.Tracer) *ConfigRepository {
	return &ConfigRepository{pool: pool, tracer: tracer}
}

func (r *ConfigRepository) SaveTradingConfig(ctx context.Context, name string, params []byte) error {
	_, span := r.tracer.Start(ctx, "config-repo.save-trading-config")
	defer span.End()

	_, err := r.pool.Exec(ctx, `
INSERT INTO trading_configs (name, params, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (name) DO UPDATE SET
    params = EXCLUDED.params,
    updated_at = EXCLUDED.updated_at`, name, params)
	return err
}

// LoadTradingConfig returns pgx.ErrNoRows for an unknown name.
func (r *ConfigRepository) LoadTradingConfig(ctx context.Context, name string) (*domain.TradingConfig, error) {
	_, span := r.tracer.Start(ctx, "config-repo.load-trading-config")
	defer span.End()

	var out domain.TradingConfig
	err := r.pool.QueryRow(ctx,
		`SELECT name, params, updated_at FROM trading_configs WHERE name = $1`, name,
	).Scan(&out.Name, &out.Params, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	out.UpdatedAt = out.UpdatedAt.UTC()
	return &out, nil
}
