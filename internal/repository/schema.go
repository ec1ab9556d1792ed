package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

// PgxPool is the subset of *pgxpool.Pool the repositories use.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS candles (
    pair        TEXT        NOT NULL,
    interval    TEXT        NOT NULL,
    open_time   TIMESTAMPTZ NOT NULL,
    open        DOUBLE PRECISION NOT NULL,
    high        DOUBLE PRECISION NOT NULL,
    low         DOUBLE PRECISION NOT NULL,
    close       DOUBLE PRECISION NOT NULL,
    volume      DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (pair, interval, open_time)
);

CREATE TABLE IF NOT EXISTS positions (
    id             BIGSERIAL PRIMARY KEY,
    wallet_address TEXT             NOT NULL,
    pair           TEXT             NOT NULL,
    side           TEXT             NOT NULL DEFAULT 'long',
    entry_price    DOUBLE PRECISION NOT NULL,
    quantity       DOUBLE PRECISION NOT NULL,
    usdc_spent     DOUBLE PRECISION,
    entry_time     TIMESTAMPTZ      NOT NULL,
    entry_tx_ref   TEXT             NOT NULL DEFAULT '',
    status         TEXT             NOT NULL DEFAULT 'open',
    exit_price     DOUBLE PRECISION,
    usdc_received  DOUBLE PRECISION,
    pnl            DOUBLE PRECISION,
    pnl_percent    DOUBLE PRECISION,
    exit_time      TIMESTAMPTZ,
    exit_tx_ref    TEXT             NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ      NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_one_open
    ON positions (wallet_address, pair) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS idx_positions_pair_status
    ON positions (pair, status);

CREATE TABLE IF NOT EXISTS trading_signals (
    id             BIGSERIAL PRIMARY KEY,
    pair           TEXT             NOT NULL,
    wallet_address TEXT             NOT NULL,
    kind           TEXT             NOT NULL,
    confidence     DOUBLE PRECISION NOT NULL,
    suggested_size DOUBLE PRECISION NOT NULL,
    rationale      TEXT             NOT NULL,
    regime         TEXT             NOT NULL,
    price          DOUBLE PRECISION NOT NULL,
    executed       BOOLEAN          NOT NULL DEFAULT FALSE,
    created_at     TIMESTAMPTZ      NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_trading_signals_pair_time
    ON trading_signals (pair, created_at DESC);

CREATE TABLE IF NOT EXISTS technical_indicators (
    id          BIGSERIAL PRIMARY KEY,
    pair        TEXT             NOT NULL,
    price       DOUBLE PRECISION NOT NULL,
    rsi_fast    DOUBLE PRECISION NOT NULL,
    rsi_slow    DOUBLE PRECISION NOT NULL,
    sma_short   DOUBLE PRECISION NOT NULL,
    sma_long    DOUBLE PRECISION NOT NULL,
    volatility  DOUBLE PRECISION NOT NULL,
    momentum    DOUBLE PRECISION NOT NULL,
    regime      TEXT             NOT NULL,
    recorded_at TIMESTAMPTZ      NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_technical_indicators_pair_time
    ON technical_indicators (pair, recorded_at DESC);

CREATE TABLE IF NOT EXISTS trade_outcomes (
    position_id    BIGINT PRIMARY KEY REFERENCES positions (id),
    wallet_address TEXT             NOT NULL,
    pair           TEXT             NOT NULL,
    pnl            DOUBLE PRECISION NOT NULL,
    pnl_percent    DOUBLE PRECISION NOT NULL,
    duration_ms    BIGINT           NOT NULL,
    market_regime  TEXT             NOT NULL,
    trend_strength DOUBLE PRECISION NOT NULL,
    volatility     DOUBLE PRECISION NOT NULL,
    success        BOOLEAN          NOT NULL,
    closed_at      TIMESTAMPTZ      NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trade_outcomes_pair_time
    ON trade_outcomes (pair, closed_at DESC);

CREATE TABLE IF NOT EXISTS trading_configs (
    name       TEXT PRIMARY KEY,
    params     JSONB       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// RunMigrations creates every table the engine needs. Safe to run on each start.
func RunMigrations(ctx context.Context, pool PgxPool, tracer trace.Tracer) error {
	_, span := tracer.Start(ctx, "repository.run-migrations")
	defer span.End()

	_, err := pool.Exec(ctx, schemaSQL)
	return err
}
