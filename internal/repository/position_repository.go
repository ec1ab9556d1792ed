package repository

import (
	"context"
	"errors"

	"curly-octo-trader/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const positionColumns = `id, wallet_address, pair, side, entry_price, quantity, usdc_spent,
    entry_time, entry_tx_ref, status, exit_price, usdc_received, pnl, pnl_percent,
    exit_time, exit_tx_ref`

type PositionRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewPositionRepository(pool PgxPool, tracer trace.Tracer) *PositionRepository {
	return &PositionRepository{pool: pool, tracer: tracer}
}

// CreatePosition inserts an open position and returns it with its id.
// A second open row for the same wallet and pair violates
// idx_positions_one_open.
func (r *PositionRepository) CreatePosition(ctx context.Context, p *domain.Position) (*domain.Position, error) {
	_, span := r.tracer.Start(ctx, "position-repo.create-position")
	defer span.End()
	span.SetAttributes(attribute.String("wallet", p.Wallet), attribute.String("pair", p.Pair))

	side := p.Side
	if side == "" {
		side = domain.SideLong
	}
	row := r.pool.QueryRow(ctx, `
INSERT INTO positions (wallet_address, pair, side, entry_price, quantity, usdc_spent, entry_time, entry_tx_ref, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'open')
RETURNING `+positionColumns,
		p.Wallet, p.Pair, string(side), p.EntryPrice, p.Quantity, p.USDCSpent, p.EntryTime.UTC(), p.EntryTxRef,
	)
	return scanPositionRow(row)
}

// FindOpenPosition returns pgx.ErrNoRows when the wallet holds nothing.
func (r *PositionRepository) FindOpenPosition(ctx context.Context, wallet, pair string) (*domain.Position, error) {
	_, span := r.tracer.Start(ctx, "position-repo.find-open-position")
	defer span.End()

	row := r.pool.QueryRow(ctx, `
SELECT `+positionColumns+`
FROM positions
WHERE wallet_address = $1 AND pair = $2 AND status = 'open'
ORDER BY entry_time DESC
LIMIT 1`, wallet, pair)
	return scanPositionRow(row)
}

func (r *PositionRepository) GetPosition(ctx context.Context, id int64) (*domain.Position, error) {
	_, span := r.tracer.Start(ctx, "position-repo.get-position")
	defer span.End()

	row := r.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	return scanPositionRow(row)
}

// ClosePosition moves an open position to closed. When the row is already
// closed it returns the stored row together with domain.ErrPositionClosed.
func (r *PositionRepository) ClosePosition(ctx context.Context, id int64, exit domain.PositionExit) (*domain.Position, error) {
	ctx, span := r.tracer.Start(ctx, "position-repo.close-position")
	defer span.End()
	span.SetAttributes(attribute.Int64("position_id", id))

	row := r.pool.QueryRow(ctx, `
UPDATE positions SET
    status = 'closed',
    exit_price = $2,
    usdc_received = $3,
    pnl = $4,
    pnl_percent = $5,
    exit_time = $6,
    exit_tx_ref = $7
WHERE id = $1 AND status = 'open'
RETURNING `+positionColumns,
		id, exit.ExitPrice, exit.USDCReceived, exit.PnL, exit.PnLPercent, exit.ExitTime.UTC(), exit.ExitTxRef,
	)
	closed, err := scanPositionRow(row)
	if err == nil {
		return closed, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	existing, err := r.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Status == domain.PositionClosed {
		return existing, domain.ErrPositionClosed
	}
	return nil, pgx.ErrNoRows
}

func (r *PositionRepository) ListOpenPositionsByWallet(ctx context.Context, wallet string) ([]*domain.Position, error) {
	_, span := r.tracer.Start(ctx, "position-repo.list-open-by-wallet")
	defer span.End()

	return r.list(ctx, `
SELECT `+positionColumns+`
FROM positions
WHERE wallet_address = $1 AND status = 'open'
ORDER BY entry_time DESC`, wallet)
}

func (r *PositionRepository) ListOpenPositionsByPair(ctx context.Context, pair string) ([]*domain.Position, error) {
	_, span := r.tracer.Start(ctx, "position-repo.list-open-by-pair")
	defer span.End()

	return r.list(ctx, `
SELECT `+positionColumns+`
FROM positions
WHERE pair = $1 AND status = 'open'
ORDER BY entry_time DESC`, pair)
}

func (r *PositionRepository) list(ctx context.Context, sql string, arg string) ([]*domain.Position, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPositionRow(s scanner) (*domain.Position, error) {
	var out domain.Position
	var side, status string
	var usdcSpent, exitPrice, usdcReceived, pnl, pnlPercent pgtype.Float8
	var exitTime pgtype.Timestamptz

	if err := s.Scan(
		&out.ID,
		&out.Wallet,
		&out.Pair,
		&side,
		&out.EntryPrice,
		&out.Quantity,
		&usdcSpent,
		&out.EntryTime,
		&out.EntryTxRef,
		&status,
		&exitPrice,
		&usdcReceived,
		&pnl,
		&pnlPercent,
		&exitTime,
		&out.ExitTxRef,
	); err != nil {
		return nil, err
	}
	out.Side = domain.Side(side)
	out.Status = domain.PositionStatus(status)
	out.EntryTime = out.EntryTime.UTC()
	out.USDCSpent = float8Ptr(usdcSpent)
	out.ExitPrice = float8Ptr(exitPrice)
	out.USDCReceived = float8Ptr(usdcReceived)
	out.PnL = float8Ptr(pnl)
	out.PnLPercent = float8Ptr(pnlPercent)
	if exitTime.Valid {
		t := exitTime.Time.UTC()
		out.ExitTime = &t
	}
	return &out, nil
}

func float8Ptr(v pgtype.Float8) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
