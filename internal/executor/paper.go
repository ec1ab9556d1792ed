package executor

import (
	"context"
	"sync"

	"curly-octo-trader/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const dust = 1e-9

type PaperConfig struct {
	StartingUSDC float64
	// Slippage is the simulated fraction the fill moves against us.
	Slippage float64
	// FeeRate is charged on the input side of every fill.
	FeeRate float64
}

// PaperExecutor fills every request at the reference price adjusted for
// slippage and fees, keeping per-wallet balances in memory.
type PaperExecutor struct {
	cfg PaperConfig

	mu       sync.Mutex
	balances map[string]*domain.Balances
}

func NewPaperExecutor(cfg PaperConfig) *PaperExecutor {
	if cfg.StartingUSDC < 0 {
		cfg.StartingUSDC = 0
	}
	return &PaperExecutor{cfg: cfg, balances: make(map[string]*domain.Balances)}
}

func (p *PaperExecutor) Execute(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	const op = "paper-swap"
	if err := validate(op, req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	if req.MaxSlippage > 0 && p.cfg.Slippage > req.MaxSlippage {
		return nil, newError(KindSlippageExceeded, op, "simulated slippage %.4f above max %.4f", p.cfg.Slippage, req.MaxSlippage)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	bal := p.walletLocked(req.Wallet)

	res := &domain.ExecutionResult{
		SpentAmount: req.InputAmount,
		TxReference: "paper-" + uuid.NewString(),
		DryRun:      req.DryRun,
	}
	switch req.Direction {
	case domain.SwapUSDCToSOL:
		if bal.USDC+dust < req.InputAmount {
			return nil, newError(KindInsufficientBalance, op, "usdc balance %.4f below %.4f", bal.USDC, req.InputAmount)
		}
		price := req.ReferencePrice * (1 + p.cfg.Slippage)
		res.Fee = req.InputAmount * p.cfg.FeeRate
		res.ReceivedAmount = (req.InputAmount - res.Fee) / price
		bal.USDC -= req.InputAmount
		bal.SOL += res.ReceivedAmount

	case domain.SwapSOLToUSDC:
		if bal.SOL+dust < req.InputAmount {
			return nil, newError(KindInsufficientBalance, op, "sol balance %.6f below %.6f", bal.SOL, req.InputAmount)
		}
		price := req.ReferencePrice * (1 - p.cfg.Slippage)
		gross := req.InputAmount * price
		res.Fee = gross * p.cfg.FeeRate
		res.ReceivedAmount = gross - res.Fee
		bal.SOL -= req.InputAmount
		if bal.SOL < dust {
			bal.SOL = 0
		}
		bal.USDC += res.ReceivedAmount
	}

	log.Debug().
		Str("wallet", req.Wallet).
		Str("direction", string(req.Direction)).
		Float64("spent", res.SpentAmount).
		Float64("received", res.ReceivedAmount).
		Str("tx", res.TxReference).
		Msg("paper fill")
	return res, nil
}

func (p *PaperExecutor) Balances(ctx context.Context, wallet string) (domain.Balances, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.walletLocked(wallet), nil
}

// Credit seeds a wallet's simulated holdings, used when positions are
// recovered at startup.
func (p *PaperExecutor) Credit(wallet string, usdc, sol float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bal := p.walletLocked(wallet)
	bal.USDC += usdc
	bal.SOL += sol
}

func (p *PaperExecutor) walletLocked(wallet string) *domain.Balances {
	bal, ok := p.balances[wallet]
	if !ok {
		bal = &domain.Balances{USDC: p.cfg.StartingUSDC}
		p.balances[wallet] = bal
	}
	return bal
}
