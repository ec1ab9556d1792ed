// Package executor turns trade decisions into swaps. The engine only sees
// the Executor interface; PaperExecutor simulates fills in memory and
// BridgeExecutor talks to an external swap bridge over HTTP.
package executor

import (
	"context"
	"errors"
	"fmt"

	"curly-octo-trader/internal/domain"
)

type Executor interface {
	Execute(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionResult, error)
	Balances(ctx context.Context, wallet string) (domain.Balances, error)
}

type Kind string

const (
	KindInsufficientLiquidity Kind = "insufficient_liquidity"
	KindInsufficientBalance   Kind = "insufficient_balance"
	KindSlippageExceeded      Kind = "slippage_exceeded"
	KindNetwork               Kind = "network"
	KindRejected              Kind = "rejected"
)

// Error is the typed failure returned by every executor.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("executor %s: %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("executor %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an executor Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func newError(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func validate(op string, req domain.ExecutionRequest) error {
	if req.Wallet == "" {
		return newError(KindRejected, op, "wallet is required")
	}
	if req.InputAmount <= 0 {
		return newError(KindRejected, op, "input amount must be positive, got %v", req.InputAmount)
	}
	if req.ReferencePrice <= 0 {
		return newError(KindRejected, op, "reference price must be positive, got %v", req.ReferencePrice)
	}
	switch req.Direction {
	case domain.SwapUSDCToSOL, domain.SwapSOLToUSDC:
	default:
		return newError(KindRejected, op, "unknown direction %q", req.Direction)
	}
	return nil
}
