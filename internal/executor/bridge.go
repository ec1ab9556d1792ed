package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"curly-octo-trader/internal/domain"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

type BridgeConfig struct {
	BaseURL        string
	RequestsPerSec int
	Timeout        time.Duration
	// BalanceRetries bounds retries of the idempotent balance read. Swaps are
	// never retried here; the engine decides on the next cycle.
	BalanceRetries uint64
	DryRun         bool
}

// BridgeExecutor submits swaps to an HTTP bridge that signs and sends the
// on-chain transaction.
type BridgeExecutor struct {
	tracer  trace.Tracer
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	cfg     BridgeConfig
}

func NewBridgeExecutor(tracer trace.Tracer, cfg BridgeConfig) *BridgeExecutor {
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BalanceRetries == 0 {
		cfg.BalanceRetries = 2
	}
	return &BridgeExecutor{
		tracer:  tracer,
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.BaseURL,
		limiter: rate.NewLimiter(rate.Every(time.Second/time.Duration(cfg.RequestsPerSec)), cfg.RequestsPerSec),
		cfg:     cfg,
	}
}

type swapRequest struct {
	ClientRef      string  `json:"client_ref"`
	Wallet         string  `json:"wallet"`
	Direction      string  `json:"direction"`
	InputAmount    float64 `json:"input_amount"`
	MaxSlippage    float64 `json:"max_slippage"`
	ReferencePrice float64 `json:"reference_price"`
	DryRun         bool    `json:"dry_run"`
}

type bridgeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (b *BridgeExecutor) Execute(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	ctx, span := b.tracer.Start(ctx, "bridge-executor.execute")
	defer span.End()

	const op = "swap"
	if err := validate(op, req); err != nil {
		return nil, err
	}
	if req.ClientRef == "" {
		req.ClientRef = uuid.NewString()
	}

	body, err := json.Marshal(swapRequest{
		ClientRef:      req.ClientRef,
		Wallet:         req.Wallet,
		Direction:      string(req.Direction),
		InputAmount:    req.InputAmount,
		MaxSlippage:    req.MaxSlippage,
		ReferencePrice: req.ReferencePrice,
		DryRun:         req.DryRun || b.cfg.DryRun,
	})
	if err != nil {
		return nil, &Error{Kind: KindRejected, Op: op, Err: err}
	}

	data, err := b.do(ctx, op, http.MethodPost, "/swap", body)
	if err != nil {
		return nil, err
	}

	var res domain.ExecutionResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, &Error{Kind: KindNetwork, Op: op, Err: fmt.Errorf("decode swap response: %w", err)}
	}
	if res.ReceivedAmount <= 0 && !res.DryRun {
		return nil, newError(KindRejected, op, "bridge reported an empty fill for %s", req.ClientRef)
	}
	return &res, nil
}

func (b *BridgeExecutor) Balances(ctx context.Context, wallet string) (domain.Balances, error) {
	ctx, span := b.tracer.Start(ctx, "bridge-executor.balances")
	defer span.End()

	const op = "balances"
	var out domain.Balances
	operation := func() error {
		data, err := b.do(ctx, op, http.MethodGet, "/balances/"+url.PathEscape(wallet), nil)
		if err != nil {
			if !IsKind(err, KindNetwork) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return backoff.Permanent(&Error{Kind: KindNetwork, Op: op, Err: fmt.Errorf("decode balances: %w", err)})
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), b.cfg.BalanceRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return domain.Balances{}, err
	}
	return out, nil
}

func (b *BridgeExecutor) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindNetwork, Op: op, Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Kind: KindRejected, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode == http.StatusOK {
		return data, nil
	}
	return nil, statusError(op, resp.StatusCode, data)
}

// statusError maps a non-200 bridge reply onto an executor Error. Bridge
// error codes win over the HTTP status.
func statusError(op string, status int, body []byte) *Error {
	var be bridgeError
	_ = json.Unmarshal(body, &be)
	msg := be.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	e := &Error{Op: op, StatusCode: status, Err: errors.New(msg)}

	switch Kind(be.Code) {
	case KindInsufficientLiquidity, KindInsufficientBalance, KindSlippageExceeded, KindRejected, KindNetwork:
		e.Kind = Kind(be.Code)
		return e
	}
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		e.Kind = KindNetwork
	default:
		e.Kind = KindRejected
	}
	return e
}
