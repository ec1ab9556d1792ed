package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"curly-octo-trader/internal/domain"
	"curly-octo-trader/internal/executor"
	"curly-octo-trader/internal/learner"
	"curly-octo-trader/internal/metrics"
	"curly-octo-trader/internal/performance"
	"curly-octo-trader/internal/position"
	"curly-octo-trader/internal/strategy"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type SnapshotSource interface {
	Snapshot(ctx context.Context) (domain.MarketSnapshot, error)
}

type Store interface {
	SaveSignal(ctx context.Context, s *domain.SignalRecord) error
	SaveIndicator(ctx context.Context, rec *domain.IndicatorRecord) error
	SaveTradeOutcome(ctx context.Context, o *domain.TradeOutcome) error
}

type Positions interface {
	Wallets() []domain.WalletState
	Ready(ctx context.Context, wallet string) error
	Open(ctx context.Context, wallet string, sig domain.Signal, price float64, fill *domain.ExecutionResult) (*domain.Position, error)
	Close(ctx context.Context, wallet string, req position.CloseRequest) (*position.CloseResult, error)
	InCooldown(wallet string, now time.Time) bool
	OpenCount() int
}

type Learner interface {
	Observe(ctx context.Context, price float64) domain.NeuralPrediction
	Learn(ctx context.Context, o domain.TradeOutcome)
	Stats() learner.Stats
}

type Notifier interface {
	NotifyOpen(ctx context.Context, p *domain.Position, sig domain.Signal)
	NotifyClose(ctx context.Context, p *domain.Position, reason string)
}

type StatusPublisher interface {
	Refresh(ctx context.Context) error
}

type Config struct {
	Pair              string
	MinConfidence     float64
	MinVolatility     float64
	MinProfitTarget   float64
	MinPositionSize   float64
	MaxPositionSize   float64
	PositionSizePct   float64
	SlippageTolerance float64
	MinTradeUSDC      float64
	Exit              strategy.ExitConfig
	SnapshotTimeout   time.Duration
	// PersistTimeout bounds the bookkeeping that follows a fill. It runs
	// detached from the cycle context so a fill is always recorded.
	PersistTimeout time.Duration
	DryRun            bool
	Now               func() time.Time
}

// Deps are the collaborators of an Engine. Notifier and Publisher may be nil.
type Deps struct {
	Source    SnapshotSource
	Evaluator *strategy.Evaluator
	Adapter   *performance.Adapter
	Tracker   *performance.Tracker
	Learner   Learner
	Positions Positions
	Executor  executor.Executor
	Store     Store
	Notifier  Notifier
	Publisher StatusPublisher
}

// Engine runs one decision cycle at a time across all wallets.
type Engine struct {
	tracer trace.Tracer
	cfg    Config
	deps   Deps

	// lastBuy is the wallet index of the most recent buy; only touched by
	// RunCycle, which the runner never calls concurrently.
	lastBuy int
}

func New(tracer trace.Tracer, cfg Config, deps Deps) *Engine {
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 12 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 15 * time.Second
	}
	if cfg.PositionSizePct <= 0 || cfg.PositionSizePct > 1 {
		cfg.PositionSizePct = 0.9
	}
	if cfg.MaxPositionSize <= 0 || cfg.MaxPositionSize > 1 {
		cfg.MaxPositionSize = 0.9
	}
	if cfg.MinPositionSize <= 0 || cfg.MinPositionSize > cfg.MaxPositionSize {
		cfg.MinPositionSize = 0.05
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{tracer: tracer, cfg: cfg, deps: deps, lastBuy: -1}
}

type action int

const (
	actionNone action = iota
	actionBuy
	actionSell
)

type decision struct {
	wallet   domain.WalletState
	signal   domain.Signal
	action   action
	reason   strategy.ExitReason
	rejected string
	executed bool
}

// cycle holds the per-cycle market view shared by every wallet.
type cycle struct {
	snap       domain.MarketSnapshot
	price      float64
	regime     domain.Regime
	strength   float64
	thresholds strategy.Thresholds
	features   performance.Features
	prediction domain.NeuralPrediction
	learner    learner.Stats
	now        time.Time
}

// RunCycle evaluates every wallet against a fresh snapshot, executes at most
// one buy and any number of sells, and records the results. Per-wallet
// failures are joined into the returned error; a snapshot failure aborts the
// cycle before anything is decided.
func (e *Engine) RunCycle(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.run-cycle")
	defer span.End()

	start := e.cfg.Now()
	defer func() { metrics.CycleDuration.Observe(e.cfg.Now().Sub(start).Seconds()) }()

	snapCtx, cancel := context.WithTimeout(ctx, e.cfg.SnapshotTimeout)
	snap, err := e.deps.Source.Snapshot(snapCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if snap.Len() == 0 {
		return errors.New("snapshot: no prices")
	}

	c := cycle{snap: snap, price: snap.LastPrice(), now: start}
	c.regime, c.strength = strategy.ClassifyRegime(snap.Prices, snap.Volatility)
	c.thresholds = strategy.DynamicThresholds(c.regime, snap.Volatility)
	e.persistIndicators(ctx, c)
	c.prediction = e.deps.Learner.Observe(ctx, c.price)
	c.learner = e.deps.Learner.Stats()
	c.features = e.deps.Tracker.Features(snap.RSIFast, snap.Volatility)

	wallets := e.deps.Positions.Wallets()
	decisions := make([]decision, len(wallets))
	var eval errgroup.Group
	for i := range wallets {
		eval.Go(func() error {
			decisions[i] = e.decide(wallets[i], c)
			return nil
		})
	}
	_ = eval.Wait()

	var errs []error
	errs = append(errs, e.runSells(ctx, decisions, c)...)
	if err := e.runBuy(ctx, decisions, c); err != nil {
		errs = append(errs, err)
	}

	recordCtx, cancel := e.afterFill(ctx)
	e.record(recordCtx, decisions, c)
	cancel()
	if e.deps.Publisher != nil {
		if err := e.deps.Publisher.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("status publish failed")
		}
	}

	log.Info().
		Float64("price", c.price).
		Str("regime", string(c.regime)).
		Int("wallets", len(wallets)).
		Int("errors", len(errs)).
		Dur("elapsed", e.cfg.Now().Sub(start)).
		Msg("cycle complete")
	return errors.Join(errs...)
}

// decide is pure apart from the cooldown lookup.
func (e *Engine) decide(ws domain.WalletState, c cycle) decision {
	d := decision{wallet: ws}

	technical := e.deps.Evaluator.Evaluate(c.snap, c.thresholds, ws.Position)
	adjusted := e.deps.Adapter.Adjust(technical, c.features)
	d.signal = merge(adjusted, c.prediction, c.learner, e.cfg.MinPositionSize, e.cfg.MaxPositionSize)
	metrics.Decisions.WithLabelValues(string(d.signal.Kind)).Inc()

	if ws.Position.IsOpen() {
		if reason, ok := strategy.CheckExit(ws.Position, c.snap, e.cfg.Exit, c.now); ok {
			d.action, d.reason = actionSell, reason
			return d
		}
		if d.signal.Kind == domain.SignalSell {
			if d.rejected = e.gate(ws, d.signal, c); d.rejected == "" {
				d.action, d.reason = actionSell, strategy.ExitSignal
			}
		}
		return d
	}

	if d.signal.Kind == domain.SignalBuy {
		if d.rejected = e.gate(ws, d.signal, c); d.rejected == "" {
			d.action = actionBuy
		}
	}
	return d
}

// gate applies the trading policy to a non-protective signal and returns the
// rejection reason, or "" when the signal may trade.
func (e *Engine) gate(ws domain.WalletState, sig domain.Signal, c cycle) string {
	reason := ""
	switch {
	case e.deps.Positions.InCooldown(ws.Address, c.now):
		reason = "cooldown"
	case sig.Kind == domain.SignalBuy && ws.Position != nil:
		reason = "position_open"
	case sig.Confidence < e.cfg.MinConfidence:
		reason = "low_confidence"
	case c.snap.Volatility < e.cfg.MinVolatility:
		reason = "low_volatility"
	case abs(c.snap.RecentMove) < e.cfg.MinProfitTarget:
		reason = "small_move"
	}
	if reason != "" {
		metrics.GateRejections.WithLabelValues(reason).Inc()
	}
	return reason
}

func (e *Engine) runSells(ctx context.Context, decisions []decision, c cycle) []error {
	errs := make([]error, len(decisions))
	var g errgroup.Group
	for i := range decisions {
		if decisions[i].action != actionSell {
			continue
		}
		d := &decisions[i]
		g.Go(func() error {
			errs[i] = e.sell(ctx, d, c)
			return nil
		})
	}
	_ = g.Wait()

	var out []error
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

func (e *Engine) sell(ctx context.Context, d *decision, c cycle) error {
	ctx, span := e.tracer.Start(ctx, "engine.sell")
	defer span.End()

	wallet := d.wallet.Address
	pos := d.wallet.Position
	res, err := e.deps.Executor.Execute(ctx, domain.ExecutionRequest{
		ClientRef:      uuid.NewString(),
		Wallet:         wallet,
		Direction:      domain.SwapSOLToUSDC,
		InputAmount:    pos.Quantity,
		MaxSlippage:    e.cfg.SlippageTolerance,
		ReferencePrice: c.price,
		DryRun:         e.cfg.DryRun,
	})
	if err != nil {
		metrics.Executions.WithLabelValues(string(domain.SwapSOLToUSDC), "error").Inc()
		return fmt.Errorf("sell %s: %w", wallet, err)
	}
	metrics.Executions.WithLabelValues(string(domain.SwapSOLToUSDC), "ok").Inc()

	ctx, cancel := e.afterFill(ctx)
	defer cancel()

	received := res.ReceivedAmount
	closed, err := e.deps.Positions.Close(ctx, wallet, position.CloseRequest{
		ExitPrice:    c.price,
		USDCReceived: &received,
		TxRef:        res.TxReference,
	})
	if err != nil {
		log.Error().Err(err).Str("wallet", wallet).Str("tx", res.TxReference).Msg("sell filled but position not closed")
		return fmt.Errorf("close %s: %w", wallet, err)
	}
	d.executed = true
	metrics.Exits.WithLabelValues(string(d.reason)).Inc()
	if closed.AlreadyClosed {
		return nil
	}

	p := closed.Position
	outcome := domain.TradeOutcome{
		PositionID:    p.ID,
		Wallet:        wallet,
		Pair:          p.Pair,
		MarketRegime:  c.regime,
		TrendStrength: c.strength,
		Volatility:    c.snap.Volatility,
		ClosedAt:      c.now,
	}
	if p.PnL != nil {
		outcome.PnL = *p.PnL
	}
	if p.PnLPercent != nil {
		outcome.PnLPercent = *p.PnLPercent
	}
	if p.ExitTime != nil {
		outcome.ClosedAt = *p.ExitTime
	}
	outcome.Duration = outcome.ClosedAt.Sub(p.EntryTime)
	outcome.Success = outcome.PnL > 0

	e.deps.Tracker.Record(outcome)
	e.deps.Learner.Learn(ctx, outcome)
	if err := e.deps.Store.SaveTradeOutcome(ctx, &outcome); err != nil {
		log.Warn().Err(err).Int64("position_id", p.ID).Msg("trade outcome not persisted")
	}
	if e.deps.Notifier != nil {
		e.deps.Notifier.NotifyClose(ctx, p, string(d.reason))
	}

	log.Info().
		Str("wallet", wallet).
		Int64("position_id", p.ID).
		Str("reason", string(d.reason)).
		Float64("pnl", outcome.PnL).
		Float64("pnl_percent", outcome.PnLPercent).
		Msg("position sold")
	return nil
}

// runBuy executes at most one buy, starting with the wallet after the last
// one that bought and skipping wallets that cannot fund the trade.
func (e *Engine) runBuy(ctx context.Context, decisions []decision, c cycle) error {
	n := len(decisions)
	for k := 1; k <= n; k++ {
		idx := (e.lastBuy + k + n) % n
		d := &decisions[idx]
		if d.action != actionBuy {
			continue
		}

		amount, skip := e.buyAmount(ctx, d)
		if skip != "" {
			d.rejected = skip
			metrics.GateRejections.WithLabelValues(skip).Inc()
			continue
		}
		if err := e.buy(ctx, d, amount, c); err != nil {
			return err
		}
		e.lastBuy = idx
		return nil
	}
	return nil
}

func (e *Engine) buyAmount(ctx context.Context, d *decision) (float64, string) {
	wallet := d.wallet.Address
	if err := e.deps.Positions.Ready(ctx, wallet); err != nil {
		log.Warn().Err(err).Str("wallet", wallet).Msg("wallet not ready for buy")
		return 0, "not_ready"
	}
	bal, err := e.deps.Executor.Balances(ctx, wallet)
	if err != nil {
		log.Warn().Err(err).Str("wallet", wallet).Msg("balance lookup failed")
		return 0, "balance_unavailable"
	}
	amount := bal.USDC * e.cfg.PositionSizePct * d.signal.SuggestedSize
	if amount < e.cfg.MinTradeUSDC || amount <= 0 {
		return 0, "insufficient_usdc"
	}
	return amount, ""
}

func (e *Engine) buy(ctx context.Context, d *decision, amount float64, c cycle) error {
	ctx, span := e.tracer.Start(ctx, "engine.buy")
	defer span.End()

	wallet := d.wallet.Address
	res, err := e.deps.Executor.Execute(ctx, domain.ExecutionRequest{
		ClientRef:      uuid.NewString(),
		Wallet:         wallet,
		Direction:      domain.SwapUSDCToSOL,
		InputAmount:    amount,
		MaxSlippage:    e.cfg.SlippageTolerance,
		ReferencePrice: c.price,
		DryRun:         e.cfg.DryRun,
	})
	if err != nil {
		metrics.Executions.WithLabelValues(string(domain.SwapUSDCToSOL), "error").Inc()
		return fmt.Errorf("buy %s: %w", wallet, err)
	}
	metrics.Executions.WithLabelValues(string(domain.SwapUSDCToSOL), "ok").Inc()

	ctx, cancel := e.afterFill(ctx)
	defer cancel()

	p, err := e.deps.Positions.Open(ctx, wallet, d.signal, c.price, res)
	if err != nil {
		log.Error().Err(err).Str("wallet", wallet).Str("tx", res.TxReference).Msg("buy filled but position not recorded")
		return fmt.Errorf("open %s: %w", wallet, err)
	}
	d.executed = true

	if e.deps.Notifier != nil {
		e.deps.Notifier.NotifyOpen(ctx, p, d.signal)
	}
	log.Info().
		Str("wallet", wallet).
		Int64("position_id", p.ID).
		Float64("usdc", amount).
		Float64("confidence", d.signal.Confidence).
		Float64("size", d.signal.SuggestedSize).
		Msg("position bought")
	return nil
}

// afterFill returns a context that survives cancellation of ctx. Once a
// swap has filled, the position must be written even during shutdown.
func (e *Engine) afterFill(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
}

// record persists every wallet's final signal and refreshes gauges. Failures
// here are logged and never fail the cycle.
func (e *Engine) record(ctx context.Context, decisions []decision, c cycle) {
	for _, d := range decisions {
		rationale := d.signal.Rationale
		if d.action == actionSell && d.reason != strategy.ExitSignal {
			rationale = fmt.Sprintf("exit %s; %s", d.reason, rationale)
		}
		if d.rejected != "" {
			rationale = fmt.Sprintf("%s; rejected: %s", rationale, d.rejected)
		}
		kind := d.signal.Kind
		if d.action == actionSell {
			kind = domain.SignalSell
		}
		rec := &domain.SignalRecord{
			Pair:          e.cfg.Pair,
			Wallet:        d.wallet.Address,
			Kind:          kind,
			Confidence:    d.signal.Confidence,
			SuggestedSize: d.signal.SuggestedSize,
			Rationale:     rationale,
			Regime:        c.regime,
			Price:         c.price,
			Executed:      d.executed,
			CreatedAt:     c.now,
		}
		if err := e.deps.Store.SaveSignal(ctx, rec); err != nil {
			log.Warn().Err(err).Str("wallet", d.wallet.Address).Msg("signal not persisted")
		}
	}

	metrics.OpenPositions.Set(float64(e.deps.Positions.OpenCount()))
	metrics.RealizedPnL.Set(e.deps.Tracker.Summary().RealizedPnL)
	metrics.LearnerAccuracy.Set(e.deps.Learner.Stats().Accuracy)
}

func (e *Engine) persistIndicators(ctx context.Context, c cycle) {
	rec := &domain.IndicatorRecord{
		Pair:       e.cfg.Pair,
		Price:      c.price,
		RSIFast:    c.snap.RSIFast,
		RSISlow:    c.snap.RSISlow,
		SMAShort:   c.snap.SMAShort,
		SMALong:    c.snap.SMALong,
		Volatility: c.snap.Volatility,
		Momentum:   c.snap.Momentum,
		Regime:     c.regime,
		RecordedAt: c.now,
	}
	if err := e.deps.Store.SaveIndicator(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("indicators not persisted")
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
