package strategy

import (
	"time"

	"curly-octo-trader/internal/domain"
	"curly-octo-trader/internal/ta"
)

type ExitReason string

const (
	ExitSignal        ExitReason = "signal"
	ExitStopLoss      ExitReason = "stop_loss"
	ExitTakeProfit    ExitReason = "take_profit"
	ExitMomentumDecay ExitReason = "momentum_decay"
	ExitRSIDivergence ExitReason = "rsi_divergence"
)

type ExitConfig struct {
	StopLoss   float64
	TakeProfit float64
	MinHold    time.Duration
}

const (
	decayWindow       = 5
	decayRatio        = 0.7
	divergenceRSILow  = 60
	divergenceRSIHigh = 70
	divergenceMinPnL  = 0.003
)

// CheckExit reports whether an open position should be closed regardless of
// the technical signal. Stop loss applies at any age; the profit-taking
// exits wait for MinHold.
func CheckExit(pos *domain.Position, snap domain.MarketSnapshot, cfg ExitConfig, now time.Time) (ExitReason, bool) {
	if !pos.IsOpen() || pos.EntryPrice <= 0 || snap.Len() == 0 {
		return "", false
	}
	pnl := snap.LastPrice()/pos.EntryPrice - 1

	if cfg.StopLoss > 0 && pnl <= -cfg.StopLoss {
		return ExitStopLoss, true
	}
	if now.Sub(pos.EntryTime) < cfg.MinHold {
		return "", false
	}
	if cfg.TakeProfit > 0 && pnl >= cfg.TakeProfit {
		return ExitTakeProfit, true
	}
	if pnl > 0 && momentumDecaying(snap.Prices) {
		return ExitMomentumDecay, true
	}
	if snap.RSIFast >= divergenceRSILow && snap.RSIFast <= divergenceRSIHigh &&
		snap.Momentum < 0 && pnl > divergenceMinPnL {
		return ExitRSIDivergence, true
	}
	return "", false
}

// momentumDecaying compares the mean of the last five returns against the
// five before them.
func momentumDecaying(prices []float64) bool {
	if len(prices) < 2*decayWindow+1 {
		return false
	}
	returns := ta.Returns(prices[len(prices)-2*decayWindow-1:])
	earlier, _ := ta.MeanStd(returns[:decayWindow])
	recent, _ := ta.MeanStd(returns[decayWindow:])
	return earlier > 0 && recent < earlier*decayRatio
}
