package strategy

import (
	"fmt"
	"strings"

	"curly-octo-trader/internal/domain"
	"curly-octo-trader/internal/ta"
)

// Rule identifies one technical rule. Rules are evaluated in ruleOrder and
// each adds at most its MaxWeight to the signal's confidence.
type Rule int

const (
	RuleRSIExtreme Rule = iota
	RuleTrendConfirmation
	RuleRSIDivergence
	RuleVolatilityBreakout
	RuleMeanReversion
	RuleMomentumConfirmation
)

var ruleOrder = []Rule{
	RuleRSIExtreme,
	RuleTrendConfirmation,
	RuleRSIDivergence,
	RuleVolatilityBreakout,
	RuleMeanReversion,
	RuleMomentumConfirmation,
}

func (r Rule) String() string {
	switch r {
	case RuleRSIExtreme:
		return "rsi_extreme"
	case RuleTrendConfirmation:
		return "trend_confirmation"
	case RuleRSIDivergence:
		return "rsi_divergence"
	case RuleVolatilityBreakout:
		return "volatility_breakout"
	case RuleMeanReversion:
		return "mean_reversion"
	case RuleMomentumConfirmation:
		return "momentum_confirmation"
	}
	return "unknown"
}

func (r Rule) MaxWeight() float64 {
	switch r {
	case RuleRSIExtreme:
		return 0.5
	case RuleTrendConfirmation:
		return 0.3
	case RuleRSIDivergence:
		return 0.25
	case RuleVolatilityBreakout:
		return 0.15
	case RuleMeanReversion:
		return 0.2
	case RuleMomentumConfirmation:
		return 0.1
	}
	return 0
}

const (
	neutralRSILow      = 40
	neutralRSIHigh     = 60
	minDivergenceGap   = 5
	fullDivergenceGap  = 20
	meanReversionBands = 2
)

type Config struct {
	MinDataPoints   int
	ConfidenceFloor float64
	// BandPeriod is the window of the mean-reversion band, normally the long SMA period.
	BandPeriod int
}

// Evaluator turns a market snapshot into a technical signal. It holds no
// mutable state.
type Evaluator struct {
	cfg Config
}

func NewEvaluator(cfg Config) *Evaluator {
	if cfg.MinDataPoints <= 0 {
		cfg.MinDataPoints = 200
	}
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = 0.35
	}
	if cfg.BandPeriod <= 0 {
		cfg.BandPeriod = 50
	}
	return &Evaluator{cfg: cfg}
}

type direction int

const (
	bullish direction = iota
	bearish
)

// Evaluate scores the bullish rules for a flat wallet and the bearish rules
// for a wallet holding open. The pair is spot and long-only, so a flat wallet
// never gets a Sell and a holding wallet never gets a Buy.
func (e *Evaluator) Evaluate(snap domain.MarketSnapshot, th Thresholds, open *domain.Position) domain.Signal {
	if snap.Len() < e.cfg.MinDataPoints {
		return domain.HoldSignal(fmt.Sprintf("insufficient history: %d of %d prices", snap.Len(), e.cfg.MinDataPoints))
	}

	regime, _ := ClassifyRegime(snap.Prices, snap.Volatility)
	dir := bullish
	if open.IsOpen() {
		dir = bearish
	}

	var contributions []domain.RuleContribution
	var total float64
	for _, rule := range ruleOrder {
		w := ta.Clamp(e.score(rule, dir, snap, th), 0, rule.MaxWeight())
		if w <= 0 {
			continue
		}
		contributions = append(contributions, domain.RuleContribution{Rule: rule.String(), Weight: w})
		total += w
	}
	confidence := ta.Clamp(total, 0, 1)

	sig := domain.Signal{
		Kind:          domain.SignalHold,
		Confidence:    confidence,
		Regime:        regime,
		Contributions: contributions,
	}
	if confidence >= e.cfg.ConfidenceFloor {
		if dir == bullish {
			sig.Kind = domain.SignalBuy
		} else {
			sig.Kind = domain.SignalSell
		}
	}
	sig.Rationale = rationale(sig, snap, th)
	return sig
}

func (e *Evaluator) score(rule Rule, dir direction, snap domain.MarketSnapshot, th Thresholds) float64 {
	price := snap.LastPrice()
	switch rule {
	case RuleRSIExtreme:
		if dir == bullish && snap.RSIFast < th.Oversold {
			return rule.MaxWeight()
		}
		if dir == bearish && snap.RSIFast > th.Overbought {
			return rule.MaxWeight()
		}

	case RuleTrendConfirmation:
		if snap.RSIFast < neutralRSILow || snap.RSIFast > neutralRSIHigh {
			return 0
		}
		if dir == bullish && price > snap.SMAShort && snap.SMAShort >= snap.SMALong {
			return rule.MaxWeight()
		}
		if dir == bearish && price < snap.SMAShort && snap.SMAShort <= snap.SMALong {
			return rule.MaxWeight()
		}

	case RuleRSIDivergence:
		gap := snap.RSIFast - snap.RSISlow
		if dir == bearish {
			gap = -gap
		}
		slowOnWrongSide := (dir == bullish && snap.RSISlow >= 50) || (dir == bearish && snap.RSISlow <= 50)
		if gap < minDivergenceGap || slowOnWrongSide {
			return 0
		}
		return rule.MaxWeight() * ta.Clamp(gap/fullDivergenceGap, 0, 1)

	case RuleVolatilityBreakout:
		if snap.Len() < 3 {
			return 0
		}
		support, resistance := ta.SupportResistance(snap.Prices[:snap.Len()-1])
		if dir == bullish && price > resistance*(1+breakoutBuffer) && snap.Momentum > th.Momentum {
			return rule.MaxWeight()
		}
		if dir == bearish && price < support*(1-breakoutBuffer) && snap.Momentum < -th.Momentum {
			return rule.MaxWeight()
		}

	case RuleMeanReversion:
		_, upper, lower := ta.Bollinger(snap.Prices, e.cfg.BandPeriod, meanReversionBands)
		if upper == lower {
			return 0
		}
		if dir == bullish && price < lower {
			return rule.MaxWeight()
		}
		if dir == bearish && price > upper {
			return rule.MaxWeight()
		}

	case RuleMomentumConfirmation:
		if dir == bullish && snap.Momentum > th.Momentum {
			return rule.MaxWeight()
		}
		if dir == bearish && snap.Momentum < -th.Momentum {
			return rule.MaxWeight()
		}
	}
	return 0
}

func rationale(sig domain.Signal, snap domain.MarketSnapshot, th Thresholds) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s regime, rsi %.1f/%.1f (os %.1f ob %.1f), momentum %.4f",
		sig.Regime, snap.RSIFast, snap.RSISlow, th.Oversold, th.Overbought, snap.Momentum)
	if len(sig.Contributions) == 0 {
		b.WriteString(", no rules fired")
		return b.String()
	}
	names := make([]string, 0, len(sig.Contributions))
	for _, c := range sig.Contributions {
		names = append(names, fmt.Sprintf("%s+%.2f", c.Rule, c.Weight))
	}
	fmt.Fprintf(&b, ", rules: %s", strings.Join(names, " "))
	return b.String()
}
