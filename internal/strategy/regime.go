package strategy

import (
	"math"

	"curly-octo-trader/internal/domain"
	"curly-octo-trader/internal/ta"
)

const (
	minRegimeSamples    = 50
	volatileAbove       = 0.05
	trendStrengthAbove  = 0.7
	trendRangeAbove     = 0.02
	breakoutBuffer      = 0.005
	referenceVolatility = 0.02
)

// Thresholds are the regime-adjusted RSI and momentum cut-offs.
type Thresholds struct {
	Oversold   float64 `json:"oversold"`
	Overbought float64 `json:"overbought"`
	Momentum   float64 `json:"momentum"`
}

// ClassifyRegime labels the market from trend strength and realized
// volatility. Trend strength compares the average of the second half of the
// window against the first half, relative to the full price range.
func ClassifyRegime(prices []float64, volatility float64) (domain.Regime, float64) {
	if len(prices) < minRegimeSamples {
		return domain.RegimeConsolidating, 0
	}

	half := len(prices) / 2
	first, _ := ta.MeanStd(prices[:half])
	second, _ := ta.MeanStd(prices[half:])

	lo, hi := prices[0], prices[0]
	for _, p := range prices {
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
	}
	var strength, priceRange float64
	if hi > lo {
		strength = ta.Clamp(math.Abs(second-first)/(hi-lo), 0, 1)
	}
	if lo > 0 {
		priceRange = (hi - lo) / lo
	}

	last := prices[len(prices)-1]
	support, resistance := ta.SupportResistance(prices[:len(prices)-1])

	switch {
	case volatility > volatileAbove:
		return domain.RegimeVolatile, strength
	case last > resistance*(1+breakoutBuffer) || last < support*(1-breakoutBuffer):
		return domain.RegimeBreakout, strength
	case strength > trendStrengthAbove && priceRange > trendRangeAbove:
		return domain.RegimeTrending, strength
	default:
		return domain.RegimeConsolidating, strength
	}
}

// DynamicThresholds picks the base thresholds for a regime and scales them
// by how volatile the market is compared to a 2% reference.
func DynamicThresholds(regime domain.Regime, volatility float64) Thresholds {
	var base Thresholds
	switch regime {
	case domain.RegimeTrending:
		base = Thresholds{Oversold: 30, Overbought: 70, Momentum: 0.003}
	case domain.RegimeVolatile:
		base = Thresholds{Oversold: 25, Overbought: 75, Momentum: 0.006}
	case domain.RegimeBreakout:
		base = Thresholds{Oversold: 30, Overbought: 70, Momentum: 0.005}
	default:
		base = Thresholds{Oversold: 40, Overbought: 60, Momentum: 0.002}
	}

	m := ta.Clamp(volatility/referenceVolatility, 0.5, 2)
	return Thresholds{
		Oversold:   ta.Clamp(base.Oversold*(1+(1-m)*0.1), 10, 50),
		Overbought: ta.Clamp(base.Overbought*(1+(m-1)*0.1), 50, 90),
		Momentum:   base.Momentum * m,
	}
}
