package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrPositionClosed = errors.New("position already closed")
	ErrPositionOpen   = errors.New("position already open")
	ErrInvalidSignal  = errors.New("invalid signal")
)

type SignalKind string

const (
	SignalBuy  SignalKind = "buy"
	SignalSell SignalKind = "sell"
	SignalHold SignalKind = "hold"
)

func (k SignalKind) IsValid() bool {
	switch k {
	case SignalBuy, SignalSell, SignalHold:
		return true
	}
	return false
}

type Regime string

const (
	RegimeTrending      Regime = "trending"
	RegimeConsolidating Regime = "consolidating"
	RegimeVolatile      Regime = "volatile"
	RegimeBreakout      Regime = "breakout"
)

// RuleContribution records how much a single technical rule added to a
// signal's confidence.
type RuleContribution struct {
	Rule   string  `json:"rule"`
	Weight float64 `json:"weight"`
}

type Signal struct {
	Kind          SignalKind         `json:"kind"`
	Confidence    float64            `json:"confidence"`
	Rationale     string             `json:"rationale"`
	SuggestedSize float64            `json:"suggested_size"`
	Regime        Regime             `json:"regime,omitempty"`
	Contributions []RuleContribution `json:"contributions,omitempty"`
}

// HoldSignal returns a zero-confidence Hold with the given rationale.
func HoldSignal(rationale string) Signal {
	return Signal{Kind: SignalHold, Rationale: rationale}
}

// Validate reports whether the signal's fields are in range.
func (s Signal) Validate() error {
	if !s.Kind.IsValid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidSignal, s.Kind)
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v", ErrInvalidSignal, s.Confidence)
	}
	if math.IsNaN(s.SuggestedSize) || s.SuggestedSize < 0 || s.SuggestedSize > 1 {
		return fmt.Errorf("%w: suggested size %v", ErrInvalidSignal, s.SuggestedSize)
	}
	return nil
}

// SignalRecord is the audit row written for every evaluated wallet each cycle.
type SignalRecord struct {
	ID            int64      `json:"id"`
	Pair          string     `json:"pair"`
	Wallet        string     `json:"wallet"`
	Kind          SignalKind `json:"kind"`
	Confidence    float64    `json:"confidence"`
	SuggestedSize float64    `json:"suggested_size"`
	Rationale     string     `json:"rationale"`
	Regime        Regime     `json:"regime"`
	Price         float64    `json:"price"`
	Executed      bool       `json:"executed"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TradeOutcome is appended once per closed position and never mutated.
type TradeOutcome struct {
	PositionID    int64         `json:"position_id"`
	Wallet        string        `json:"wallet"`
	Pair          string        `json:"pair"`
	PnL           float64       `json:"pnl"`
	PnLPercent    float64       `json:"pnl_percent"`
	Duration      time.Duration `json:"duration"`
	MarketRegime  Regime        `json:"market_regime"`
	TrendStrength float64       `json:"trend_strength"`
	Volatility    float64       `json:"volatility"`
	Success       bool          `json:"success"`
	ClosedAt      time.Time     `json:"closed_at"`
}

type PatternMemoryEntry struct {
	Features []float64 `json:"features"`
	Outcome  float64   `json:"outcome"`
	Success  bool      `json:"success"`
}

type NeuralPrediction struct {
	Direction          float64 `json:"direction"`
	VolatilityForecast float64 `json:"volatility_forecast"`
	Regime             Regime  `json:"regime"`
	OptimalSize        float64 `json:"optimal_size"`
	RiskLevel          float64 `json:"risk_level"`
	PatternConfidence  float64 `json:"pattern_confidence"`
	Neutral            bool    `json:"neutral"`
}

// NeutralPrediction is what the learner reports when it has nothing useful
// to say: no direction, medium risk.
func NeutralPrediction() NeuralPrediction {
	return NeuralPrediction{
		Regime:            RegimeConsolidating,
		OptimalSize:       0.1,
		RiskLevel:         0.5,
		PatternConfidence: 0.5,
		Neutral:           true,
	}
}

// TradingConfig is a named parameter blob kept in the persistence tier.
type TradingConfig struct {
	Name      string    `json:"name"`
	Params    []byte    `json:"params"`
	UpdatedAt time.Time `json:"updated_at"`
}
