package domain

import "time"

// Candle is one OHLCV bar for the traded pair. Candles are written by the
// ingestion side and only read here to build market snapshots.
type Candle struct {
	Pair     string    `json:"pair"`
	Interval string    `json:"interval"`
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// MarketSnapshot is the read-only market view for one cycle.
// Prices are ordered oldest first.
type MarketSnapshot struct {
	Pair       string      `json:"pair"`
	Prices     []float64   `json:"prices"`
	Timestamps []time.Time `json:"timestamps,omitempty"`
	RSIFast    float64     `json:"rsi_fast"`
	RSISlow    float64     `json:"rsi_slow"`
	SMAShort   float64     `json:"sma_short"`
	SMALong    float64     `json:"sma_long"`
	Volatility float64     `json:"volatility"`
	Momentum   float64     `json:"momentum"`
	RecentMove float64     `json:"recent_move"`
	CapturedAt time.Time   `json:"captured_at"`
}

func (s MarketSnapshot) Len() int { return len(s.Prices) }

// LastPrice returns the most recent price, or 0 for an empty snapshot.
func (s MarketSnapshot) LastPrice() float64 {
	if len(s.Prices) == 0 {
		return 0
	}
	return s.Prices[len(s.Prices)-1]
}

// IndicatorRecord is the persisted form of a snapshot's derived indicators.
type IndicatorRecord struct {
	ID         int64     `json:"id"`
	Pair       string    `json:"pair"`
	Price      float64   `json:"price"`
	RSIFast    float64   `json:"rsi_fast"`
	RSISlow    float64   `json:"rsi_slow"`
	SMAShort   float64   `json:"sma_short"`
	SMALong    float64   `json:"sma_long"`
	Volatility float64   `json:"volatility"`
	Momentum   float64   `json:"momentum"`
	Regime     Regime    `json:"regime"`
	RecordedAt time.Time `json:"recorded_at"`
}
