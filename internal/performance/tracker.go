package performance

import (
	"sync"

	"curly-octo-trader/internal/domain"
)

const (
	historyCapacity = 50
	winRateWindow   = 10
	smoothingBelow  = 3
)

// Features is the performance view the adapter consumes.
type Features struct {
	WinRate           float64 `json:"win_rate"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	Volatility        float64 `json:"volatility"`
	RSI               float64 `json:"rsi"`
	Trades            int     `json:"trades"`
}

// Summary is the operator view of realised performance.
type Summary struct {
	Trades            int     `json:"trades"`
	WinRate           float64 `json:"win_rate"`
	RealizedPnL       float64 `json:"realized_pnl"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
}

// Tracker keeps a bounded history of closed trades. Safe for concurrent use.
type Tracker struct {
	mu                sync.RWMutex
	history           []domain.TradeOutcome
	consecutiveLosses int
	realizedPnL       float64
	total             int
}

func NewTracker() *Tracker {
	return &Tracker{history: make([]domain.TradeOutcome, 0, historyCapacity)}
}

// Record appends an outcome, evicting the oldest beyond capacity.
func (t *Tracker) Record(o domain.TradeOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = append(t.history, o)
	if len(t.history) > historyCapacity {
		t.history = append(t.history[:0], t.history[len(t.history)-historyCapacity:]...)
	}
	if o.Success {
		t.consecutiveLosses = 0
	} else {
		t.consecutiveLosses++
	}
	t.realizedPnL += o.PnL
	t.total++
}

// Seed replays outcomes loaded at startup, oldest first.
func (t *Tracker) Seed(outcomes []domain.TradeOutcome) {
	for _, o := range outcomes {
		t.Record(o)
	}
}

func (t *Tracker) Features(rsi, volatility float64) Features {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Features{
		WinRate:           t.winRateLocked(),
		ConsecutiveLosses: t.consecutiveLosses,
		Volatility:        volatility,
		RSI:               rsi,
		Trades:            len(t.history),
	}
}

func (t *Tracker) Summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Summary{
		Trades:            t.total,
		WinRate:           t.winRateLocked(),
		RealizedPnL:       t.realizedPnL,
		ConsecutiveLosses: t.consecutiveLosses,
	}
}

// winRateLocked uses the last ten trades and pulls small samples toward 0.5.
func (t *Tracker) winRateLocked() float64 {
	if len(t.history) == 0 {
		return 0.5
	}
	recent := t.history
	if len(recent) > winRateWindow {
		recent = recent[len(recent)-winRateWindow:]
	}
	var wins int
	for _, o := range recent {
		if o.Success {
			wins++
		}
	}
	wr := float64(wins) / float64(len(recent))
	if len(recent) < smoothingBelow {
		return 0.4 + wr*0.2
	}
	return wr
}
