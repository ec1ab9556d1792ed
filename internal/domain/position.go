package domain

import "time"

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

type Side string

const SideLong Side = "long"

type Position struct {
	ID           int64          `json:"id"`
	Wallet       string         `json:"wallet"`
	Pair         string         `json:"pair"`
	Side         Side           `json:"side"`
	EntryPrice   float64        `json:"entry_price"`
	Quantity     float64        `json:"quantity"`
	USDCSpent    *float64       `json:"usdc_spent,omitempty"`
	EntryTime    time.Time      `json:"entry_time"`
	EntryTxRef   string         `json:"entry_tx_ref,omitempty"`
	Status       PositionStatus `json:"status"`
	ExitPrice    *float64       `json:"exit_price,omitempty"`
	USDCReceived *float64       `json:"usdc_received,omitempty"`
	PnL          *float64       `json:"pnl,omitempty"`
	PnLPercent   *float64       `json:"pnl_percent,omitempty"`
	ExitTime     *time.Time     `json:"exit_time,omitempty"`
	ExitTxRef    string         `json:"exit_tx_ref,omitempty"`
}

// Persisted reports whether the server-assigned id is known.
func (p *Position) Persisted() bool { return p != nil && p.ID > 0 }

func (p *Position) IsOpen() bool { return p != nil && p.Status == PositionOpen }

// Clone returns a deep copy so callers never share pointers with the owner.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.USDCSpent = cloneFloat(p.USDCSpent)
	c.ExitPrice = cloneFloat(p.ExitPrice)
	c.USDCReceived = cloneFloat(p.USDCReceived)
	c.PnL = cloneFloat(p.PnL)
	c.PnLPercent = cloneFloat(p.PnLPercent)
	if p.ExitTime != nil {
		t := *p.ExitTime
		c.ExitTime = &t
	}
	return &c
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	f := *v
	return &f
}

// PositionExit carries everything needed to close a position.
type PositionExit struct {
	ExitPrice    float64
	USDCReceived *float64
	ExitTime     time.Time
	PnL          float64
	PnLPercent   float64
	ExitTxRef    string
}

type WalletState struct {
	Index         int       `json:"index"`
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	LastTradeTime time.Time `json:"last_trade_time"`
	CooldownUntil time.Time `json:"cooldown_until"`
	Position      *Position `json:"position,omitempty"`
	Synced        bool      `json:"synced"`
}

type WalletStats struct {
	Index         int       `json:"index"`
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	HasPosition   bool      `json:"has_position"`
	PositionID    int64     `json:"position_id,omitempty"`
	EntryPrice    float64   `json:"entry_price,omitempty"`
	Quantity      float64   `json:"quantity,omitempty"`
	AgeHours      float64   `json:"age_hours,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until"`
	Synced        bool      `json:"synced"`
}
