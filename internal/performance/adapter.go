package performance

import (
	"curly-octo-trader/internal/domain"
	"curly-octo-trader/internal/ta"
)

type Config struct {
	MinPositionSize   float64
	MaxPositionSize   float64
	VolatilityCeiling float64
}

// Adapter nudges signal confidence and size from recent trading results.
type Adapter struct {
	cfg Config
}

func NewAdapter(cfg Config) *Adapter {
	if cfg.MaxPositionSize <= 0 || cfg.MaxPositionSize > 1 {
		cfg.MaxPositionSize = 0.9
	}
	if cfg.MinPositionSize <= 0 || cfg.MinPositionSize > cfg.MaxPositionSize {
		cfg.MinPositionSize = 0.05
	}
	if cfg.VolatilityCeiling <= 0 {
		cfg.VolatilityCeiling = 0.08
	}
	return &Adapter{cfg: cfg}
}

// Adjust returns a copy of sig with confidence and suggested size rescaled.
// The kind is never changed except that an invalid signal becomes Hold.
func (a *Adapter) Adjust(sig domain.Signal, f Features) domain.Signal {
	if err := sig.Validate(); err != nil {
		return domain.HoldSignal("rejected: " + err.Error())
	}

	out := sig
	out.Confidence = ta.Clamp(sig.Confidence+confidenceDelta(f), 0, 1)
	out.SuggestedSize = a.size(f)
	return out
}

func confidenceDelta(f Features) float64 {
	var d float64
	switch {
	case f.WinRate > 0.7:
		d += 0.05
	case f.WinRate > 0.6:
		d += 0.03
	case f.WinRate < 0.3:
		d -= 0.05
	case f.WinRate < 0.4:
		d -= 0.03
	}
	switch {
	case f.ConsecutiveLosses > 3:
		d -= 0.1
	case f.ConsecutiveLosses > 2:
		d -= 0.05
	}
	switch {
	case f.Volatility > 0.15:
		d -= 0.08
	case f.Volatility > 0.1:
		d -= 0.05
	}
	return d
}

func (a *Adapter) size(f Features) float64 {
	size := a.cfg.MaxPositionSize
	switch {
	case f.ConsecutiveLosses > 4:
		size *= 0.3
	case f.ConsecutiveLosses > 2:
		size *= 0.5
	}
	if f.Volatility > a.cfg.VolatilityCeiling {
		size *= 0.6
	}
	if f.WinRate < 0.4 {
		size *= 0.7
	}
	return ta.Clamp(size, a.cfg.MinPositionSize, a.cfg.MaxPositionSize)
}
