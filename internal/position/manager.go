package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"curly-octo-trader/internal/config"
	"curly-octo-trader/internal/domain"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

type Store interface {
	Health(ctx context.Context) error
	CreatePosition(ctx context.Context, p *domain.Position) (*domain.Position, error)
	FindOpenPosition(ctx context.Context, wallet, pair string) (*domain.Position, error)
	ClosePosition(ctx context.Context, id int64, exit domain.PositionExit) (*domain.Position, error)
}

type Config struct {
	Pair     string
	Cooldown time.Duration
	Now      func() time.Time
}

// CloseRequest describes the fill that ended a position.
type CloseRequest struct {
	ExitPrice    float64
	USDCReceived *float64
	TxRef        string
}

// CloseResult carries the stored row. AlreadyClosed is set when the store
// reported the position closed by an earlier call, in which case the caller
// must not record a second outcome.
type CloseResult struct {
	Position      *domain.Position
	AlreadyClosed bool
}

// Manager owns the per-wallet view of open positions and cooldowns. The
// in-memory slot is always checked before the store is touched, so a wallet
// can never be sent two opens for the same pair.
type Manager struct {
	tracer   trace.Tracer
	store    Store
	pair     string
	cooldown time.Duration
	now      func() time.Time

	mu      sync.Mutex
	wallets []*domain.WalletState
	byAddr  map[string]*domain.WalletState
}

func NewManager(tracer trace.Tracer, store Store, wallets []config.Wallet, cfg Config) *Manager {
	if cfg.Pair == "" {
		cfg.Pair = "SOL/USDC"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		tracer:   tracer,
		store:    store,
		pair:     cfg.Pair,
		cooldown: cfg.Cooldown,
		now:      cfg.Now,
		byAddr:   make(map[string]*domain.WalletState, len(wallets)),
	}
	for i, w := range wallets {
		ws := &domain.WalletState{Index: i, Name: w.Name, Address: w.Address}
		m.wallets = append(m.wallets, ws)
		m.byAddr[w.Address] = ws
	}
	return m
}

// Recover rebuilds the open-position slots from the store. It fails only when
// the store is unreachable; a failed lookup for one wallet leaves that wallet
// unsynced so it is checked again before any buy.
func (m *Manager) Recover(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "position-manager.recover")
	defer span.End()

	if err := m.store.Health(ctx); err != nil {
		return fmt.Errorf("recover positions: store unreachable: %w", err)
	}

	var recovered, failed int
	for _, addr := range m.addresses() {
		pos, err := m.lookup(ctx, addr)
		if err != nil {
			failed++
			log.Warn().Err(err).Str("wallet", addr).Msg("position lookup failed during recovery")
			continue
		}
		if pos != nil {
			recovered++
			log.Info().
				Str("wallet", addr).
				Int64("position_id", pos.ID).
				Float64("entry_price", pos.EntryPrice).
				Msg("recovered open position")
		}
	}

	log.Info().Int("wallets", len(m.wallets)).Int("recovered", recovered).Int("unsynced", failed).Msg("position recovery complete")
	return nil
}

// Ready reports whether the wallet may open a position now. Unsynced wallets
// are checked against the store first.
func (m *Manager) Ready(ctx context.Context, wallet string) error {
	ctx, span := m.tracer.Start(ctx, "position-manager.ready")
	defer span.End()

	m.mu.Lock()
	ws, ok := m.byAddr[wallet]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown wallet %q", wallet)
	}
	if ws.Position != nil {
		m.mu.Unlock()
		return fmt.Errorf("wallet %s: %w", wallet, domain.ErrPositionOpen)
	}
	synced := ws.Synced
	m.mu.Unlock()

	if synced {
		return nil
	}
	pos, err := m.lookup(ctx, wallet)
	if err != nil {
		return fmt.Errorf("wallet %s not synced: %w", wallet, err)
	}
	if pos != nil {
		return fmt.Errorf("wallet %s: %w", wallet, domain.ErrPositionOpen)
	}
	return nil
}

// Open records the position created by a filled buy.
func (m *Manager) Open(ctx context.Context, wallet string, sig domain.Signal, price float64, fill *domain.ExecutionResult) (*domain.Position, error) {
	ctx, span := m.tracer.Start(ctx, "position-manager.open")
	defer span.End()

	if fill == nil || fill.ReceivedAmount <= 0 {
		return nil, fmt.Errorf("open %s: fill has no quantity", wallet)
	}

	m.mu.Lock()
	ws, ok := m.byAddr[wallet]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("unknown wallet %q", wallet)
	}
	if ws.Position != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("wallet %s: %w", wallet, domain.ErrPositionOpen)
	}
	m.mu.Unlock()

	entry := price
	if fill.SpentAmount > 0 {
		entry = fill.SpentAmount / fill.ReceivedAmount
	}
	spent := fill.SpentAmount
	now := m.now()
	p := &domain.Position{
		Wallet:     wallet,
		Pair:       m.pair,
		Side:       domain.SideLong,
		EntryPrice: entry,
		Quantity:   fill.ReceivedAmount,
		USDCSpent:  &spent,
		EntryTime:  now,
		EntryTxRef: fill.TxReference,
		Status:     domain.PositionOpen,
	}

	created, err := m.store.CreatePosition(ctx, p)
	if err != nil {
		m.markUnsynced(wallet)
		return nil, fmt.Errorf("open %s: %w", wallet, err)
	}

	m.mu.Lock()
	ws.Position = created.Clone()
	ws.LastTradeTime = now
	ws.CooldownUntil = now.Add(m.cooldown)
	ws.Synced = true
	m.mu.Unlock()

	log.Info().
		Str("wallet", wallet).
		Int64("position_id", created.ID).
		Float64("entry_price", created.EntryPrice).
		Float64("quantity", created.Quantity).
		Float64("confidence", sig.Confidence).
		Msg("position opened")
	return created.Clone(), nil
}

// Close ends the wallet's open position. The cached id is used when known;
// otherwise, or when the store no longer knows that id, the open row is
// looked up by wallet and pair.
func (m *Manager) Close(ctx context.Context, wallet string, req CloseRequest) (*CloseResult, error) {
	ctx, span := m.tracer.Start(ctx, "position-manager.close")
	defer span.End()

	m.mu.Lock()
	ws, ok := m.byAddr[wallet]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("unknown wallet %q", wallet)
	}
	pos := ws.Position.Clone()
	m.mu.Unlock()

	var closed *domain.Position
	var exit domain.PositionExit
	var err error
	if pos.Persisted() {
		exit = m.exitFor(pos, req)
		closed, err = m.store.ClosePosition(ctx, pos.ID, exit)
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn().Str("wallet", wallet).Int64("position_id", pos.ID).Msg("cached position id unknown to store, looking up by wallet")
			pos = nil
		}
	}
	if !pos.Persisted() {
		pos, err = m.store.FindOpenPosition(ctx, wallet, m.pair)
		if errors.Is(err, domain.ErrNotFound) {
			m.clearSlot(wallet, false)
			return nil, fmt.Errorf("close %s: no open position: %w", wallet, domain.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("close %s: %w", wallet, err)
		}
		exit = m.exitFor(pos, req)
		closed, err = m.store.ClosePosition(ctx, pos.ID, exit)
	}
	if err != nil {
		return nil, fmt.Errorf("close %s: %w", wallet, err)
	}

	already := !closedWith(closed, exit)
	m.clearSlot(wallet, true)

	ev := log.Info()
	if already {
		ev = log.Debug()
	}
	ev.Str("wallet", wallet).
		Int64("position_id", closed.ID).
		Bool("already_closed", already).
		Msg("position closed")
	return &CloseResult{Position: closed, AlreadyClosed: already}, nil
}

// exitFor computes realised pnl, in USDC when both legs are known and from
// prices otherwise. PnLPercent is in percent.
func (m *Manager) exitFor(pos *domain.Position, req CloseRequest) domain.PositionExit {
	exit := domain.PositionExit{
		ExitPrice:    req.ExitPrice,
		USDCReceived: req.USDCReceived,
		ExitTime:     m.now().UTC().Truncate(time.Microsecond),
		ExitTxRef:    req.TxRef,
	}
	if pos.USDCSpent != nil && *pos.USDCSpent > 0 && req.USDCReceived != nil {
		exit.PnL = *req.USDCReceived - *pos.USDCSpent
		exit.PnLPercent = exit.PnL / *pos.USDCSpent * 100
		return exit
	}
	if pos.EntryPrice > 0 {
		exit.PnL = (req.ExitPrice - pos.EntryPrice) * pos.Quantity
		exit.PnLPercent = (req.ExitPrice/pos.EntryPrice - 1) * 100
	}
	return exit
}

// closedWith reports whether p carries exactly this exit. The store returns
// an earlier close unchanged, so a mismatch means someone else closed it.
// Exit times are kept at microsecond precision to survive a Postgres round trip.
func closedWith(p *domain.Position, exit domain.PositionExit) bool {
	if p.ExitTxRef != exit.ExitTxRef || p.ExitTime == nil {
		return false
	}
	return p.ExitTime.Equal(exit.ExitTime)
}

func (m *Manager) State(wallet string) (domain.WalletState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.byAddr[wallet]
	if !ok {
		return domain.WalletState{}, false
	}
	return copyState(ws), true
}

func (m *Manager) Wallets() []domain.WalletState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.WalletState, 0, len(m.wallets))
	for _, ws := range m.wallets {
		out = append(out, copyState(ws))
	}
	return out
}

func (m *Manager) Stats() []domain.WalletStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]domain.WalletStats, 0, len(m.wallets))
	for _, ws := range m.wallets {
		s := domain.WalletStats{
			Index:         ws.Index,
			Name:          ws.Name,
			Address:       ws.Address,
			CooldownUntil: ws.CooldownUntil,
			Synced:        ws.Synced,
		}
		if p := ws.Position; p != nil {
			s.HasPosition = true
			s.PositionID = p.ID
			s.EntryPrice = p.EntryPrice
			s.Quantity = p.Quantity
			s.AgeHours = now.Sub(p.EntryTime).Hours()
		}
		out = append(out, s)
	}
	return out
}

func (m *Manager) HasOpen(wallet string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.byAddr[wallet]
	return ok && ws.Position != nil
}

func (m *Manager) InCooldown(wallet string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.byAddr[wallet]
	return ok && now.Before(ws.CooldownUntil)
}

func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for _, ws := range m.wallets {
		if ws.Position != nil {
			n++
		}
	}
	return n
}

// lookup refreshes one wallet's slot from the store. A nil position with a
// nil error means the wallet is flat.
func (m *Manager) lookup(ctx context.Context, wallet string) (*domain.Position, error) {
	pos, err := m.store.FindOpenPosition(ctx, wallet, m.pair)
	if errors.Is(err, domain.ErrNotFound) {
		pos, err = nil, nil
	}
	if err != nil {
		m.markUnsynced(wallet)
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.byAddr[wallet]; ok {
		ws.Position = pos.Clone()
		ws.Synced = true
		if pos != nil && pos.EntryTime.After(ws.LastTradeTime) {
			ws.LastTradeTime = pos.EntryTime
		}
	}
	return pos, nil
}

func (m *Manager) addresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.wallets))
	for _, ws := range m.wallets {
		out = append(out, ws.Address)
	}
	return out
}

func (m *Manager) markUnsynced(wallet string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.byAddr[wallet]; ok {
		ws.Synced = false
	}
}

func (m *Manager) clearSlot(wallet string, traded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.byAddr[wallet]
	if !ok {
		return
	}
	ws.Position = nil
	ws.Synced = true
	if traded {
		now := m.now()
		ws.LastTradeTime = now
		ws.CooldownUntil = now.Add(m.cooldown)
	}
}

func copyState(ws *domain.WalletState) domain.WalletState {
	c := *ws
	c.Position = ws.Position.Clone()
	return c
}
