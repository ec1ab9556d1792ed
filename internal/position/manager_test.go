package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"curly-octo-trader/internal/config"
	"curly-octo-trader/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

var testTracer = trace.NewNoopTracerProvider().Tracer("test")

const pair = "SOL/USDC"

type fakeStore struct {
	mu        sync.Mutex
	healthErr error
	findErr   map[string]error
	positions map[int64]*domain.Position
	nextID    int64

	creates int
	closes  int
	finds   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{positions: make(map[int64]*domain.Position), findErr: make(map[string]error), nextID: 1}
}

func (s *fakeStore) seed(p *domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p.Clone()
	if p.ID >= s.nextID {
		s.nextID = p.ID + 1
	}
}

func (s *fakeStore) Health(ctx context.Context) error { return s.healthErr }

func (s *fakeStore) CreatePosition(ctx context.Context, p *domain.Position) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	for _, existing := range s.positions {
		if existing.Wallet == p.Wallet && existing.Pair == p.Pair && existing.IsOpen() {
			return nil, domain.ErrPositionOpen
		}
	}
	c := p.Clone()
	c.ID = s.nextID
	s.nextID++
	s.positions[c.ID] = c
	return c.Clone(), nil
}

func (s *fakeStore) FindOpenPosition(ctx context.Context, wallet, pair string) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	if err := s.findErr[wallet]; err != nil {
		return nil, err
	}
	for _, p := range s.positions {
		if p.Wallet == wallet && p.Pair == pair && p.IsOpen() {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("find-open-position %s: %w", wallet, domain.ErrNotFound)
}

func (s *fakeStore) ClosePosition(ctx context.Context, id int64, exit domain.PositionExit) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("close-position %d: %w", id, domain.ErrNotFound)
	}
	if p.IsOpen() {
		p.Status = domain.PositionClosed
		p.ExitPrice = &exit.ExitPrice
		p.USDCReceived = exit.USDCReceived
		p.PnL = &exit.PnL
		p.PnLPercent = &exit.PnLPercent
		t := exit.ExitTime
		p.ExitTime = &t
		p.ExitTxRef = exit.ExitTxRef
	}
	return p.Clone(), nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newManager(store Store, clk *clock, wallets ...string) *Manager {
	ws := make([]config.Wallet, 0, len(wallets))
	for _, w := range wallets {
		ws = append(ws, config.Wallet{Name: w, Address: w})
	}
	return NewManager(testTracer, store, ws, Config{Pair: pair, Cooldown: 5 * time.Minute, Now: clk.Now})
}

func fill(spent, received float64) *domain.ExecutionResult {
	return &domain.ExecutionResult{SpentAmount: spent, ReceivedAmount: received, TxReference: "tx-buy"}
}

func openPosition(id int64, wallet string, spent float64) *domain.Position {
	return &domain.Position{
		ID:         id,
		Wallet:     wallet,
		Pair:       pair,
		Side:       domain.SideLong,
		EntryPrice: 100,
		Quantity:   2,
		USDCSpent:  &spent,
		EntryTime:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:     domain.PositionOpen,
	}
}

func TestRecoverBlocksLaterBuy(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.seed(openPosition(7, "w1", 200))
	clk := &clock{now: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}
	m := newManager(store, clk, "w1", "w2")

	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.HasOpen("w1") || m.HasOpen("w2") {
		t.Fatalf("unexpected slots: %+v", m.Stats())
	}

	if err := m.Ready(context.Background(), "w1"); !errors.Is(err, domain.ErrPositionOpen) {
		t.Fatalf("expected ErrPositionOpen from Ready, got %v", err)
	}
	_, err := m.Open(context.Background(), "w1", domain.Signal{Kind: domain.SignalBuy}, 100, fill(100, 1))
	if !errors.Is(err, domain.ErrPositionOpen) {
		t.Fatalf("expected ErrPositionOpen, got %v", err)
	}
	if store.creates != 0 {
		t.Fatalf("expected no store call, got %d creates", store.creates)
	}

	stats := m.Stats()
	if stats[0].PositionID != 7 || stats[0].AgeHours != 24 {
		t.Fatalf("unexpected stats: %+v", stats[0])
	}
}

func TestRecoverFailsWhenStoreUnreachable(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.healthErr = errors.New("connection refused")
	m := newManager(store, &clock{now: time.Now()}, "w1")

	if err := m.Recover(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
	if store.finds != 0 {
		t.Fatalf("expected no lookups, got %d", store.finds)
	}
}

func TestRecoverMarksFailedWalletUnsynced(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.findErr["w2"] = errors.New("timeout")
	m := newManager(store, &clock{now: time.Now()}, "w1", "w2")

	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, _ := m.State("w2")
	if st.Synced {
		t.Fatal("expected w2 to be unsynced")
	}
	if err := m.Ready(context.Background(), "w2"); err == nil {
		t.Fatal("expected Ready to fail while the store lookup fails")
	}

	store.mu.Lock()
	delete(store.findErr, "w2")
	store.mu.Unlock()
	store.seed(openPosition(3, "w2", 150))

	if err := m.Ready(context.Background(), "w2"); !errors.Is(err, domain.ErrPositionOpen) {
		t.Fatalf("expected resync to find the open position, got %v", err)
	}
	if !m.HasOpen("w2") {
		t.Fatal("expected the resynced position to be cached")
	}
}

func TestOpenCachesIDAndRejectsSecondOpen(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	m := newManager(store, &clock{now: time.Now()}, "w1")

	p, err := m.Open(context.Background(), "w1", domain.Signal{Kind: domain.SignalBuy, Confidence: 0.6}, 100, fill(200, 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID == 0 || p.EntryPrice != 100 || p.Quantity != 2 || p.EntryTxRef != "tx-buy" {
		t.Fatalf("unexpected position: %+v", p)
	}
	st, _ := m.State("w1")
	if st.Position == nil || st.Position.ID != p.ID {
		t.Fatalf("expected id %d cached, got %+v", p.ID, st.Position)
	}

	_, err = m.Open(context.Background(), "w1", domain.Signal{Kind: domain.SignalBuy}, 100, fill(200, 2))
	if !errors.Is(err, domain.ErrPositionOpen) {
		t.Fatalf("expected ErrPositionOpen, got %v", err)
	}
	if store.creates != 1 {
		t.Fatalf("expected a single create, got %d", store.creates)
	}
}

func TestStateReturnsCopies(t *testing.T) {
	t.Parallel()

	m := newManager(newFakeStore(), &clock{now: time.Now()}, "w1")
	if _, err := m.Open(context.Background(), "w1", domain.Signal{}, 100, fill(100, 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ := m.State("w1")
	st.Position.Quantity = 999
	*st.Position.USDCSpent = 0

	again, _ := m.State("w1")
	if again.Position.Quantity != 1 || *again.Position.USDCSpent != 100 {
		t.Fatalf("expected internal state untouched, got %+v", again.Position)
	}
}

func TestCloseUsesUSDCPnLAndStartsCooldown(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	clk := &clock{now: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	m := newManager(store, clk, "w1")
	if _, err := m.Open(context.Background(), "w1", domain.Signal{}, 100, fill(200, 2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	received := 210.0
	res, err := m.Close(context.Background(), "w1", CloseRequest{ExitPrice: 104, USDCReceived: &received, TxRef: "tx-sell"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AlreadyClosed {
		t.Fatal("expected a fresh close")
	}
	if res.Position.PnL == nil || *res.Position.PnL != 10 {
		t.Fatalf("expected usdc pnl 10, got %v", res.Position.PnL)
	}
	if math.Abs(*res.Position.PnLPercent-5) > 1e-9 {
		t.Fatalf("expected 5%%, got %v", *res.Position.PnLPercent)
	}
	if m.HasOpen("w1") {
		t.Fatal("expected the slot to be cleared")
	}
	if !m.InCooldown("w1", clk.now.Add(time.Minute)) {
		t.Fatal("expected cooldown after close")
	}
	if m.InCooldown("w1", clk.now.Add(6*time.Minute)) {
		t.Fatal("expected cooldown to expire")
	}
}

func TestClosePriceBasedPnLWithoutUSDC(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	p := openPosition(4, "w1", 0)
	p.USDCSpent = nil
	store.seed(p)
	m := newManager(store, &clock{now: time.Now()}, "w1")
	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.Close(context.Background(), "w1", CloseRequest{ExitPrice: 90, TxRef: "tx-sell"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *res.Position.PnL != -20 || math.Abs(*res.Position.PnLPercent+10) > 1e-9 {
		t.Fatalf("expected -20 / -10%%, got %v / %v", *res.Position.PnL, *res.Position.PnLPercent)
	}
}

func TestCloseUnknownIDFallsBackToLookup(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	m := newManager(store, &clock{now: time.Now()}, "w1")
	if _, err := m.Open(context.Background(), "w1", domain.Signal{}, 100, fill(200, 2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The row was rewritten under a new id behind our back.
	store.mu.Lock()
	old := store.positions[1]
	delete(store.positions, 1)
	old.ID = 42
	store.positions[42] = old
	store.mu.Unlock()

	res, err := m.Close(context.Background(), "w1", CloseRequest{ExitPrice: 101, TxRef: "tx-sell"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Position.ID != 42 || res.Position.IsOpen() {
		t.Fatalf("expected position 42 closed, got %+v", res.Position)
	}
	if store.finds != 1 || store.closes != 2 {
		t.Fatalf("expected one lookup and two close attempts, got %d/%d", store.finds, store.closes)
	}
}

func TestCloseNothingOpenIsNotFound(t *testing.T) {
	t.Parallel()

	m := newManager(newFakeStore(), &clock{now: time.Now()}, "w1")
	_, err := m.Close(context.Background(), "w1", CloseRequest{ExitPrice: 100})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if errors.Is(err, domain.ErrPositionClosed) {
		t.Fatal("not found must be distinct from already closed")
	}
}

func TestCloseAlreadyClosedIsSuccess(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	m := newManager(store, &clock{now: time.Now()}, "w1")
	if _, err := m.Open(context.Background(), "w1", domain.Signal{}, 100, fill(200, 2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Another process closes the row first.
	if _, err := store.ClosePosition(context.Background(), 1, domain.PositionExit{ExitPrice: 99, ExitTxRef: "tx-other"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.Close(context.Background(), "w1", CloseRequest{ExitPrice: 105, TxRef: "tx-mine"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.AlreadyClosed {
		t.Fatal("expected AlreadyClosed")
	}
	if *res.Position.ExitPrice != 99 {
		t.Fatalf("expected the stored exit to win, got %v", *res.Position.ExitPrice)
	}
	if m.HasOpen("w1") {
		t.Fatal("expected the slot to be cleared")
	}
}

func TestCloseAlreadyClosedWithoutTxRefs(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	clk := &clock{now: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	m := newManager(store, clk, "w1")
	if _, err := m.Open(context.Background(), "w1", domain.Signal{}, 100, fill(200, 2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A manual close recorded no tx reference either.
	earlier := clk.now.Add(-time.Minute)
	if _, err := store.ClosePosition(context.Background(), 1, domain.PositionExit{ExitPrice: 99, ExitTime: earlier}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.Close(context.Background(), "w1", CloseRequest{ExitPrice: 105})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.AlreadyClosed {
		t.Fatal("expected AlreadyClosed")
	}
	if !res.Position.ExitTime.Equal(earlier) {
		t.Fatalf("expected the stored exit time, got %v", res.Position.ExitTime)
	}
}

func TestCloseRetriedAfterLostResponseIsFresh(t *testing.T) {
	t.Parallel()

	store := &replayCloseStore{fakeStore: newFakeStore()}
	clk := &clock{now: time.Date(2026, 2, 1, 10, 0, 0, 123456789, time.UTC)}
	m := newManager(store, clk, "w1")
	if _, err := m.Open(context.Background(), "w1", domain.Signal{}, 100, fill(200, 2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.Close(context.Background(), "w1", CloseRequest{ExitPrice: 105})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AlreadyClosed {
		t.Fatal("expected our own close to be recognised")
	}
	if res.Position.ExitTime.Nanosecond()%1000 != 0 {
		t.Fatalf("expected a microsecond exit time, got %v", res.Position.ExitTime)
	}
}

func TestOpenStartsCooldown(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	m := newManager(newFakeStore(), clk, "w1")
	if _, err := m.Open(context.Background(), "w1", domain.Signal{}, 100, fill(200, 2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ := m.State("w1")
	if !st.CooldownUntil.Equal(clk.now.Add(5 * time.Minute)) {
		t.Fatalf("expected cooldown until %v, got %v", clk.now.Add(5*time.Minute), st.CooldownUntil)
	}
	if !m.InCooldown("w1", clk.now.Add(time.Second)) {
		t.Fatal("expected cooldown right after a buy")
	}
	if m.InCooldown("w1", clk.now.Add(6*time.Minute)) {
		t.Fatal("expected cooldown to expire")
	}
}

func TestOpenStoreFailureMarksUnsynced(t *testing.T) {
	t.Parallel()

	store := &failingCreateStore{fakeStore: newFakeStore()}
	m := newManager(store, &clock{now: time.Now()}, "w1")

	if _, err := m.Open(context.Background(), "w1", domain.Signal{}, 100, fill(100, 1)); err == nil {
		t.Fatal("expected an error")
	}
	st, _ := m.State("w1")
	if st.Synced || st.Position != nil {
		t.Fatalf("expected an unsynced empty slot, got %+v", st)
	}
}

type failingCreateStore struct {
	*fakeStore
}

func (s *failingCreateStore) CreatePosition(ctx context.Context, p *domain.Position) (*domain.Position, error) {
	return nil, errors.New("db down")
}

// replayCloseStore applies the close and then answers as though the row had
// already been closed, as a retry after a lost response sees it.
type replayCloseStore struct {
	*fakeStore
}

func (s *replayCloseStore) ClosePosition(ctx context.Context, id int64, exit domain.PositionExit) (*domain.Position, error) {
	if _, err := s.fakeStore.ClosePosition(ctx, id, exit); err != nil {
		return nil, err
	}
	return s.fakeStore.ClosePosition(ctx, id, exit)
}
