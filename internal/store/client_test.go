package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"curly-octo-trader/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

var testTracer = trace.NewNoopTracerProvider().Tracer("test")

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	return ctx.Err()
}

func newTestClient(repo *fakePositionRepo, clock *fakeClock) *Client {
	return New(testTracer, Repositories{Positions: repo}, nil, Options{
		Attempts: 3,
		Step:     100 * time.Millisecond,
		Sleep:    clock.Sleep,
	})
}

type fakePositionRepo struct {
	mu        sync.Mutex
	findErrs  []error
	findCalls int
	open      map[string]*domain.Position
	rows      map[int64]*domain.Position
	nextID    int64
	createErr []error
	closeErrs []error
	creates   int
	closes    int
}

func newFakePositionRepo() *fakePositionRepo {
	return &fakePositionRepo{open: map[string]*domain.Position{}, rows: map[int64]*domain.Position{}}
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakePositionRepo) CreatePosition(ctx context.Context, p *domain.Position) (*domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if _, ok := f.open[p.Wallet]; ok {
		return nil, &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	}
	f.nextID++
	stored := p.Clone()
	stored.ID = f.nextID
	stored.Status = domain.PositionOpen
	f.open[p.Wallet] = stored
	f.rows[stored.ID] = stored
	if err := popErr(&f.createErr); err != nil {
		// committed, but the reply never arrives
		return nil, err
	}
	return stored.Clone(), nil
}

func (f *fakePositionRepo) FindOpenPosition(ctx context.Context, wallet, pair string) (*domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if err := popErr(&f.findErrs); err != nil {
		return nil, err
	}
	p, ok := f.open[wallet]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return p.Clone(), nil
}

func (f *fakePositionRepo) GetPosition(ctx context.Context, id int64) (*domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return p.Clone(), nil
}

func (f *fakePositionRepo) ClosePosition(ctx context.Context, id int64, exit domain.PositionExit) (*domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if err := popErr(&f.closeErrs); err != nil {
		return nil, err
	}
	p, ok := f.rows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if p.Status == domain.PositionClosed {
		return p.Clone(), domain.ErrPositionClosed
	}
	p.Status = domain.PositionClosed
	price := exit.ExitPrice
	p.ExitPrice = &price
	delete(f.open, p.Wallet)
	return p.Clone(), nil
}

func (f *fakePositionRepo) ListOpenPositionsByWallet(ctx context.Context, wallet string) ([]*domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.open[wallet]; ok {
		return []*domain.Position{p.Clone()}, nil
	}
	return nil, nil
}

func (f *fakePositionRepo) ListOpenPositionsByPair(ctx context.Context, pair string) ([]*domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Position
	for _, p := range f.open {
		if p.Pair == pair {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func TestRetrySucceedsOnLastAttempt(t *testing.T) {
	t.Parallel()

	repo := newFakePositionRepo()
	repo.open["w1"] = &domain.Position{ID: 9, Wallet: "w1", Pair: "SOL/USDC", Status: domain.PositionOpen}
	repo.findErrs = []error{errors.New("connection reset by peer"), errors.New("i/o timeout")}
	clock := &fakeClock{}
	c := newTestClient(repo, clock)

	got, err := c.FindOpenPosition(context.Background(), "w1", "SOL/USDC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != 9 {
		t.Fatalf("expected position 9, got %d", got.ID)
	}
	if repo.findCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", repo.findCalls)
	}
	if len(clock.sleeps) != 2 || clock.sleeps[0] != 100*time.Millisecond || clock.sleeps[1] != 200*time.Millisecond {
		t.Fatalf("expected linear backoff 100ms,200ms, got %v", clock.sleeps)
	}
}

func TestRetryExhaustionPropagates(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	repo := newFakePositionRepo()
	repo.findErrs = []error{cause, cause, cause, cause}
	clock := &fakeClock{}
	c := newTestClient(repo, clock)

	_, err := c.FindOpenPosition(context.Background(), "w1", "SOL/USDC")
	if err == nil {
		t.Fatal("expected error")
	}
	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OpError, got %T", err)
	}
	if opErr.Attempts != 3 || opErr.Op != "find-open-position" || opErr.Target != "w1/SOL/USDC" {
		t.Fatalf("unexpected error context: %+v", opErr)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be wrapped, got %v", err)
	}
	if repo.findCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", repo.findCalls)
	}
	if len(clock.sleeps) != 2 {
		t.Fatalf("expected 2 sleeps, got %v", clock.sleeps)
	}
}

func TestNotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	repo := newFakePositionRepo()
	clock := &fakeClock{}
	c := newTestClient(repo, clock)

	_, err := c.FindOpenPosition(context.Background(), "nobody", "SOL/USDC")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if repo.findCalls != 1 || len(clock.sleeps) != 0 {
		t.Fatalf("expected a single attempt, got %d calls %v sleeps", repo.findCalls, clock.sleeps)
	}
}

func TestServerErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	repo := newFakePositionRepo()
	repo.findErrs = []error{&pgconn.PgError{Code: "42P01", Message: "relation does not exist"}}
	clock := &fakeClock{}
	c := newTestClient(repo, clock)

	if _, err := c.FindOpenPosition(context.Background(), "w1", "SOL/USDC"); err == nil {
		t.Fatal("expected error")
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected one attempt, got %d", repo.findCalls)
	}
}

func TestSerializationFailureIsRetried(t *testing.T) {
	t.Parallel()

	repo := newFakePositionRepo()
	repo.open["w1"] = &domain.Position{ID: 1, Wallet: "w1", Pair: "SOL/USDC", Status: domain.PositionOpen}
	repo.findErrs = []error{&pgconn.PgError{Code: "40001"}}
	c := newTestClient(repo, &fakeClock{})

	if _, err := c.FindOpenPosition(context.Background(), "w1", "SOL/USDC"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.findCalls != 2 {
		t.Fatalf("expected 2 attempts, got %d", repo.findCalls)
	}
}

func TestClosePositionIsIdempotent(t *testing.T) {
	t.Parallel()

	repo := newFakePositionRepo()
	repo.rows[5] = &domain.Position{ID: 5, Wallet: "w1", Pair: "SOL/USDC", Status: domain.PositionOpen}
	repo.open["w1"] = repo.rows[5]
	c := newTestClient(repo, &fakeClock{})

	exit := domain.PositionExit{ExitPrice: 150, ExitTime: time.Now()}
	first, err := c.ClosePosition(context.Background(), 5, exit)
	if err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	second, err := c.ClosePosition(context.Background(), 5, exit)
	if err != nil {
		t.Fatalf("second close should succeed, got %v", err)
	}
	if first.Status != domain.PositionClosed || second.Status != domain.PositionClosed {
		t.Fatalf("expected closed positions, got %s and %s", first.Status, second.Status)
	}
	if *second.ExitPrice != 150 {
		t.Fatalf("expected stored exit price, got %v", *second.ExitPrice)
	}
}

func TestClosePositionRetryAfterCommittedAttempt(t *testing.T) {
	t.Parallel()

	repo := newFakePositionRepo()
	repo.rows[5] = &domain.Position{ID: 5, Wallet: "w1", Pair: "SOL/USDC", Status: domain.PositionOpen}
	repo.open["w1"] = repo.rows[5]
	repo.closeErrs = []error{errors.New("connection reset by peer")}
	c := newTestClient(repo, &fakeClock{})

	got, err := c.ClosePosition(context.Background(), 5, domain.PositionExit{ExitPrice: 1, ExitTime: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != domain.PositionClosed || repo.closes != 2 {
		t.Fatalf("expected closed after 2 attempts, got %s after %d", got.Status, repo.closes)
	}
}

func TestCreatePositionRecoversLostReply(t *testing.T) {
	t.Parallel()

	repo := newFakePositionRepo()
	repo.createErr = []error{errors.New("unexpected EOF")}
	c := newTestClient(repo, &fakeClock{})

	p := &domain.Position{Wallet: "w1", Pair: "SOL/USDC", EntryPrice: 100, Quantity: 1, EntryTxRef: "tx-1"}
	got, err := c.CreatePosition(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != 1 {
		t.Fatalf("expected the committed row, got id %d", got.ID)
	}
	if len(repo.rows) != 1 {
		t.Fatalf("expected exactly one stored position, got %d", len(repo.rows))
	}
}

func TestCreatePositionDuplicateOpenRejected(t *testing.T) {
	t.Parallel()

	repo := newFakePositionRepo()
	repo.open["w1"] = &domain.Position{ID: 3, Wallet: "w1", Pair: "SOL/USDC", Status: domain.PositionOpen, EntryTxRef: "old"}
	c := newTestClient(repo, &fakeClock{})

	_, err := c.CreatePosition(context.Background(), &domain.Position{Wallet: "w1", Pair: "SOL/USDC", EntryTxRef: "new"})
	if !errors.Is(err, domain.ErrPositionOpen) {
		t.Fatalf("expected ErrPositionOpen, got %v", err)
	}
	if repo.creates != 1 {
		t.Fatalf("expected no retry on conflict, got %d creates", repo.creates)
	}
}

func TestRetryStopsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	repo := newFakePositionRepo()
	repo.findErrs = []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout")}
	ctx, cancel := context.WithCancel(context.Background())
	c := New(testTracer, Repositories{Positions: repo}, nil, Options{
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})

	_, err := c.FindOpenPosition(ctx, "w1", "SOL/USDC")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected to stop after first attempt, got %d", repo.findCalls)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestHealth(t *testing.T) {
	t.Parallel()

	if err := New(testTracer, Repositories{}, nil, Options{}).Health(context.Background()); err == nil {
		t.Fatal("expected error without a database")
	}
	if err := New(testTracer, Repositories{}, fakePinger{}, Options{}).Health(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	down := errors.New("down")
	if err := New(testTracer, Repositories{}, fakePinger{err: down}, Options{}).Health(context.Background()); !errors.Is(err, down) {
		t.Fatalf("expected ping error, got %v", err)
	}
}
