package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"curly-octo-trader/internal/domain"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

type PositionRepository interface {
	CreatePosition(ctx context.Context, p *domain.Position) (*domain.Position, error)
	FindOpenPosition(ctx context.Context, wallet, pair string) (*domain.Position, error)
	GetPosition(ctx context.Context, id int64) (*domain.Position, error)
	ClosePosition(ctx context.Context, id int64, exit domain.PositionExit) (*domain.Position, error)
	ListOpenPositionsByWallet(ctx context.Context, wallet string) ([]*domain.Position, error)
	ListOpenPositionsByPair(ctx context.Context, pair string) ([]*domain.Position, error)
}

type SignalRepository interface {
	SaveSignal(ctx context.Context, s *domain.SignalRecord) (int64, error)
	RecentSignals(ctx context.Context, pair string, limit int) ([]domain.SignalRecord, error)
}

type IndicatorRepository interface {
	SaveIndicator(ctx context.Context, rec *domain.IndicatorRecord) (int64, error)
	LatestIndicator(ctx context.Context, pair string) (*domain.IndicatorRecord, error)
}

type OutcomeRepository interface {
	SaveTradeOutcome(ctx context.Context, o *domain.TradeOutcome) error
	RecentTradeOutcomes(ctx context.Context, pair string, limit int) ([]domain.TradeOutcome, error)
}

type ConfigRepository interface {
	SaveTradingConfig(ctx context.Context, name string, params []byte) error
	LoadTradingConfig(ctx context.Context, name string) (*domain.TradingConfig, error)
}

type CandleRepository interface {
	RecentCandles(ctx context.Context, pair, interval string, limit int) ([]*domain.Candle, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Repositories struct {
	Positions  PositionRepository
	Signals    SignalRepository
	Indicators IndicatorRepository
	Outcomes   OutcomeRepository
	Configs    ConfigRepository
	Candles    CandleRepository
}

type Options struct {
	Attempts      int
	Step          time.Duration
	CallTimeout   time.Duration
	HealthTimeout time.Duration
	// Sleep waits between attempts; tests replace it with a fake clock.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Client wraps every persistence operation with per-call timeouts and a
// bounded linear retry.
type Client struct {
	tracer        trace.Tracer
	repos         Repositories
	pinger        Pinger
	attempts      int
	step          time.Duration
	callTimeout   time.Duration
	healthTimeout time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
	now           func() time.Time
}

func New(tracer trace.Tracer, repos Repositories, pinger Pinger, opts Options) *Client {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Step <= 0 {
		opts.Step = 100 * time.Millisecond
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 12 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 800 * time.Millisecond
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		tracer:        tracer,
		repos:         repos,
		pinger:        pinger,
		attempts:      opts.Attempts,
		step:          opts.Step,
		callTimeout:   opts.CallTimeout,
		healthTimeout: opts.HealthTimeout,
		sleep:         opts.Sleep,
		now:           opts.Now,
	}
}

// Health is a single liveness probe; it is not retried.
func (c *Client) Health(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "store.health")
	defer span.End()

	if c.pinger == nil {
		return errors.New("store: no database configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()
	return c.pinger.Ping(ctx)
}

func (c *Client) CreatePosition(ctx context.Context, p *domain.Position) (*domain.Position, error) {
	ctx, span := c.tracer.Start(ctx, "store.create-position")
	defer span.End()

	var out *domain.Position
	tries := 0
	err := c.retry(ctx, "create-position", p.Wallet+"/"+p.Pair, func(ctx context.Context) error {
		tries++
		created, err := c.repos.Positions.CreatePosition(ctx, p)
		if err == nil {
			out = created
			return nil
		}
		err = translate(err)
		if tries > 1 && errors.Is(err, domain.ErrPositionOpen) {
			// An earlier attempt may have committed before its reply was lost.
			existing, ferr := c.repos.Positions.FindOpenPosition(ctx, p.Wallet, p.Pair)
			if ferr == nil && existing.EntryTxRef == p.EntryTxRef {
				out = existing
				return nil
			}
		}
		return err
	})
	return out, err
}

// FindOpenPosition returns an error wrapping domain.ErrNotFound when the
// wallet holds nothing.
func (c *Client) FindOpenPosition(ctx context.Context, wallet, pair string) (*domain.Position, error) {
	ctx, span := c.tracer.Start(ctx, "store.find-open-position")
	defer span.End()

	var out *domain.Position
	err := c.retry(ctx, "find-open-position", wallet+"/"+pair, func(ctx context.Context) error {
		p, err := c.repos.Positions.FindOpenPosition(ctx, wallet, pair)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (c *Client) GetPosition(ctx context.Context, id int64) (*domain.Position, error) {
	ctx, span := c.tracer.Start(ctx, "store.get-position")
	defer span.End()

	var out *domain.Position
	err := c.retry(ctx, "get-position", positionTarget(id), func(ctx context.Context) error {
		p, err := c.repos.Positions.GetPosition(ctx, id)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// ClosePosition is idempotent: a position that is already closed comes back
// as success with its stored exit fields.
func (c *Client) ClosePosition(ctx context.Context, id int64, exit domain.PositionExit) (*domain.Position, error) {
	ctx, span := c.tracer.Start(ctx, "store.close-position")
	defer span.End()

	var out *domain.Position
	err := c.retry(ctx, "close-position", positionTarget(id), func(ctx context.Context) error {
		p, err := c.repos.Positions.ClosePosition(ctx, id, exit)
		if errors.Is(err, domain.ErrPositionClosed) && p != nil {
			log.Debug().Str("op", "close-position").Int64("position_id", id).Msg("position already closed, treating as success")
			out = p
			return nil
		}
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (c *Client) ListOpenPositionsByWallet(ctx context.Context, wallet string) ([]*domain.Position, error) {
	ctx, span := c.tracer.Start(ctx, "store.list-open-by-wallet")
	defer span.End()

	var out []*domain.Position
	err := c.retry(ctx, "list-open-by-wallet", wallet, func(ctx context.Context) error {
		ps, err := c.repos.Positions.ListOpenPositionsByWallet(ctx, wallet)
		out = ps
		return err
	})
	return out, err
}

func (c *Client) ListOpenPositionsByPair(ctx context.Context, pair string) ([]*domain.Position, error) {
	ctx, span := c.tracer.Start(ctx, "store.list-open-by-pair")
	defer span.End()

	var out []*domain.Position
	err := c.retry(ctx, "list-open-by-pair", pair, func(ctx context.Context) error {
		ps, err := c.repos.Positions.ListOpenPositionsByPair(ctx, pair)
		out = ps
		return err
	})
	return out, err
}

func (c *Client) SaveSignal(ctx context.Context, s *domain.SignalRecord) error {
	ctx, span := c.tracer.Start(ctx, "store.save-signal")
	defer span.End()

	return c.retry(ctx, "save-signal", s.Wallet+"/"+s.Pair, func(ctx context.Context) error {
		id, err := c.repos.Signals.SaveSignal(ctx, s)
		if err != nil {
			return err
		}
		s.ID = id
		return nil
	})
}

func (c *Client) RecentSignals(ctx context.Context, pair string, limit int) ([]domain.SignalRecord, error) {
	ctx, span := c.tracer.Start(ctx, "store.recent-signals")
	defer span.End()

	var out []domain.SignalRecord
	err := c.retry(ctx, "recent-signals", pair, func(ctx context.Context) error {
		ss, err := c.repos.Signals.RecentSignals(ctx, pair, limit)
		out = ss
		return err
	})
	return out, err
}

func (c *Client) SaveIndicator(ctx context.Context, rec *domain.IndicatorRecord) error {
	ctx, span := c.tracer.Start(ctx, "store.save-indicator")
	defer span.End()

	return c.retry(ctx, "save-indicator", rec.Pair, func(ctx context.Context) error {
		id, err := c.repos.Indicators.SaveIndicator(ctx, rec)
		if err != nil {
			return err
		}
		rec.ID = id
		return nil
	})
}

func (c *Client) LatestIndicator(ctx context.Context, pair string) (*domain.IndicatorRecord, error) {
	ctx, span := c.tracer.Start(ctx, "store.latest-indicator")
	defer span.End()

	var out *domain.IndicatorRecord
	err := c.retry(ctx, "latest-indicator", pair, func(ctx context.Context) error {
		rec, err := c.repos.Indicators.LatestIndicator(ctx, pair)
		out = rec
		return err
	})
	return out, err
}

func (c *Client) SaveTradeOutcome(ctx context.Context, o *domain.TradeOutcome) error {
	ctx, span := c.tracer.Start(ctx, "store.save-trade-outcome")
	defer span.End()

	return c.retry(ctx, "save-trade-outcome", positionTarget(o.PositionID), func(ctx context.Context) error {
		return c.repos.Outcomes.SaveTradeOutcome(ctx, o)
	})
}

func (c *Client) RecentTradeOutcomes(ctx context.Context, pair string, limit int) ([]domain.TradeOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "store.recent-trade-outcomes")
	defer span.End()

	var out []domain.TradeOutcome
	err := c.retry(ctx, "recent-trade-outcomes", pair, func(ctx context.Context) error {
		outcomes, err := c.repos.Outcomes.RecentTradeOutcomes(ctx, pair, limit)
		out = outcomes
		return err
	})
	return out, err
}

func (c *Client) SaveTradingConfig(ctx context.Context, name string, params []byte) error {
	ctx, span := c.tracer.Start(ctx, "store.save-trading-config")
	defer span.End()

	return c.retry(ctx, "save-trading-config", name, func(ctx context.Context) error {
		return c.repos.Configs.SaveTradingConfig(ctx, name, params)
	})
}

func (c *Client) LoadTradingConfig(ctx context.Context, name string) (*domain.TradingConfig, error) {
	ctx, span := c.tracer.Start(ctx, "store.load-trading-config")
	defer span.End()

	var out *domain.TradingConfig
	err := c.retry(ctx, "load-trading-config", name, func(ctx context.Context) error {
		tc, err := c.repos.Configs.LoadTradingConfig(ctx, name)
		out = tc
		return err
	})
	return out, err
}

func (c *Client) RecentCandles(ctx context.Context, pair, interval string, limit int) ([]*domain.Candle, error) {
	ctx, span := c.tracer.Start(ctx, "store.recent-candles")
	defer span.End()

	var out []*domain.Candle
	err := c.retry(ctx, "recent-candles", pair+"@"+interval, func(ctx context.Context) error {
		cs, err := c.repos.Candles.RecentCandles(ctx, pair, interval, limit)
		out = cs
		return err
	})
	return out, err
}

func positionTarget(id int64) string {
	return "position/" + strconv.FormatInt(id, 10)
}
