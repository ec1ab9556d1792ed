package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"curly-octo-trader/internal/config"
	"curly-octo-trader/internal/domain"
	"curly-octo-trader/internal/ta"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

const snapshotCacheTTL = 90 * time.Second

var ErrNoSnapshot = errors.New("no cached snapshot")

type CandleSource interface {
	RecentCandles(ctx context.Context, pair, interval string, limit int) ([]*domain.Candle, error)
}

type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// SnapshotService builds the per-cycle market view from stored candles and
// keeps the latest one in Redis for readers outside the engine.
type SnapshotService struct {
	tracer  trace.Tracer
	candles CandleSource
	redis   RedisClient
	params  config.TradingParams
	now     func() time.Time
}

func NewSnapshotService(
	tracer trace.Tracer,
	candles CandleSource,
	redisClient RedisClient,
	params config.TradingParams,
) *SnapshotService {
	return &SnapshotService{
		tracer:  tracer,
		candles: candles,
		redis:   redisClient,
		params:  params,
		now:     time.Now,
	}
}

// lookback is how many candles a snapshot needs: enough for the evaluator's
// minimum plus the longest indicator window.
func (s *SnapshotService) lookback() int {
	n := s.params.MinDataPoints
	for _, w := range []int{s.params.SMALongPeriod, s.params.RSISlowPeriod, s.params.VolatilityWindow, s.params.MomentumWindow} {
		if w+1 > n {
			n = w + 1
		}
	}
	if n < 2 {
		n = 2
	}
	return n
}

// Snapshot reads the latest candles and derives indicators. A snapshot with
// fewer prices than the evaluator needs is still returned; the evaluator
// turns it into a Hold.
func (s *SnapshotService) Snapshot(ctx context.Context) (domain.MarketSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "snapshot-service.snapshot")
	defer span.End()

	candles, err := s.candles.RecentCandles(ctx, s.params.Pair, s.params.CandleInterval, s.lookback())
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("load candles for %s: %w", s.params.Pair, err)
	}
	if len(candles) == 0 {
		return domain.MarketSnapshot{}, fmt.Errorf("no %s candles for %s", s.params.CandleInterval, s.params.Pair)
	}

	// Candles come newest first.
	prices := make([]float64, 0, len(candles))
	stamps := make([]time.Time, 0, len(candles))
	for i := len(candles) - 1; i >= 0; i-- {
		c := candles[i]
		if c == nil || c.Close <= 0 {
			continue
		}
		prices = append(prices, c.Close)
		stamps = append(stamps, c.OpenTime)
	}
	if len(prices) == 0 {
		return domain.MarketSnapshot{}, fmt.Errorf("no valid %s prices", s.params.Pair)
	}

	snap := s.build(prices, stamps)
	if s.redis != nil {
		if err := s.setSnapshotCache(ctx, snap); err != nil {
			log.Warn().Err(err).Msg("snapshot cache write failed")
		}
	}
	return snap, nil
}

func (s *SnapshotService) build(prices []float64, stamps []time.Time) domain.MarketSnapshot {
	p := s.params
	return domain.MarketSnapshot{
		Pair:       p.Pair,
		Prices:     prices,
		Timestamps: stamps,
		RSIFast:    ta.RSI(prices, p.RSIFastPeriod),
		RSISlow:    ta.RSI(prices, p.RSISlowPeriod),
		SMAShort:   ta.SMA(prices, p.SMAShortPeriod),
		SMALong:    ta.SMA(prices, p.SMALongPeriod),
		Volatility: ta.Volatility(prices, p.VolatilityWindow),
		Momentum:   ta.Momentum(prices),
		RecentMove: ta.PriceChange(prices, p.MomentumWindow),
		CapturedAt: s.now(),
	}
}

// Cached returns the most recent snapshot written by Snapshot.
func (s *SnapshotService) Cached(ctx context.Context) (*domain.MarketSnapshot, error) {
	_, span := s.tracer.Start(ctx, "snapshot-service.cached")
	defer span.End()

	if s.redis == nil {
		return nil, ErrNoSnapshot
	}
	data, err := s.redis.Get(ctx, s.cacheKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	var snap domain.MarketSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SnapshotService) cacheKey() string {
	return "snapshot:" + s.params.Pair
}

func (s *SnapshotService) setSnapshotCache(ctx context.Context, snap domain.MarketSnapshot) error {
	// Readers only need the indicators and the latest price.
	slim := snap
	slim.Prices = tail(snap.Prices, 1)
	slim.Timestamps = nil
	data, err := json.Marshal(slim)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, s.cacheKey(), data, snapshotCacheTTL).Err()
}

func tail(all []float64, last int) []float64 {
	if len(all) <= last {
		return append([]float64(nil), all...)
	}
	return append([]float64(nil), all[len(all)-last:]...)
}
