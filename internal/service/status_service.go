package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"curly-octo-trader/internal/domain"
	"curly-octo-trader/internal/learner"
	"curly-octo-trader/internal/performance"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

const (
	statusKey      = "engine:status"
	statusCacheTTL = 10 * time.Minute
	statusSignals  = 10
)

type WalletSource interface {
	Stats() []domain.WalletStats
}

type PerformanceSource interface {
	Summary() performance.Summary
}

type LearnerSource interface {
	Stats() learner.Stats
}

type RecordSource interface {
	RecentSignals(ctx context.Context, pair string, limit int) ([]domain.SignalRecord, error)
	LatestIndicator(ctx context.Context, pair string) (*domain.IndicatorRecord, error)
}

// Status is the operator view of the engine published after every cycle.
type Status struct {
	Pair           string                  `json:"pair"`
	TradingEnabled bool                    `json:"trading_enabled"`
	Indicators     *domain.IndicatorRecord `json:"indicators,omitempty"`
	Wallets        []domain.WalletStats    `json:"wallets"`
	OpenPositions  int                     `json:"open_positions"`
	Performance    performance.Summary     `json:"performance"`
	Learner        learner.Stats           `json:"learner"`
	RecentSignals  []domain.SignalRecord   `json:"recent_signals"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

type StatusService struct {
	tracer         trace.Tracer
	redis          RedisClient
	wallets        WalletSource
	performance    PerformanceSource
	learner        LearnerSource
	records        RecordSource
	pair           string
	tradingEnabled bool
	now            func() time.Time
}

func NewStatusService(
	tracer trace.Tracer,
	redisClient RedisClient,
	wallets WalletSource,
	perf PerformanceSource,
	lrn LearnerSource,
	records RecordSource,
	pair string,
	tradingEnabled bool,
) *StatusService {
	return &StatusService{
		tracer:         tracer,
		redis:          redisClient,
		wallets:        wallets,
		performance:    perf,
		learner:        lrn,
		records:        records,
		pair:           pair,
		tradingEnabled: tradingEnabled,
		now:            time.Now,
	}
}

// Build assembles a fresh status. Store failures leave the affected section
// empty rather than failing the whole view.
func (s *StatusService) Build(ctx context.Context) *Status {
	ctx, span := s.tracer.Start(ctx, "status-service.build")
	defer span.End()

	st := &Status{
		Pair:           s.pair,
		TradingEnabled: s.tradingEnabled,
		Wallets:        s.wallets.Stats(),
		Performance:    s.performance.Summary(),
		Learner:        s.learner.Stats(),
		UpdatedAt:      s.now(),
	}
	for _, w := range st.Wallets {
		if w.HasPosition {
			st.OpenPositions++
		}
	}

	if s.records != nil {
		ind, err := s.records.LatestIndicator(ctx, s.pair)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Warn().Err(err).Msg("status: latest indicators unavailable")
		}
		st.Indicators = ind

		sigs, err := s.records.RecentSignals(ctx, s.pair, statusSignals)
		if err != nil {
			log.Warn().Err(err).Msg("status: recent signals unavailable")
		}
		st.RecentSignals = sigs
	}
	return st
}

// Refresh builds the status and publishes it to Redis.
func (s *StatusService) Refresh(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "status-service.refresh")
	defer span.End()

	if s.redis == nil {
		return nil
	}
	data, err := json.Marshal(s.Build(ctx))
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, statusKey, data, statusCacheTTL).Err()
}

// Get returns the published status, building a live one on a cache miss.
func (s *StatusService) Get(ctx context.Context) (*Status, error) {
	ctx, span := s.tracer.Start(ctx, "status-service.get")
	defer span.End()

	if s.redis != nil {
		data, err := s.redis.Get(ctx, statusKey).Bytes()
		switch {
		case err == nil:
			var st Status
			if err := json.Unmarshal(data, &st); err == nil {
				return &st, nil
			}
			log.Warn().Msg("status: cached status unreadable, rebuilding")
		case !errors.Is(err, redis.Nil):
			log.Warn().Err(err).Msg("status: redis read failed, rebuilding")
		}
	}
	return s.Build(ctx), nil
}
