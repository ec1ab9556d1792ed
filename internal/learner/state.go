package learner

import (
	"context"
	"encoding/json"
	"errors"

	"curly-octo-trader/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// state is everything the learner needs to resume after a restart.
type state struct {
	Prices            []float64                   `json:"prices"`
	Hidden            []float64                   `json:"hidden"`
	Weights           Weights                     `json:"weights"`
	Memory            []domain.PatternMemoryEntry `json:"memory"`
	LearningRate      float64                     `json:"learning_rate"`
	Predictions       int                         `json:"predictions"`
	Outcomes          int                         `json:"outcomes"`
	Correct           int                         `json:"correct"`
	Recent            []bool                      `json:"recent"`
	ConsecutiveLosses int                         `json:"consecutive_losses"`
	LastFeatures      []float64                   `json:"last_features"`
}

func newState(lr float64) state {
	return state{
		Hidden:       make([]float64, hiddenSize),
		Weights:      defaultWeights(),
		LearningRate: lr,
	}
}

// Restore loads a saved snapshot. A missing or unreadable snapshot leaves the
// learner fresh.
func (l *Learner) Restore(ctx context.Context) {
	_, span := l.tracer.Start(ctx, "learner.restore")
	defer span.End()

	if l.redis == nil {
		return
	}
	data, err := l.redis.Get(ctx, l.cfg.StateKey).Bytes()
	if errors.Is(err, redis.Nil) {
		log.Info().Str("key", l.cfg.StateKey).Msg("no learner state saved, starting fresh")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("key", l.cfg.StateKey).Msg("learner state read failed")
		return
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		log.Warn().Err(err).Str("key", l.cfg.StateKey).Msg("learner state unreadable, starting fresh")
		return
	}
	if len(st.Hidden) != hiddenSize || st.LearningRate <= 0 || !finite(st.Weights.Momentum, st.Weights.RSI, st.Weights.Volatility) {
		log.Warn().Str("key", l.cfg.StateKey).Msg("learner state invalid, starting fresh")
		return
	}
	if len(st.Prices) > l.cfg.SequenceLength {
		st.Prices = st.Prices[len(st.Prices)-l.cfg.SequenceLength:]
	}
	if len(st.Memory) > l.cfg.MemorySize {
		st.Memory = st.Memory[len(st.Memory)-l.cfg.MemorySize:]
	}

	l.mu.Lock()
	l.st = st
	l.mu.Unlock()
	log.Info().
		Int("outcomes", st.Outcomes).
		Int("memory", len(st.Memory)).
		Msg("learner state restored")
}

func (l *Learner) Save(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saveLocked(ctx)
}

func (l *Learner) saveLocked(ctx context.Context) {
	l.sinceSave = 0
	if l.redis == nil {
		return
	}
	data, err := json.Marshal(l.st)
	if err != nil {
		log.Warn().Err(err).Msg("learner state encode failed")
		return
	}
	if err := l.redis.Set(ctx, l.cfg.StateKey, data, 0).Err(); err != nil {
		log.Warn().Err(err).Str("key", l.cfg.StateKey).Msg("learner state save failed")
	}
}
