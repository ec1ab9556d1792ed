package learner

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"curly-octo-trader/internal/domain"
	"curly-octo-trader/internal/ta"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

const (
	hiddenSize      = 10
	laggedReturns   = 5
	nearestPatterns = 5
	persistEvery    = 10
	accuracyWindow  = 10
	minPrices       = 3

	hiddenDecay       = 0.8
	hiddenInput       = 0.2
	hiddenOutput      = 0.2
	momentumScale     = 50
	volatilityScale   = 20
	minWeight         = 0.1
	maxWeight         = 1.0
	learningRateDecay = 0.995
	minLearningRate   = 0.001

	defaultStateKey = "learner:state"
)

// feature positions inside a feature vector
const (
	featMomentum = iota
	featRSI
	featVolatility
	featSMARatio
	featDeviation
	featLagStart
)

type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

type Config struct {
	LearningRate   float64
	SequenceLength int
	MemorySize     int
	StateKey       string
}

type Weights struct {
	Momentum   float64 `json:"momentum"`
	RSI        float64 `json:"rsi"`
	Volatility float64 `json:"volatility"`
}

func defaultWeights() Weights {
	return Weights{Momentum: 0.3, RSI: 0.4, Volatility: 0.3}
}

type Stats struct {
	Predictions  int                     `json:"predictions"`
	Outcomes     int                     `json:"outcomes"`
	Correct      int                     `json:"correct"`
	Accuracy     float64                 `json:"accuracy"`
	LearningRate float64                 `json:"learning_rate"`
	Weights      Weights                 `json:"weights"`
	MemorySize   int                     `json:"memory_size"`
	Last         domain.NeuralPrediction `json:"last_prediction"`
}

// Learner is a small online model fed one price per cycle and one outcome
// per closed trade. It never returns errors to callers: anything that goes
// wrong degrades to a neutral prediction.
type Learner struct {
	tracer trace.Tracer
	redis  RedisClient
	cfg    Config

	mu        sync.Mutex
	st        state
	last      domain.NeuralPrediction
	sinceSave int
}

func New(tracer trace.Tracer, redisClient RedisClient, cfg Config) *Learner {
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.01
	}
	if cfg.SequenceLength < minPrices {
		cfg.SequenceLength = 20
	}
	if cfg.MemorySize <= 0 {
		cfg.MemorySize = 1000
	}
	if cfg.StateKey == "" {
		cfg.StateKey = defaultStateKey
	}
	return &Learner{
		tracer: tracer,
		redis:  redisClient,
		cfg:    cfg,
		st:     newState(cfg.LearningRate),
		last:   domain.NeutralPrediction(),
	}
}

// Observe appends a price and returns the prediction for the next cycle.
func (l *Learner) Observe(ctx context.Context, price float64) (pred domain.NeuralPrediction) {
	_, span := l.tracer.Start(ctx, "learner.observe")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("learner prediction failed, using neutral")
			pred = domain.NeutralPrediction()
			l.last = pred
		}
	}()

	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		log.Warn().Float64("price", price).Msg("learner ignoring invalid price")
		return l.last
	}

	l.st.Prices = append(l.st.Prices, price)
	if len(l.st.Prices) > l.cfg.SequenceLength {
		l.st.Prices = append(l.st.Prices[:0], l.st.Prices[len(l.st.Prices)-l.cfg.SequenceLength:]...)
	}

	pred = l.predictLocked()
	l.last = pred
	l.st.Predictions++

	l.sinceSave++
	if l.sinceSave >= persistEvery {
		l.saveLocked(ctx)
	}
	return pred
}

// Learn updates weights and pattern memory from a realised trade.
func (l *Learner) Learn(ctx context.Context, o domain.TradeOutcome) {
	_, span := l.tracer.Start(ctx, "learner.learn")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int64("position_id", o.PositionID).Msg("learner update failed")
		}
	}()

	features := l.st.LastFeatures
	if len(features) == 0 {
		features = make([]float64, featLagStart+laggedReturns)
	}

	delta := l.st.LearningRate
	if !o.Success {
		delta = -0.5 * l.st.LearningRate
	}
	w := &l.st.Weights
	w.Momentum = ta.Clamp(w.Momentum+delta*math.Abs(features[featMomentum]), minWeight, maxWeight)
	w.RSI = ta.Clamp(w.RSI+delta*math.Abs(features[featRSI]), minWeight, maxWeight)
	w.Volatility = ta.Clamp(w.Volatility+delta*math.Abs(features[featVolatility]), minWeight, maxWeight)

	correct := (l.last.Direction >= 0) == o.Success
	l.st.Outcomes++
	if correct {
		l.st.Correct++
	}
	l.st.Recent = append(l.st.Recent, correct)
	if len(l.st.Recent) > accuracyWindow {
		l.st.Recent = l.st.Recent[len(l.st.Recent)-accuracyWindow:]
	}
	if o.Success {
		l.st.ConsecutiveLosses = 0
	} else {
		l.st.ConsecutiveLosses++
	}

	l.tuneLearningRateLocked()

	l.st.Memory = append(l.st.Memory, domain.PatternMemoryEntry{
		Features: append([]float64(nil), features...),
		Outcome:  o.PnLPercent,
		Success:  o.Success,
	})
	if len(l.st.Memory) > l.cfg.MemorySize {
		l.st.Memory = append(l.st.Memory[:0], l.st.Memory[len(l.st.Memory)-l.cfg.MemorySize:]...)
	}

	l.saveLocked(ctx)
}

func (l *Learner) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		Predictions:  l.st.Predictions,
		Outcomes:     l.st.Outcomes,
		Correct:      l.st.Correct,
		LearningRate: l.st.LearningRate,
		Weights:      l.st.Weights,
		MemorySize:   len(l.st.Memory),
		Last:         l.last,
	}
	if l.st.Outcomes > 0 {
		s.Accuracy = float64(l.st.Correct) / float64(l.st.Outcomes)
	}
	return s
}

// tuneLearningRateLocked decays the rate and speeds it back up when recent
// predictions have been mostly wrong.
func (l *Learner) tuneLearningRateLocked() {
	lr := l.st.LearningRate * learningRateDecay
	if len(l.st.Recent) >= accuracyWindow {
		var hits int
		for _, ok := range l.st.Recent {
			if ok {
				hits++
			}
		}
		acc := float64(hits) / float64(len(l.st.Recent))
		switch {
		case acc < 0.4:
			lr *= 1.1
		case acc > 0.7:
			lr *= 0.9
		}
	}
	l.st.LearningRate = ta.Clamp(lr, minLearningRate, l.cfg.LearningRate*2)
}

func (l *Learner) predictLocked() domain.NeuralPrediction {
	prices := l.st.Prices
	if len(prices) < minPrices {
		return domain.NeutralPrediction()
	}

	f := extractFeatures(prices)
	for i := range l.st.Hidden {
		l.st.Hidden[i] = l.st.Hidden[i]*hiddenDecay + f[i%len(f)]*hiddenInput
	}
	l.st.LastFeatures = f

	hiddenMean, _ := ta.MeanStd(l.st.Hidden)
	w := l.st.Weights
	direction := math.Tanh(
		w.Momentum*f[featMomentum]*momentumScale +
			w.RSI*(0.5-f[featRSI])*2 -
			w.Volatility*f[featVolatility]*volatilityScale +
			hiddenOutput*hiddenMean,
	)

	returns := ta.Returns(prices)
	var sq float64
	for _, r := range returns {
		sq += r * r
	}
	volForecast := math.Sqrt(sq / float64(len(returns)))

	regime := classify(f, volForecast)
	patternConfidence := l.patternConfidenceLocked(f)
	risk := riskLevel(volForecast, l.st.ConsecutiveLosses, regime)

	kelly := 2*patternConfidence - 1
	size := ta.Clamp(kelly/2*(1-risk), 0.1, 1)

	pred := domain.NeuralPrediction{
		Direction:          ta.Clamp(direction, -1, 1),
		VolatilityForecast: volForecast,
		Regime:             regime,
		OptimalSize:        size,
		RiskLevel:          risk,
		PatternConfidence:  patternConfidence,
	}
	if !finite(pred.Direction, pred.VolatilityForecast, pred.OptimalSize, pred.RiskLevel, pred.PatternConfidence) {
		return domain.NeutralPrediction()
	}
	return pred
}

// patternConfidenceLocked is the similarity-weighted success rate of the
// nearest remembered trades.
func (l *Learner) patternConfidenceLocked(f []float64) float64 {
	if len(l.st.Memory) == 0 {
		return 0.5
	}
	type match struct {
		sim     float64
		success bool
	}
	matches := make([]match, 0, len(l.st.Memory))
	for _, m := range l.st.Memory {
		matches = append(matches, match{sim: similarity(f, m.Features), success: m.Success})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].sim > matches[j].sim })
	if len(matches) > nearestPatterns {
		matches = matches[:nearestPatterns]
	}

	var weighted, total float64
	for _, m := range matches {
		total += m.sim
		if m.success {
			weighted += m.sim
		}
	}
	if total == 0 {
		return 0.5
	}
	return ta.Clamp(weighted/total, 0, 1)
}

func extractFeatures(prices []float64) []float64 {
	f := make([]float64, featLagStart+laggedReturns)
	last := prices[len(prices)-1]
	longSMA := ta.SMA(prices, len(prices))
	shortSMA := ta.SMA(prices, 5)

	f[featMomentum] = ta.PriceChange(prices, 5)
	f[featRSI] = ta.RSI(prices, 14) / 100
	f[featVolatility] = ta.Volatility(prices, 0)
	if longSMA > 0 {
		f[featSMARatio] = shortSMA/longSMA - 1
		f[featDeviation] = last/longSMA - 1
	}
	returns := ta.Returns(prices)
	for i := 0; i < laggedReturns && i < len(returns); i++ {
		f[featLagStart+i] = returns[len(returns)-1-i]
	}
	return f
}

func classify(f []float64, volForecast float64) domain.Regime {
	switch {
	case volForecast > 0.05:
		return domain.RegimeVolatile
	case math.Abs(f[featDeviation]) > 0.03:
		return domain.RegimeBreakout
	case math.Abs(f[featSMARatio]) > 0.005 && math.Abs(f[featMomentum]) > 0.01:
		return domain.RegimeTrending
	default:
		return domain.RegimeConsolidating
	}
}

func riskLevel(volForecast float64, losses int, regime domain.Regime) float64 {
	risk := volForecast*10 + 0.1*float64(losses)
	switch regime {
	case domain.RegimeVolatile:
		risk += 0.3
	case domain.RegimeBreakout:
		risk += 0.2
	case domain.RegimeTrending:
		risk += 0.1
	}
	return ta.Clamp(risk, 0, 1)
}

func similarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var d float64
	for i := 0; i < n; i++ {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return 1 / (1 + math.Sqrt(d))
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
