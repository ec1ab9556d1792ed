package engine

import (
	"fmt"

	"curly-octo-trader/internal/domain"
	"curly-octo-trader/internal/learner"
	"curly-octo-trader/internal/ta"
)

const (
	minLearnedOutcomes = 10
	learnerWeightLow   = 0.2
	learnerWeightHigh  = 0.4
	trustedAccuracy    = 0.6
)

// merge blends the learner's view into a technical signal. The kind never
// changes; only confidence and suggested size move, and only once the learner
// has seen enough closed trades.
func merge(sig domain.Signal, pred domain.NeuralPrediction, st learner.Stats, minSize, maxSize float64) domain.Signal {
	if sig.Kind == domain.SignalHold || pred.Neutral || st.Outcomes < minLearnedOutcomes {
		return sig
	}

	w := learnerWeightLow
	if st.Accuracy > trustedAccuracy {
		w = learnerWeightHigh
	}

	agreement := pred.Direction
	if sig.Kind == domain.SignalSell {
		agreement = -agreement
	}
	neural := ta.Clamp((agreement+1)/2, 0, 1)

	out := sig
	out.Confidence = ta.Clamp((1-w)*sig.Confidence+w*neural, 0, 1)
	out.SuggestedSize = ta.Clamp((1-w)*sig.SuggestedSize+w*pred.OptimalSize, minSize, maxSize)
	out.Rationale = fmt.Sprintf("%s; learner w=%.1f dir=%.2f risk=%.2f", sig.Rationale, w, pred.Direction, pred.RiskLevel)
	return out
}
