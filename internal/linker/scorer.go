package linker

import (
	"strings"

	"lodestone/internal/features"
	"lodestone/internal/types"
)

// Scorer turns a feature vector into a routable score under a strategy.
type Scorer interface {
	Score(v features.Vector, s *types.LinkerStrategy) (score, confidence float64, reasons []string)
}

// WeightedScorer is the default implementation: the strategy's weight map
// applied to the vector and squashed onto (0, 1).
type WeightedScorer struct{}

func (WeightedScorer) Score(v features.Vector, s *types.LinkerStrategy) (float64, float64, []string) {
	score := features.Score(v, s.Params.FeatureWeights)
	explained := features.Explain(v, s.Params.FeatureWeights)
	var reasons []string
	if explained != "" {
		reasons = strings.Split(explained, ", ")
	}
	return score, score, reasons
}
