package rating

import (
	"math"
	"sort"

	"github.com/rendis/runway/pkg/schema"
)

// Aggregated is the consensus computed over responding providers.
type Aggregated struct {
	OverallScore    float64
	ComponentScores map[string]float64
	Notes           []string
}

// Aggregate computes the consensus score. Each responding provider
// contributes the average of its per-dimension scores as one provider
// score; the overall score is the mean of provider scores rounded to one
// decimal place. Failed providers shrink the sample instead of penalizing
// it. Dimension scores are averaged across the providers that reported
// them.
func Aggregate(responses []schema.RatingResponse) Aggregated {
	agg := Aggregated{ComponentScores: make(map[string]float64)}
	if len(responses) == 0 {
		return agg
	}

	var providerSum float64
	dimSums := make(map[string]float64)
	dimCounts := make(map[string]int)

	for _, resp := range responses {
		providerSum += providerAverage(resp.Scores)
		for dim, score := range resp.Scores {
			dimSums[dim] += score
			dimCounts[dim]++
		}
		agg.Notes = append(agg.Notes, resp.Notes...)
	}

	agg.OverallScore = round1(providerSum / float64(len(responses)))
	for dim, sum := range dimSums {
		agg.ComponentScores[dim] = round1(sum / float64(dimCounts[dim]))
	}
	return agg
}

func providerAverage(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// weakDimensions returns the dimensions scoring below the attention
// threshold, weakest first, each with a templated suggestion.
func weakDimensions(components map[string]float64, threshold float64) []schema.WeakDimension {
	var weak []schema.WeakDimension
	for dim, score := range components {
		if score < threshold {
			weak = append(weak, schema.WeakDimension{
				Dimension:  dim,
				Score:      score,
				Suggestion: "Strengthen the " + dim + " section of the plan; it scored below the attention threshold.",
			})
		}
	}
	sort.Slice(weak, func(i, j int) bool {
		if weak[i].Score != weak[j].Score {
			return weak[i].Score < weak[j].Score
		}
		return weak[i].Dimension < weak[j].Dimension
	})
	return weak
}
