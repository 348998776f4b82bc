package session

import (
	"math"

	"github.com/rendis/verdict/pkg/schema"
)

// ImpliedMatches converts a stored percentage back into a match count,
// rounding half to even.
func ImpliedMatches(score float64, count int) int {
	if count <= 0 {
		return 0
	}
	return int(math.RoundToEven(score / 100 * float64(count)))
}

// Merge adds a session score to a workflow's cumulative (score, count).
func Merge(oldScore float64, oldCount int, session schema.ValidationScore) schema.ValidationScore {
	return schema.ValidationScore{
		Matches: ImpliedMatches(oldScore, oldCount) + session.Matches,
		Total:   max(oldCount, 0) + session.Total,
	}
}

// CombineScores blends a parent's own match rate with the aggregate match rate
// of its children. parentWeight is clamped to [0, 1]. Total is the parent's
// total plus every child's; Matches is the blended rate applied to it.
func CombineScores(parent schema.ValidationScore, children []schema.ValidationScore, parentWeight float64) schema.ValidationScore {
	parentWeight = min(max(parentWeight, 0), 1)

	var childMatches, childTotal int
	for _, c := range children {
		childMatches += c.Matches
		childTotal += c.Total
	}
	total := parent.Total + childTotal
	if total == 0 {
		return schema.ValidationScore{}
	}

	var rate float64
	switch {
	case childTotal == 0:
		rate = rate01(parent.Matches, parent.Total)
	case parent.Total == 0:
		rate = rate01(childMatches, childTotal)
	default:
		rate = parentWeight*rate01(parent.Matches, parent.Total) +
			(1-parentWeight)*rate01(childMatches, childTotal)
	}
	return schema.ValidationScore{
		Matches: int(math.Round(rate * float64(total))),
		Total:   total,
	}
}

func rate01(matches, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(matches) / float64(total)
}

// scoreOf rebuilds a ValidationScore from stored workflow metadata.
func scoreOf(meta schema.Metadata) schema.ValidationScore {
	return schema.ValidationScore{
		Matches: ImpliedMatches(meta.ValidationScore, meta.ValidationCount),
		Total:   meta.ValidationCount,
	}
}
