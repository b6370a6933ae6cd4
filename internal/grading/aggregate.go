package grading

import "math"

// Aggregate converts final trait scores to a 0-100 grade with one decimal. An empty list or a
// non-positive maximum yields 0; callers must treat zero combined traits as a failure first.
func Aggregate(scores []int, maxPerTrait float64) float64 {
	if len(scores) == 0 || maxPerTrait <= 0 {
		return 0
	}

	total := 0
	for _, score := range scores {
		total += score
	}
	mean := float64(total) / float64(len(scores))
	return round1(100 * mean / maxPerTrait)
}

// TraitPercent is a single trait's score as a percentage of the maximum, to one decimal.
func TraitPercent(score int, maxPerTrait float64) float64 {
	if maxPerTrait <= 0 {
		return 0
	}
	return round1(100 * float64(score) / maxPerTrait)
}

func round1(value float64) float64 {
	return math.Round(value*10) / 10
}
