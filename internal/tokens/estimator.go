// Package tokens estimates token counts for budgeting. Estimates are
// advisory: they drive context budgeting, not billing.
package tokens

import (
	"math"
	"strings"
	"unicode"
)

// Estimator produces an approximate token count for a text.
type Estimator interface {
	Estimate(text string) int
}

// EstimatorFunc adapts a function to an Estimator.
type EstimatorFunc func(text string) int

// Estimate invokes the function.
func (f EstimatorFunc) Estimate(text string) int { return f(text) }

// Heuristic is the dependency-free fallback estimator:
// round(words*1.3 + non-word-non-space*0.5).
type Heuristic struct{}

// Estimate implements Estimator.
func (Heuristic) Estimate(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	symbols := 0
	for _, r := range text {
		if unicode.IsSpace(r) || unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		symbols++
	}
	return int(math.Round(float64(words)*1.3 + float64(symbols)*0.5))
}

// EstimateMessages sums the estimate over message contents using est,
// adding a small per-message overhead for role framing.
func EstimateMessages(est Estimator, contents []string) int {
	if est == nil {
		est = Heuristic{}
	}
	total := 0
	for _, c := range contents {
		total += est.Estimate(c) + 4
	}
	return total
}
