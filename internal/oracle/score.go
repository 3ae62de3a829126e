package oracle

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	ratioExcellent = decimal.RequireFromString("0.001")
	ratioGood      = decimal.RequireFromString("0.005")
	ratioFair      = decimal.RequireFromString("0.01")
)

// AgeScore grades publication age.
func AgeScore(age time.Duration) int {
	switch {
	case age < 10*time.Second:
		return 100
	case age < 30*time.Second:
		return 80
	case age < 60*time.Second:
		return 50
	default:
		return 20
	}
}

// IntervalScore grades the confidence interval relative to the price.
// A zero price has no meaningful ratio and scores 100.
func IntervalScore(p PriceData) int {
	ratio, ok := p.ConfidenceRatio()
	if !ok {
		return 100
	}
	switch {
	case ratio.LessThan(ratioExcellent):
		return 100
	case ratio.LessThan(ratioGood):
		return 80
	case ratio.LessThan(ratioFair):
		return 60
	default:
		return 30
	}
}

// Score combines age and interval grades into a 0..100 confidence score.
func Score(p PriceData, now time.Time) int {
	sum := AgeScore(p.Age(now)) + IntervalScore(p)
	return min((sum+1)/2, 100)
}
