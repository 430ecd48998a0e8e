// Package scoring computes asset sensitivity and threat risk scores.
//
// Both functions are pure and use round-half-up to two decimal places so that
// stored scores are reproducible across stores and processes.
package scoring

import (
	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits every score carries.
const Places = 2

var (
	three   = decimal.NewFromInt(3)
	maxRisk = decimal.NewFromInt(100)
)

// Sensitivity returns (c+i+a)/3 rounded half-up to two places.
func Sensitivity(confidentiality, integrity, availability int) decimal.Decimal {
	sum := decimal.NewFromInt(int64(confidentiality + integrity + availability))
	return sum.DivRound(three, Places)
}

// Risk returns min(sensitivity*likelihood*impact, 100) rounded half-up to two places.
func Risk(sensitivity decimal.Decimal, likelihood, impact int) decimal.Decimal {
	product := sensitivity.Mul(decimal.NewFromInt(int64(likelihood * impact)))
	return decimal.Min(product, maxRisk).Round(Places)
}

// Category buckets a risk score for display and filtering.
type Category string

// Risk categories.
const (
	CategoryCritical Category = "Critical"
	CategoryHigh     Category = "High"
	CategoryMedium   Category = "Medium"
	CategoryLow      Category = "Low"
)

var (
	criticalThreshold = decimal.NewFromInt(75)
	highThreshold     = decimal.NewFromInt(50)
	mediumThreshold   = decimal.NewFromInt(25)
)

// CategoryOf returns the category for a risk score.
func CategoryOf(risk decimal.Decimal) Category {
	switch {
	case risk.GreaterThanOrEqual(criticalThreshold):
		return CategoryCritical
	case risk.GreaterThanOrEqual(highThreshold):
		return CategoryHigh
	case risk.GreaterThanOrEqual(mediumThreshold):
		return CategoryMedium
	default:
		return CategoryLow
	}
}
