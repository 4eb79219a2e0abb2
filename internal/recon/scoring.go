// Package recon implements the reconciliation engine: it diffs upstream
// source items against local inventory, grades what it finds, and persists
// graded discrepancies.
package recon

import (
	"math"

	"github.com/opside/recon/internal/store"
	"github.com/opside/recon/internal/vault"
)

// Source reliability priors used as the confidence base.
const (
	reliabilityMarketplace = 0.95
	reliabilityManual      = 0.70
	reliabilityDefault     = 0.80
)

// severityWeight feeds the impact score.
var severityWeight = map[store.Severity]float64{
	store.SeverityLow:      1,
	store.SeverityMedium:   3,
	store.SeverityHigh:     5,
	store.SeverityCritical: 7,
}

// QuantitySeverity grades an absolute unit difference. Band upper bounds
// are inclusive: 5 is still low, 20 still medium, 100 still high.
func QuantitySeverity(diff int) store.Severity {
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff <= 5:
		return store.SeverityLow
	case diff <= 20:
		return store.SeverityMedium
	case diff <= 100:
		return store.SeverityHigh
	default:
		return store.SeverityCritical
	}
}

// PriceSeverity grades a relative price difference (fraction of the local
// price). Bounds inclusive, same shape as the quantity ladder.
func PriceSeverity(relDiff float64) store.Severity {
	relDiff = math.Abs(relDiff)
	switch {
	case relDiff <= 0.01:
		return store.SeverityLow
	case relDiff <= 0.05:
		return store.SeverityMedium
	case relDiff <= 0.15:
		return store.SeverityHigh
	default:
		return store.SeverityCritical
	}
}

// Confidence scores how much to trust a discrepancy observation. The
// source's reliability prior is dampened for very large diffs and for SKUs
// with a prior discrepancy history, then clamped to [0.1, 1.0].
func Confidence(source string, absDiff int, priorDiscrepancies int) float64 {
	var c float64
	switch source {
	case vault.ProviderAmazon, "marketplace":
		c = reliabilityMarketplace
	case "manual":
		c = reliabilityManual
	default:
		c = reliabilityDefault
	}
	if absDiff > 100 {
		c *= 0.9
	}
	if priorDiscrepancies > 0 {
		c *= 0.95
	}
	return clamp(c, 0.1, 1.0)
}

// Impact scores business impact on a 0..10 scale: severity weight plus a
// capped unit-volume term plus a capped monetary term.
func Impact(severity store.Severity, absDiff int, unitPrice float64) float64 {
	score := severityWeight[severity]
	score += math.Min(5, float64(absDiff)/20)
	score += math.Min(3, unitPrice*float64(absDiff)/1000)
	return clamp(score, 0, 10)
}

// SuggestAction picks the disposition: critical escalates, low with an
// auto-resolve rule resolves in place, everything else gets investigated.
func SuggestAction(severity store.Severity, autoResolve bool) store.SuggestedAction {
	switch {
	case severity == store.SeverityCritical:
		return store.ActionEscalate
	case severity == store.SeverityLow && autoResolve:
		return store.ActionAutoResolve
	default:
		return store.ActionInvestigate
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
