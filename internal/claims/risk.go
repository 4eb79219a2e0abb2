package claims

import (
	"strconv"
	"time"

	"github.com/opside/recon/internal/store"
)

// Classify maps a discrepancy to the claim kind the marketplace will
// recognize. Quantity discrepancies compare the two values: fewer units
// upstream than we hold means units went missing, more units upstream
// means we were overcharged for stock we never held.
func Classify(d store.Discrepancy) store.ClaimKind {
	switch d.Kind {
	case store.KindQuantity:
		src, serr := strconv.Atoi(d.SourceValue)
		tgt, terr := strconv.Atoi(d.TargetValue)
		if serr != nil || terr != nil {
			return store.ClaimOther
		}
		switch {
		case src < tgt:
			return store.ClaimMissingUnits
		case src > tgt:
			return store.ClaimOvercharge
		}
		return store.ClaimOther
	case store.KindStatus:
		return store.ClaimDamage
	default:
		return store.ClaimOther
	}
}

// AssessRisk grades recovery risk from severity and confidence. Critical
// findings or shaky confidence push risk up regardless of amount.
func AssessRisk(severity store.Severity, confidence float64) (store.RiskLevel, []string) {
	var factors []string
	if severity == store.SeverityCritical {
		factors = append(factors, "critical severity")
	}
	if confidence < 0.6 {
		factors = append(factors, "low confidence")
	}
	if len(factors) > 0 {
		return store.RiskHigh, factors
	}

	if severity == store.SeverityHigh {
		factors = append(factors, "high severity")
	}
	if confidence < 0.8 {
		factors = append(factors, "moderate confidence")
	}
	if len(factors) > 0 {
		return store.RiskMedium, factors
	}

	return store.RiskLow, nil
}

// payoutBaseDays is the expected marketplace processing time per severity.
var payoutBaseDays = map[store.Severity]int{
	store.SeverityLow:      7,
	store.SeverityMedium:   14,
	store.SeverityHigh:     21,
	store.SeverityCritical: 30,
}

// EstimatePayout projects when the claim should pay out. High-confidence
// claims process faster, shaky ones slower.
func EstimatePayout(now time.Time, severity store.Severity, confidence float64) time.Time {
	days, ok := payoutBaseDays[severity]
	if !ok {
		days = 14
	}
	factor := 1.2
	switch {
	case confidence > 0.9:
		factor = 0.8
	case confidence > 0.7:
		factor = 1.0
	}
	return now.Add(time.Duration(float64(days)*factor*24) * time.Hour)
}

// Mitigations suggests how to shore up a risky claim.
func Mitigations(risk store.RiskLevel, factors []string) []string {
	if risk == store.RiskLow {
		return nil
	}
	out := make([]string, 0, len(factors)+1)
	for _, f := range factors {
		switch f {
		case "low confidence", "moderate confidence":
			out = append(out, "attach additional inventory evidence before submission")
		case "critical severity", "high severity":
			out = append(out, "manual review before submission")
		}
	}
	if len(out) == 0 {
		out = append(out, "manual review before submission")
	}
	return out
}
