package recon

import (
	"fmt"
	"strings"

	"github.com/opside/recon/internal/store"
)

// Observation is the per-SKU comparison context rules are evaluated
// against.
type Observation struct {
	SKU          string
	Source       string
	QuantityDiff int     // source minus local, signed
	PriceDiff    float64 // relative, signed
	Status       string
}

func (o Observation) field(name string) (interface{}, bool) {
	switch name {
	case "sku":
		return o.SKU, true
	case "source", "source_system":
		return o.Source, true
	case "quantity_diff":
		return float64(abs(o.QuantityDiff)), true
	case "price_diff":
		return o.PriceDiff, true
	case "status":
		return o.Status, true
	default:
		return nil, false
	}
}

// Policy is the effective reconciliation policy for one observation after
// applying all matching rules in order. Later rules win for thresholds;
// severity overrides only ever raise.
type Policy struct {
	QuantityThreshold float64 // emit only when abs diff is strictly greater
	PriceThreshold    float64 // relative, strict greater
	AutoResolveLow    bool
	SeverityFloor     store.Severity // "" means no override
}

// BuildPolicy folds the effective rule list (global first, then tenant)
// into a policy for this observation. Rules whose conditions do not match
// are skipped.
func BuildPolicy(rules []store.ReconciliationRule, obs Observation) Policy {
	p := Policy{}
	for _, rule := range rules {
		if !rule.Enabled || !ruleMatches(rule, obs) {
			continue
		}
		switch rule.Kind {
		case store.RuleQuantityThreshold:
			p.QuantityThreshold = rule.Threshold
			p.raiseSeverity(rule.Severity)
		case store.RulePriceThreshold:
			p.PriceThreshold = rule.Threshold
			p.raiseSeverity(rule.Severity)
		case store.RuleStatusCheck:
			p.raiseSeverity(rule.Severity)
		case store.RuleAutoResolve:
			p.AutoResolveLow = rule.AutoResolve
		}
	}
	return p
}

// raiseSeverity applies an upward-only severity override.
func (p *Policy) raiseSeverity(s store.Severity) {
	if s == "" {
		return
	}
	if p.SeverityFloor == "" || s.Rank() > p.SeverityFloor.Rank() {
		p.SeverityFloor = s
	}
}

// Apply raises a computed severity to the policy floor when one is set.
func (p Policy) Apply(computed store.Severity) store.Severity {
	if p.SeverityFloor != "" && p.SeverityFloor.Rank() > computed.Rank() {
		return p.SeverityFloor
	}
	return computed
}

func ruleMatches(rule store.ReconciliationRule, obs Observation) bool {
	for _, cond := range rule.Conditions {
		got, ok := obs.field(cond.Field)
		if !ok {
			return false
		}
		if !matchCondition(cond.Operator, got, cond.Value) {
			return false
		}
	}
	return true
}

// matchCondition evaluates one operator. contains is case-insensitive
// substring match on strings and membership on arrays.
func matchCondition(op store.RuleOperator, got, want interface{}) bool {
	switch op {
	case store.OpEq:
		if g, w, ok := bothNumeric(got, want); ok {
			return g == w
		}
		return asString(got) == asString(want)
	case store.OpNe:
		if g, w, ok := bothNumeric(got, want); ok {
			return g != w
		}
		return asString(got) != asString(want)
	case store.OpGt:
		g, w, ok := bothNumeric(got, want)
		return ok && g > w
	case store.OpLt:
		g, w, ok := bothNumeric(got, want)
		return ok && g < w
	case store.OpContains:
		if arr, ok := want.([]interface{}); ok {
			needle := asString(got)
			for _, v := range arr {
				if strings.EqualFold(asString(v), needle) {
					return true
				}
			}
			return false
		}
		return strings.Contains(strings.ToLower(asString(got)), strings.ToLower(asString(want)))
	default:
		return false
	}
}

func bothNumeric(a, b interface{}) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
