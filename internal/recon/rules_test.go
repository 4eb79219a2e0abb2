package recon

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opside/recon/internal/store"
)

func TestMatchConditionOperators(t *testing.T) {
	assert.True(t, matchCondition(store.OpEq, "amazon", "amazon"))
	assert.False(t, matchCondition(store.OpEq, "amazon", "shopify"))
	assert.True(t, matchCondition(store.OpEq, 5.0, 5))

	assert.True(t, matchCondition(store.OpNe, "amazon", "shopify"))
	assert.False(t, matchCondition(store.OpNe, 5.0, 5))

	assert.True(t, matchCondition(store.OpGt, 10.0, 5))
	assert.False(t, matchCondition(store.OpGt, 5.0, 5))
	assert.True(t, matchCondition(store.OpLt, 3.0, 5))
	assert.False(t, matchCondition(store.OpLt, "x", 5)) // non-numeric never matches gt/lt
}

func TestMatchConditionContains(t *testing.T) {
	// Case-insensitive substring on strings.
	assert.True(t, matchCondition(store.OpContains, "SKU-WIDGET-1", "widget"))
	assert.False(t, matchCondition(store.OpContains, "SKU-GADGET-1", "widget"))

	// Membership on arrays.
	list := []interface{}{"amazon", "shopify"}
	assert.True(t, matchCondition(store.OpContains, "Amazon", list))
	assert.False(t, matchCondition(store.OpContains, "ebay", list))
}

func TestBuildPolicyThresholdsAndOrdering(t *testing.T) {
	rules := []store.ReconciliationRule{
		{Kind: store.RuleQuantityThreshold, Threshold: 5, Enabled: true},
		// Later rule wins.
		{Kind: store.RuleQuantityThreshold, Threshold: 10, Enabled: true},
		// Disabled rules are ignored.
		{Kind: store.RuleQuantityThreshold, Threshold: 99, Enabled: false},
		{Kind: store.RuleAutoResolve, AutoResolve: true, Enabled: true},
	}
	p := BuildPolicy(rules, Observation{SKU: "sku-1"})
	assert.Equal(t, 10.0, p.QuantityThreshold)
	assert.True(t, p.AutoResolveLow)
}

func TestBuildPolicyConditionalRule(t *testing.T) {
	rules := []store.ReconciliationRule{
		{
			Kind:      store.RuleQuantityThreshold,
			Threshold: 50,
			Enabled:   true,
			Conditions: []store.RuleCondition{
				{Field: "source", Operator: store.OpEq, Value: "manual"},
			},
		},
	}
	// Non-matching observation keeps the default threshold.
	p := BuildPolicy(rules, Observation{Source: "amazon"})
	assert.Equal(t, 0.0, p.QuantityThreshold)

	p = BuildPolicy(rules, Observation{Source: "manual"})
	assert.Equal(t, 50.0, p.QuantityThreshold)
}

func TestSeverityOverrideOnlyRaises(t *testing.T) {
	p := Policy{SeverityFloor: store.SeverityHigh}
	assert.Equal(t, store.SeverityHigh, p.Apply(store.SeverityLow))
	assert.Equal(t, store.SeverityHigh, p.Apply(store.SeverityHigh))
	// A floor never lowers a computed severity.
	assert.Equal(t, store.SeverityCritical, p.Apply(store.SeverityCritical))

	none := Policy{}
	assert.Equal(t, store.SeverityMedium, none.Apply(store.SeverityMedium))
}

func TestPolicyRaiseSeverity(t *testing.T) {
	p := Policy{}
	p.raiseSeverity(store.SeverityMedium)
	assert.Equal(t, store.SeverityMedium, p.SeverityFloor)
	p.raiseSeverity(store.SeverityLow)
	assert.Equal(t, store.SeverityMedium, p.SeverityFloor)
	p.raiseSeverity(store.SeverityCritical)
	assert.Equal(t, store.SeverityCritical, p.SeverityFloor)
}
