package connector

import (
	"time"

	"github.com/opside/recon/internal/store"
)

// BuildProof assembles the evidence bundle for one standardized
// discrepancy: a snapshot of both inventory views and the value
// comparison the claim will rest on.
func BuildProof(d StandardizedDiscrepancy) []store.ProofItem {
	at := d.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return []store.ProofItem{
		{
			Type:      "inventory_snapshot",
			Timestamp: at,
			Payload: map[string]interface{}{
				"sku":             d.SKU,
				"product_id":      d.ProductID,
				"marketplace":     d.Marketplace,
				"quantity_synced": d.QuantitySynced,
				"quantity_actual": d.QuantityActual,
			},
		},
		{
			Type:      "value_comparison",
			Timestamp: at,
			Payload: map[string]interface{}{
				"sku":                d.SKU,
				"unit_delta":         d.UnitDelta(),
				"discrepancy_amount": d.DiscrepancyAmount,
				"currency":           d.Currency,
			},
		},
	}
}
