package connector

import (
	"encoding/json"
	"fmt"
	"time"
)

// StandardizedDiscrepancy is the cross-source discrepancy record every
// connector emits. Producers in the wild spell field names both snake_case
// and camelCase; decoding accepts either, encoding always emits camelCase.
type StandardizedDiscrepancy struct {
	ProductID         string                 `json:"productId"`
	SKU               string                 `json:"sku"`
	QuantitySynced    int                    `json:"quantitySynced"`
	QuantityActual    int                    `json:"quantityActual"`
	DiscrepancyAmount float64                `json:"discrepancyAmount"`
	Marketplace       string                 `json:"marketplace"`
	Timestamp         time.Time              `json:"timestamp"`
	Currency          string                 `json:"currency,omitempty"`
	Confidence        *float64               `json:"confidence,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// UnitDelta is quantitySynced minus quantityActual: positive means the
// marketplace reports more units than we hold.
func (d *StandardizedDiscrepancy) UnitDelta() int {
	return d.QuantitySynced - d.QuantityActual
}

// UnmarshalJSON accepts both snake_case and camelCase spellings for every
// field, preferring snake_case when both are present.
func (d *StandardizedDiscrepancy) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	pick := func(dst interface{}, names ...string) error {
		for _, n := range names {
			if v, ok := raw[n]; ok {
				return json.Unmarshal(v, dst)
			}
		}
		return nil
	}

	if err := pick(&d.ProductID, "product_id", "productId"); err != nil {
		return fmt.Errorf("connector: decode product id: %w", err)
	}
	if err := pick(&d.SKU, "sku"); err != nil {
		return fmt.Errorf("connector: decode sku: %w", err)
	}
	if err := pick(&d.QuantitySynced, "quantity_synced", "quantitySynced"); err != nil {
		return fmt.Errorf("connector: decode quantity synced: %w", err)
	}
	if err := pick(&d.QuantityActual, "quantity_actual", "quantityActual"); err != nil {
		return fmt.Errorf("connector: decode quantity actual: %w", err)
	}
	if err := pick(&d.DiscrepancyAmount, "discrepancy_amount", "discrepancyAmount"); err != nil {
		return fmt.Errorf("connector: decode discrepancy amount: %w", err)
	}
	if err := pick(&d.Marketplace, "marketplace"); err != nil {
		return fmt.Errorf("connector: decode marketplace: %w", err)
	}
	if err := pick(&d.Timestamp, "timestamp"); err != nil {
		return fmt.Errorf("connector: decode timestamp: %w", err)
	}
	if err := pick(&d.Currency, "currency"); err != nil {
		return fmt.Errorf("connector: decode currency: %w", err)
	}
	if err := pick(&d.Confidence, "confidence"); err != nil {
		return fmt.Errorf("connector: decode confidence: %w", err)
	}
	if err := pick(&d.Metadata, "metadata"); err != nil {
		return fmt.Errorf("connector: decode metadata: %w", err)
	}
	return nil
}

// Validate rejects records the downstream pipeline cannot act on.
func (d *StandardizedDiscrepancy) Validate() error {
	if d.SKU == "" {
		return fmt.Errorf("connector: discrepancy missing sku")
	}
	if d.Marketplace == "" {
		return fmt.Errorf("connector: discrepancy for %s missing marketplace", d.SKU)
	}
	if d.Timestamp.IsZero() {
		return fmt.Errorf("connector: discrepancy for %s missing timestamp", d.SKU)
	}
	return nil
}
