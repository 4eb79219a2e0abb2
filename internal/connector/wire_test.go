package connector

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalSnakeCase(t *testing.T) {
	var d StandardizedDiscrepancy
	err := json.Unmarshal([]byte(`{
		"product_id": "p-1",
		"sku": "sku-1",
		"quantity_synced": 20,
		"quantity_actual": 15,
		"discrepancy_amount": 49.95,
		"marketplace": "amazon",
		"timestamp": "2026-02-01T00:00:00Z",
		"confidence": 0.9,
		"metadata": {"fc": "PHX3"}
	}`), &d)
	require.NoError(t, err)

	assert.Equal(t, "p-1", d.ProductID)
	assert.Equal(t, 20, d.QuantitySynced)
	assert.Equal(t, 15, d.QuantityActual)
	assert.Equal(t, 49.95, d.DiscrepancyAmount)
	require.NotNil(t, d.Confidence)
	assert.Equal(t, 0.9, *d.Confidence)
	assert.Equal(t, "PHX3", d.Metadata["fc"])
}

func TestUnmarshalCamelCase(t *testing.T) {
	var d StandardizedDiscrepancy
	err := json.Unmarshal([]byte(`{
		"productId": "p-1",
		"sku": "sku-1",
		"quantitySynced": 8,
		"quantityActual": 10,
		"discrepancyAmount": -12.5,
		"marketplace": "amazon",
		"timestamp": "2026-02-01T00:00:00Z"
	}`), &d)
	require.NoError(t, err)

	assert.Equal(t, 8, d.QuantitySynced)
	assert.Equal(t, 10, d.QuantityActual)
	assert.Nil(t, d.Confidence)
}

func TestUnmarshalSnakeCaseWins(t *testing.T) {
	var d StandardizedDiscrepancy
	err := json.Unmarshal([]byte(`{
		"sku": "sku-1",
		"quantity_synced": 5,
		"quantitySynced": 99,
		"marketplace": "amazon",
		"timestamp": "2026-02-01T00:00:00Z"
	}`), &d)
	require.NoError(t, err)
	assert.Equal(t, 5, d.QuantitySynced)
}

func TestMarshalEmitsCamelCase(t *testing.T) {
	d := StandardizedDiscrepancy{
		SKU:            "sku-1",
		QuantitySynced: 3,
		Marketplace:    "amazon",
		Timestamp:      time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(&d)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"quantitySynced":3`)
	assert.NotContains(t, string(raw), "quantity_synced")
}

func TestUnitDelta(t *testing.T) {
	d := StandardizedDiscrepancy{QuantitySynced: 20, QuantityActual: 15}
	assert.Equal(t, 5, d.UnitDelta())

	d = StandardizedDiscrepancy{QuantitySynced: 10, QuantityActual: 12}
	assert.Equal(t, -2, d.UnitDelta())
}

func TestValidate(t *testing.T) {
	valid := StandardizedDiscrepancy{
		SKU:         "sku-1",
		Marketplace: "amazon",
		Timestamp:   time.Now(),
	}
	assert.NoError(t, valid.Validate())

	missingSKU := valid
	missingSKU.SKU = ""
	assert.Error(t, missingSKU.Validate())

	missingMarketplace := valid
	missingMarketplace.Marketplace = ""
	assert.Error(t, missingMarketplace.Validate())

	missingTimestamp := valid
	missingTimestamp.Timestamp = time.Time{}
	assert.Error(t, missingTimestamp.Validate())
}
