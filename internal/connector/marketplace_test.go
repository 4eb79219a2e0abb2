package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opside/recon/internal/archive"
	"github.com/opside/recon/internal/spapi"
	"github.com/opside/recon/internal/store"
	"github.com/opside/recon/internal/vault"
)

type passCreds struct{}

func (passCreds) Load(_ context.Context, tenantID, provider string) (*vault.Credential, error) {
	return &vault.Credential{TenantID: tenantID, Provider: provider, AccessToken: "tok"}, nil
}

func (passCreds) Rotate(_ context.Context, tenantID, provider string) (*vault.Credential, error) {
	return &vault.Credential{TenantID: tenantID, Provider: provider, AccessToken: "tok"}, nil
}

type passThrottle struct{}

func (passThrottle) Acquire(context.Context, string, string) error { return nil }
func (passThrottle) Penalize(_, _ string, _ time.Duration)         {}

func newMarketplaceFixture(t *testing.T, upstream string) (*Marketplace, store.InventoryStore) {
	t.Helper()
	client := spapi.New(passCreds{}, passThrottle{}, archive.NewMemory(), nil, spapi.Config{
		BaseURL:     upstream,
		MaxAttempts: 1,
	})
	inventory := store.NewMemory().Inventory
	return NewMarketplace(client, inventory, nil), inventory
}

func TestCollectDiscrepanciesEmitsUnitDelta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"payload":{"inventorySummaries":[
			{"sellerSku":"sku-short","asin":"B0SHORT","totalQuantity":4},
			{"sellerSku":"sku-even","totalQuantity":10},
			{"sellerSku":"sku-unknown","totalQuantity":3}
		]},"pagination":{}}`)
	}))
	defer srv.Close()

	m, inventory := newMarketplaceFixture(t, srv.URL)
	require.NoError(t, inventory.Create(context.Background(), &store.InventoryItem{
		ID: "item-1", TenantID: "t1", SKU: "sku-short", QuantityAvailable: 10, SellingPrice: 12.5,
	}))
	require.NoError(t, inventory.Create(context.Background(), &store.InventoryItem{
		ID: "item-2", TenantID: "t1", SKU: "sku-even", QuantityAvailable: 10,
	}))

	records, err := m.CollectDiscrepancies(context.Background(), "t1")
	require.NoError(t, err)

	// Matching quantities and unknown SKUs emit nothing.
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "sku-short", rec.SKU)
	assert.Equal(t, "item-1", rec.ProductID)
	assert.Equal(t, 4, rec.QuantitySynced)
	assert.Equal(t, 10, rec.QuantityActual)
	// The wire amount is the unit delta, not money.
	assert.Equal(t, float64(-6), rec.DiscrepancyAmount)
	assert.Equal(t, -6, rec.UnitDelta())
	assert.Equal(t, 12.5, rec.Metadata["unit_price"])
	assert.Equal(t, -75.0, rec.Metadata["value_impact"])
	assert.NoError(t, rec.Validate())
}

func TestCollectDiscrepanciesFeedsProofBundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"payload":{"inventorySummaries":[{"sellerSku":"sku-1","totalQuantity":7}]},"pagination":{}}`)
	}))
	defer srv.Close()

	m, inventory := newMarketplaceFixture(t, srv.URL)
	require.NoError(t, inventory.Create(context.Background(), &store.InventoryItem{
		ID: "item-1", TenantID: "t1", SKU: "sku-1", QuantityAvailable: 2, SellingPrice: 3,
	}))

	records, err := m.CollectDiscrepancies(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	proof := BuildProof(records[0])
	require.Len(t, proof, 2)
	assert.Equal(t, "inventory_snapshot", proof[0].Type)
	assert.Equal(t, 7, proof[0].Payload["quantity_synced"])
	assert.Equal(t, 2, proof[0].Payload["quantity_actual"])
	assert.Equal(t, "value_comparison", proof[1].Type)
	assert.Equal(t, 5, proof[1].Payload["unit_delta"])
	assert.Equal(t, float64(5), proof[1].Payload["discrepancy_amount"])
	assert.Equal(t, "USD", proof[1].Payload["currency"])
}

func TestCollectDiscrepanciesRecordsHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"errors":[{"code":"InvalidInput"}]}`)
	}))
	defer srv.Close()

	m, _ := newMarketplaceFixture(t, srv.URL)
	_, err := m.CollectDiscrepancies(context.Background(), "t1")
	require.Error(t, err)

	h := m.Health()
	assert.False(t, h.Healthy)
	assert.NotEmpty(t, h.LastError)
}
