package connector

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/opside/recon/internal/spapi"
	"github.com/opside/recon/internal/store"
	"github.com/opside/recon/internal/vault"
)

// Marketplace is the reference connector for the Amazon marketplace. It
// pulls FBA inventory summaries and compares them against the tenant's
// local inventory.
type Marketplace struct {
	client    *spapi.Client
	inventory store.InventoryStore
	enabled   func(tenantID string) bool
	logger    *log.Logger

	mu     sync.RWMutex
	health Health
}

// NewMarketplace creates the marketplace connector. enabled decides
// per-tenant activation; nil means always on.
func NewMarketplace(client *spapi.Client, inventory store.InventoryStore, enabled func(tenantID string) bool) *Marketplace {
	if enabled == nil {
		enabled = func(string) bool { return true }
	}
	return &Marketplace{
		client:    client,
		inventory: inventory,
		enabled:   enabled,
		logger:    log.New(log.Writer(), "[MARKETPLACE] ", log.LstdFlags),
		health:    Health{Healthy: true},
	}
}

func (m *Marketplace) Name() string { return vault.ProviderAmazon }

func (m *Marketplace) Enabled(tenantID string) bool { return m.enabled(tenantID) }

func (m *Marketplace) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

func (m *Marketplace) recordRun(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.LastRunAt = time.Now().UTC()
	if err != nil {
		m.health.Healthy = false
		m.health.LastError = err.Error()
		return
	}
	m.health.Healthy = true
	m.health.LastError = ""
}

// Fetch streams the full marketplace inventory view for the tenant. The
// summaries endpoint has no incremental filter, so since only gates
// client-side on lastUpdatedTime when the upstream provides it.
func (m *Marketplace) Fetch(ctx context.Context, tenantID string, since time.Time) ([]SourceItem, error) {
	stream := m.client.FetchInventorySummaries(tenantID, nil)
	summaries, err := spapi.Collect(ctx, stream)
	if err != nil {
		m.recordRun(err)
		return nil, fmt.Errorf("connector: fetch marketplace inventory: %w", err)
	}

	items := make([]SourceItem, 0, len(summaries))
	for _, s := range summaries {
		if !since.IsZero() && !s.LastUpdatedTime.IsZero() && s.LastUpdatedTime.Before(since) {
			continue
		}
		observed := s.LastUpdatedTime
		if observed.IsZero() {
			observed = time.Now().UTC()
		}
		item := SourceItem{
			SKU:           s.SKU,
			ASIN:          s.ASIN,
			MarketplaceID: s.MarketplaceID,
			Quantity:      s.AvailableQuantity,
			Status:        s.Condition,
			Active:        true,
			ObservedAt:    observed,
		}
		if s.ReservedQuantity > 0 || s.DamagedQuantity > 0 {
			item.Metadata = map[string]string{
				"reserved_quantity": strconv.Itoa(s.ReservedQuantity),
				"damaged_quantity":  strconv.Itoa(s.DamagedQuantity),
			}
		}
		items = append(items, item)
	}

	m.recordRun(nil)
	return items, nil
}

// CollectDiscrepancies diffs the marketplace view against local inventory
// and emits one standardized record per SKU with a non-zero unit delta.
func (m *Marketplace) CollectDiscrepancies(ctx context.Context, tenantID string) ([]StandardizedDiscrepancy, error) {
	upstream, err := m.Fetch(ctx, tenantID, time.Time{})
	if err != nil {
		return nil, err
	}

	local, err := m.inventory.ListByTenant(ctx, tenantID)
	if err != nil {
		m.recordRun(err)
		return nil, fmt.Errorf("connector: list local inventory: %w", err)
	}
	localBySKU := make(map[string]store.InventoryItem, len(local))
	for _, item := range local {
		localBySKU[item.SKU] = item
	}

	now := time.Now().UTC()
	var out []StandardizedDiscrepancy
	for _, src := range upstream {
		item, known := localBySKU[src.SKU]
		if !known {
			continue
		}
		delta := src.Quantity - item.QuantityAvailable
		if delta == 0 {
			continue
		}
		currency := src.Currency
		if currency == "" {
			currency = "USD"
		}
		// discrepancyAmount is the unit delta on the wire; the monetary
		// impact rides along in metadata for the proof bundle.
		rec := StandardizedDiscrepancy{
			ProductID:         item.ID,
			SKU:               src.SKU,
			QuantitySynced:    src.Quantity,
			QuantityActual:    item.QuantityAvailable,
			DiscrepancyAmount: float64(delta),
			Marketplace:       m.Name(),
			Timestamp:         now,
			Currency:          currency,
			Metadata: map[string]interface{}{
				"asin":           src.ASIN,
				"marketplace_id": src.MarketplaceID,
				"unit_price":     item.SellingPrice,
				"value_impact":   float64(delta) * item.SellingPrice,
			},
		}
		out = append(out, rec)
	}

	m.logger.Printf("tenant %s: %d marketplace items, %d discrepancies", tenantID, len(upstream), len(out))
	return out, nil
}
