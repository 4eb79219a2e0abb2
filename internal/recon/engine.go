package recon

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/opside/recon/internal/connector"
	"github.com/opside/recon/internal/store"
)

// Result is the outcome of one reconciliation pass over one source.
type Result struct {
	Created       int                 `json:"created"`
	Updated       int                 `json:"updated"`
	NoChange      int                 `json:"no_change"`
	Deactivated   int                 `json:"deactivated"`
	Resolved      int                 `json:"resolved"`
	Discrepancies []store.Discrepancy `json:"discrepancies,omitempty"`
	Errors        []string            `json:"errors,omitempty"`
}

// Processed is the number of source items the pass accounted for. Always
// equals Created + Updated + NoChange.
func (r *Result) Processed() int {
	return r.Created + r.Updated + r.NoChange
}

// Engine diffs source items against local inventory, grades each
// discrepancy, and applies the resulting disposition.
type Engine struct {
	inventory     store.InventoryStore
	discrepancies store.DiscrepancyStore
	rules         store.RuleStore
	logger        *log.Logger
}

// NewEngine creates the reconciliation engine.
func NewEngine(inventory store.InventoryStore, discrepancies store.DiscrepancyStore, rules store.RuleStore) *Engine {
	return &Engine{
		inventory:     inventory,
		discrepancies: discrepancies,
		rules:         rules,
		logger:        log.New(log.Writer(), "[RECON] ", log.LstdFlags),
	}
}

// Reconcile runs one pass for a tenant and source. full marks a complete
// upstream view: only then are locally-active SKUs absent upstream
// soft-deleted. Per-item failures are collected, not fatal.
func (e *Engine) Reconcile(ctx context.Context, tenantID, source string, items []connector.SourceItem, full bool) (*Result, error) {
	rules, err := e.rules.ListEffective(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("recon: load rules: %w", err)
	}
	local, err := e.inventory.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("recon: load inventory: %w", err)
	}

	localBySKU := make(map[string]store.InventoryItem, len(local))
	for _, item := range local {
		localBySKU[item.SKU] = item
	}

	res := &Result{}
	seen := make(map[string]bool, len(items))

	for _, src := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if src.SKU == "" {
			res.Errors = append(res.Errors, "source item missing sku, skipped")
			continue
		}
		seen[src.SKU] = true

		item, known := localBySKU[src.SKU]
		if !known {
			if err := e.createItem(ctx, tenantID, src); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("create %s: %v", src.SKU, err))
				continue
			}
			res.Created++
			continue
		}

		if err := e.reconcileItem(ctx, tenantID, source, src, item, rules, res); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("reconcile %s: %v", src.SKU, err))
		}
	}

	if full {
		for _, item := range local {
			if !item.IsActive || seen[item.SKU] {
				continue
			}
			if err := e.inventory.Deactivate(ctx, tenantID, item.SKU); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("deactivate %s: %v", item.SKU, err))
				continue
			}
			res.Deactivated++
		}
	}

	e.logger.Printf("tenant %s source %s: created=%d updated=%d nochange=%d deactivated=%d discrepancies=%d errors=%d",
		tenantID, source, res.Created, res.Updated, res.NoChange, res.Deactivated, len(res.Discrepancies), len(res.Errors))
	return res, nil
}

func (e *Engine) createItem(ctx context.Context, tenantID string, src connector.SourceItem) error {
	now := time.Now().UTC()
	return e.inventory.Create(ctx, &store.InventoryItem{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		SKU:               src.SKU,
		ASIN:              src.ASIN,
		MarketplaceID:     src.MarketplaceID,
		QuantityAvailable: src.Quantity,
		SellingPrice:      src.Price,
		IsActive:          true,
		Metadata:          src.Metadata,
		LastSyncedAt:      now,
	})
}

// reconcileItem grades one known SKU and applies the disposition:
// no finding touches, low+auto-resolve adopts the source value and records
// a resolved discrepancy, anything else records an open one and (from
// medium up) adopts the source value.
func (e *Engine) reconcileItem(ctx context.Context, tenantID, source string, src connector.SourceItem, item store.InventoryItem, rules []store.ReconciliationRule, res *Result) error {
	qtyDiff := src.Quantity - item.QuantityAvailable
	var priceDiff float64
	if src.Price > 0 && item.SellingPrice > 0 {
		priceDiff = (src.Price - item.SellingPrice) / item.SellingPrice
	}

	obs := Observation{
		SKU:          src.SKU,
		Source:       source,
		QuantityDiff: qtyDiff,
		PriceDiff:    priceDiff,
		Status:       src.Status,
	}
	policy := BuildPolicy(rules, obs)

	prior, err := e.discrepancies.CountBySKU(ctx, tenantID, src.SKU)
	if err != nil {
		return fmt.Errorf("count prior discrepancies: %w", err)
	}

	now := time.Now().UTC()
	var found []store.Discrepancy
	worst := store.Severity("")

	record := func(kind store.DiscrepancyKind, severity store.Severity, srcVal, tgtVal string, absDiff int) {
		severity = policy.Apply(severity)
		if worst == "" || severity.Rank() > worst.Rank() {
			worst = severity
		}
		found = append(found, store.Discrepancy{
			ID:           uuid.NewString(),
			TenantID:     tenantID,
			SKU:          src.SKU,
			Kind:         kind,
			SourceSystem: source,
			SourceValue:  srcVal,
			TargetSystem: "local",
			TargetValue:  tgtVal,
			Severity:     severity,
			Confidence:   Confidence(source, absDiff, prior),
			ImpactScore:  Impact(severity, absDiff, item.SellingPrice),
			Status:       store.DiscrepancyOpen,
			CreatedAt:    now,
		})
	}

	// Emission is strictly-greater-than: a diff equal to the threshold
	// stays quiet.
	if float64(abs(qtyDiff)) > policy.QuantityThreshold && qtyDiff != 0 {
		record(store.KindQuantity, QuantitySeverity(qtyDiff),
			fmt.Sprintf("%d", src.Quantity), fmt.Sprintf("%d", item.QuantityAvailable), abs(qtyDiff))
	}
	if priceDiff != 0 && absFloat(priceDiff) > policy.PriceThreshold {
		record(store.KindPrice, PriceSeverity(priceDiff),
			fmt.Sprintf("%.2f", src.Price), fmt.Sprintf("%.2f", item.SellingPrice), abs(qtyDiff))
	}
	if src.Status != "" && !src.Active && item.IsActive {
		record(store.KindStatus, store.SeverityMedium, src.Status, "active", 0)
	}

	if len(found) == 0 {
		if err := e.inventory.TouchSynced(ctx, tenantID, src.SKU, now); err != nil {
			return err
		}
		res.NoChange++
		return nil
	}

	action := SuggestAction(worst, policy.AutoResolveLow)
	adopt := worst.Rank() >= store.SeverityMedium.Rank() || action == store.ActionAutoResolve

	for i := range found {
		found[i].SuggestedAction = SuggestAction(found[i].Severity, policy.AutoResolveLow)
		if action == store.ActionAutoResolve {
			found[i].Status = store.DiscrepancyResolved
			found[i].Resolution = "auto_resolved"
		}
		if err := e.discrepancies.Insert(ctx, &found[i]); err != nil {
			return fmt.Errorf("insert discrepancy: %w", err)
		}
		res.Discrepancies = append(res.Discrepancies, found[i])
	}

	if action == store.ActionAutoResolve {
		res.Resolved += len(found)
	}

	if adopt {
		if err := e.inventory.UpdateQuantity(ctx, tenantID, src.SKU, src.Quantity, now); err != nil {
			return err
		}
		res.Updated++
		return nil
	}

	// Low-severity open finding: keep the local value, just mark synced.
	if err := e.inventory.TouchSynced(ctx, tenantID, src.SKU, now); err != nil {
		return err
	}
	res.NoChange++
	return nil
}

// Summary aggregates a tenant's open discrepancies.
func (e *Engine) Summary(ctx context.Context, tenantID string) (*store.DiscrepancySummary, error) {
	return e.discrepancies.Summary(ctx, tenantID)
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
