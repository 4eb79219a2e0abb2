package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by every store when the requested record is absent.
var ErrNotFound = errors.New("store: not found")

// InventoryStore persists the tenant's internal inventory ground truth.
type InventoryStore interface {
	ListByTenant(ctx context.Context, tenantID string) ([]InventoryItem, error)
	GetBySKU(ctx context.Context, tenantID, sku string) (*InventoryItem, error)
	Create(ctx context.Context, item *InventoryItem) error
	UpdateQuantity(ctx context.Context, tenantID, sku string, quantity int, syncedAt time.Time) error
	TouchSynced(ctx context.Context, tenantID, sku string, syncedAt time.Time) error
	Deactivate(ctx context.Context, tenantID, sku string) error
}

// DiscrepancyStore persists discrepancies. Insert deduplicates on
// (tenant, sku, kind, created_at): re-inserting the same tuple is a no-op.
type DiscrepancyStore interface {
	Insert(ctx context.Context, d *Discrepancy) error
	Get(ctx context.Context, id string) (*Discrepancy, error)
	ListOpen(ctx context.Context, tenantID string) ([]Discrepancy, error)
	CountBySKU(ctx context.Context, tenantID, sku string) (int, error)
	Resolve(ctx context.Context, id, resolution string) error
	Summary(ctx context.Context, tenantID string) (*DiscrepancySummary, error)
}

// ClaimStore persists claim candidates.
type ClaimStore interface {
	Insert(ctx context.Context, c *ClaimCandidate) error
	Get(ctx context.Context, claimID string) (*ClaimCandidate, error)
	ListBySKU(ctx context.Context, tenantID, sku string, limit int) ([]ClaimCandidate, error)
	UpdateStatus(ctx context.Context, claimID string, status ClaimStatus) error
}

// SyncLogStore is the append-only sync history.
type SyncLogStore interface {
	Append(ctx context.Context, l *SyncLog) error
	LatestCompleted(ctx context.Context, tenantID, provider string) (*SyncLog, error)
	Recent(ctx context.Context, tenantID string, limit int) ([]SyncLog, error)
}

// RuleStore serves reconciliation rules. ListEffective returns global rules
// followed by tenant rules, enabled only, in insertion order.
type RuleStore interface {
	ListEffective(ctx context.Context, tenantID string) ([]ReconciliationRule, error)
}

// CredentialStore persists sealed credentials for the token vault.
type CredentialStore interface {
	Get(ctx context.Context, tenantID, provider string) (*SealedCredential, error)
	Put(ctx context.Context, c *SealedCredential) error
	ExpiringWithin(ctx context.Context, window time.Duration) ([]SealedCredential, error)
	MarkInvalid(ctx context.Context, tenantID, provider string) error
}
