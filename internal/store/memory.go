package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// In-memory store set. Used by tests and as a degraded fallback when no
// DATABASE_URL is configured (single-process development mode).

// Memory bundles in-memory implementations of every store port.
type Memory struct {
	Inventory     *MemInventoryStore
	Discrepancies *MemDiscrepancyStore
	Claims        *MemClaimStore
	SyncLogs      *MemSyncLogStore
	Rules         *MemRuleStore
	Credentials   *MemCredentialStore
}

// NewMemory creates an empty in-memory store set.
func NewMemory() *Memory {
	return &Memory{
		Inventory:     &MemInventoryStore{items: make(map[string]*InventoryItem)},
		Discrepancies: &MemDiscrepancyStore{byID: make(map[string]*Discrepancy), seen: make(map[string]bool)},
		Claims:        &MemClaimStore{byID: make(map[string]*ClaimCandidate)},
		SyncLogs:      &MemSyncLogStore{},
		Rules:         &MemRuleStore{},
		Credentials:   &MemCredentialStore{creds: make(map[string]*SealedCredential)},
	}
}

func invKey(tenantID, sku string) string { return tenantID + "/" + sku }

// MemInventoryStore is the in-memory InventoryStore.
type MemInventoryStore struct {
	mu    sync.RWMutex
	items map[string]*InventoryItem
}

func (s *MemInventoryStore) ListByTenant(_ context.Context, tenantID string) ([]InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []InventoryItem
	for _, it := range s.items {
		if it.TenantID == tenantID {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *MemInventoryStore) GetBySKU(_ context.Context, tenantID, sku string) (*InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[invKey(tenantID, sku)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (s *MemInventoryStore) Create(_ context.Context, item *InventoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[invKey(item.TenantID, item.SKU)] = &cp
	return nil
}

func (s *MemInventoryStore) UpdateQuantity(_ context.Context, tenantID, sku string, quantity int, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[invKey(tenantID, sku)]
	if !ok {
		return ErrNotFound
	}
	it.QuantityAvailable = quantity
	it.LastSyncedAt = syncedAt
	return nil
}

func (s *MemInventoryStore) TouchSynced(_ context.Context, tenantID, sku string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[invKey(tenantID, sku)]
	if !ok {
		return ErrNotFound
	}
	it.LastSyncedAt = syncedAt
	return nil
}

func (s *MemInventoryStore) Deactivate(_ context.Context, tenantID, sku string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[invKey(tenantID, sku)]
	if !ok {
		return ErrNotFound
	}
	it.IsActive = false
	return nil
}

// MemDiscrepancyStore is the in-memory DiscrepancyStore.
type MemDiscrepancyStore struct {
	mu   sync.RWMutex
	byID map[string]*Discrepancy
	seen map[string]bool // dedupe tuples
	all  []*Discrepancy
}

func dedupeKey(d *Discrepancy) string {
	return d.TenantID + "/" + d.SKU + "/" + string(d.Kind) + "/" + d.CreatedAt.UTC().Format(time.RFC3339Nano)
}

func (s *MemDiscrepancyStore) Insert(_ context.Context, d *Discrepancy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupeKey(d)
	if s.seen[key] {
		return nil
	}
	s.seen[key] = true
	cp := *d
	s.byID[d.ID] = &cp
	s.all = append(s.all, &cp)
	return nil
}

func (s *MemDiscrepancyStore) Get(_ context.Context, id string) (*Discrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemDiscrepancyStore) ListOpen(_ context.Context, tenantID string) ([]Discrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Discrepancy
	for _, d := range s.all {
		if d.TenantID == tenantID && d.Status == DiscrepancyOpen {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemDiscrepancyStore) CountBySKU(_ context.Context, tenantID, sku string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.all {
		if d.TenantID == tenantID && d.SKU == sku {
			n++
		}
	}
	return n, nil
}

func (s *MemDiscrepancyStore) Resolve(_ context.Context, id, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = DiscrepancyResolved
	d.Resolution = resolution
	return nil
}

func (s *MemDiscrepancyStore) Summary(_ context.Context, tenantID string) (*DiscrepancySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := &DiscrepancySummary{
		TenantID:   tenantID,
		BySeverity: make(map[Severity]int),
		ByKind:     make(map[DiscrepancyKind]int),
	}
	for _, d := range s.all {
		if d.TenantID != tenantID {
			continue
		}
		switch d.Status {
		case DiscrepancyOpen:
			sum.Open++
			sum.BySeverity[d.Severity]++
			sum.ByKind[d.Kind]++
		case DiscrepancyResolved:
			sum.Resolved++
		}
	}
	return sum, nil
}

// MemClaimStore is the in-memory ClaimStore.
type MemClaimStore struct {
	mu   sync.RWMutex
	byID map[string]*ClaimCandidate
	all  []*ClaimCandidate
}

func (s *MemClaimStore) Insert(_ context.Context, c *ClaimCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.byID[c.ClaimID] = &cp
	s.all = append(s.all, &cp)
	return nil
}

func (s *MemClaimStore) Get(_ context.Context, claimID string) (*ClaimCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[claimID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemClaimStore) ListBySKU(_ context.Context, tenantID, sku string, limit int) ([]ClaimCandidate, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ClaimCandidate
	for _, c := range s.all {
		if c.TenantID == tenantID && c.SKU == sku {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemClaimStore) UpdateStatus(_ context.Context, claimID string, status ClaimStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[claimID]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	return nil
}

// MemSyncLogStore is the in-memory SyncLogStore.
type MemSyncLogStore struct {
	mu   sync.RWMutex
	logs []SyncLog
}

func (s *MemSyncLogStore) Append(_ context.Context, l *SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *l)
	return nil
}

func (s *MemSyncLogStore) LatestCompleted(_ context.Context, tenantID, provider string) (*SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *SyncLog
	for i := range s.logs {
		l := &s.logs[i]
		if l.TenantID != tenantID || l.Provider != provider || l.Status != "completed" || l.CompletedAt == nil {
			continue
		}
		if best == nil || l.CompletedAt.After(*best.CompletedAt) {
			best = l
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *MemSyncLogStore) Recent(_ context.Context, tenantID string, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SyncLog
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.logs[i].TenantID == tenantID {
			out = append(out, s.logs[i])
		}
	}
	return out, nil
}

// MemRuleStore is the in-memory RuleStore.
type MemRuleStore struct {
	mu    sync.RWMutex
	rules []ReconciliationRule
}

// Add appends a rule, preserving insertion order.
func (s *MemRuleStore) Add(r ReconciliationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Position = len(s.rules)
	s.rules = append(s.rules, r)
}

func (s *MemRuleStore) ListEffective(_ context.Context, tenantID string) ([]ReconciliationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var global, tenant []ReconciliationRule
	for _, r := range s.rules {
		if !r.Enabled {
			continue
		}
		switch r.TenantID {
		case GlobalTenant:
			global = append(global, r)
		case tenantID:
			tenant = append(tenant, r)
		}
	}
	return append(global, tenant...), nil
}

// MemCredentialStore is the in-memory CredentialStore.
type MemCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]*SealedCredential
}

func credKey(tenantID, provider string) string { return tenantID + "/" + provider }

func (s *MemCredentialStore) Get(_ context.Context, tenantID, provider string) (*SealedCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[credKey(tenantID, provider)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemCredentialStore) Put(_ context.Context, c *SealedCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.creds[credKey(c.TenantID, c.Provider)] = &cp
	return nil
}

func (s *MemCredentialStore) ExpiringWithin(_ context.Context, window time.Duration) ([]SealedCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(window)
	var out []SealedCredential
	for _, c := range s.creds {
		if !c.Invalid && c.ExpiresAt.Before(cutoff) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *MemCredentialStore) MarkInvalid(_ context.Context, tenantID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[credKey(tenantID, provider)]
	if !ok {
		return ErrNotFound
	}
	c.Invalid = true
	return nil
}
