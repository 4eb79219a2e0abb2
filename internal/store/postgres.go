package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Postgres bundles the sqlx-backed implementations of every store port.
// The schema itself is owned by the migration tooling, not the core; these
// queries are the only contract.
type Postgres struct {
	db *sqlx.DB

	Inventory     *PGInventoryStore
	Discrepancies *PGDiscrepancyStore
	Claims        *PGClaimStore
	SyncLogs      *PGSyncLogStore
	Rules         *PGRuleStore
	Credentials   *PGCredentialStore
}

// Open connects to Postgres and wires the store set.
func Open(dsn string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Postgres{
		db:            db,
		Inventory:     &PGInventoryStore{db: db},
		Discrepancies: &PGDiscrepancyStore{db: db},
		Claims:        &PGClaimStore{db: db},
		SyncLogs:      &PGSyncLogStore{db: db},
		Rules:         &PGRuleStore{db: db},
		Credentials:   &PGCredentialStore{db: db},
	}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// Ping verifies connectivity for health checks.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// ----------------------------------------------------------------------------
// Inventory
// ----------------------------------------------------------------------------

type PGInventoryStore struct{ db *sqlx.DB }

func (s *PGInventoryStore) ListByTenant(ctx context.Context, tenantID string) ([]InventoryItem, error) {
	var items []InventoryItem
	err := s.db.SelectContext(ctx, &items,
		`SELECT id, tenant_id, sku, asin, marketplace_id, quantity_available,
		        quantity_reserved, reorder_point, selling_price, cost_price,
		        is_active, last_synced_at
		 FROM inventory_items WHERE tenant_id = $1 ORDER BY sku`, tenantID)
	return items, err
}

func (s *PGInventoryStore) GetBySKU(ctx context.Context, tenantID, sku string) (*InventoryItem, error) {
	var item InventoryItem
	err := s.db.GetContext(ctx, &item,
		`SELECT id, tenant_id, sku, asin, marketplace_id, quantity_available,
		        quantity_reserved, reorder_point, selling_price, cost_price,
		        is_active, last_synced_at
		 FROM inventory_items WHERE tenant_id = $1 AND sku = $2`, tenantID, sku)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *PGInventoryStore) Create(ctx context.Context, item *InventoryItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inventory_items
		   (id, tenant_id, sku, asin, marketplace_id, quantity_available,
		    quantity_reserved, reorder_point, selling_price, cost_price,
		    is_active, last_synced_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		item.ID, item.TenantID, item.SKU, item.ASIN, item.MarketplaceID,
		item.QuantityAvailable, item.QuantityReserved, item.ReorderPoint,
		item.SellingPrice, item.CostPrice, item.IsActive, item.LastSyncedAt)
	return err
}

func (s *PGInventoryStore) UpdateQuantity(ctx context.Context, tenantID, sku string, quantity int, syncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inventory_items SET quantity_available = $3, last_synced_at = $4
		 WHERE tenant_id = $1 AND sku = $2`, tenantID, sku, quantity, syncedAt)
	return err
}

func (s *PGInventoryStore) TouchSynced(ctx context.Context, tenantID, sku string, syncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inventory_items SET last_synced_at = $3
		 WHERE tenant_id = $1 AND sku = $2`, tenantID, sku, syncedAt)
	return err
}

func (s *PGInventoryStore) Deactivate(ctx context.Context, tenantID, sku string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inventory_items SET is_active = FALSE
		 WHERE tenant_id = $1 AND sku = $2`, tenantID, sku)
	return err
}

// ----------------------------------------------------------------------------
// Discrepancies
// ----------------------------------------------------------------------------

type PGDiscrepancyStore struct{ db *sqlx.DB }

func (s *PGDiscrepancyStore) Insert(ctx context.Context, d *Discrepancy) error {
	// Dedupe key: one discrepancy per (tenant, sku, kind, created_at).
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO discrepancies
		   (id, tenant_id, sku, kind, source_system, source_value,
		    target_system, target_value, severity, confidence, impact_score,
		    suggested_action, status, resolution, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		 ON CONFLICT (tenant_id, sku, kind, created_at) DO NOTHING`,
		d.ID, d.TenantID, d.SKU, d.Kind, d.SourceSystem, d.SourceValue,
		d.TargetSystem, d.TargetValue, d.Severity, d.Confidence, d.ImpactScore,
		d.SuggestedAction, d.Status, d.Resolution, d.CreatedAt)
	return err
}

func (s *PGDiscrepancyStore) Get(ctx context.Context, id string) (*Discrepancy, error) {
	var d Discrepancy
	err := s.db.GetContext(ctx, &d, `SELECT * FROM discrepancies WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PGDiscrepancyStore) ListOpen(ctx context.Context, tenantID string) ([]Discrepancy, error) {
	var out []Discrepancy
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM discrepancies
		 WHERE tenant_id = $1 AND status = 'open'
		 ORDER BY created_at DESC`, tenantID)
	return out, err
}

func (s *PGDiscrepancyStore) CountBySKU(ctx context.Context, tenantID, sku string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM discrepancies WHERE tenant_id = $1 AND sku = $2`,
		tenantID, sku)
	return n, err
}

func (s *PGDiscrepancyStore) Resolve(ctx context.Context, id, resolution string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE discrepancies SET status = 'resolved', resolution = $2
		 WHERE id = $1`, id, resolution)
	return err
}

func (s *PGDiscrepancyStore) Summary(ctx context.Context, tenantID string) (*DiscrepancySummary, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT severity, kind, status, COUNT(*)
		 FROM discrepancies WHERE tenant_id = $1
		 GROUP BY severity, kind, status`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sum := &DiscrepancySummary{
		TenantID:   tenantID,
		BySeverity: make(map[Severity]int),
		ByKind:     make(map[DiscrepancyKind]int),
	}
	for rows.Next() {
		var sev Severity
		var kind DiscrepancyKind
		var status DiscrepancyStatus
		var n int
		if err := rows.Scan(&sev, &kind, &status, &n); err != nil {
			return nil, err
		}
		switch status {
		case DiscrepancyOpen:
			sum.Open += n
			sum.BySeverity[sev] += n
			sum.ByKind[kind] += n
		case DiscrepancyResolved:
			sum.Resolved += n
		}
	}
	return sum, rows.Err()
}

// ----------------------------------------------------------------------------
// Claims
// ----------------------------------------------------------------------------

type PGClaimStore struct{ db *sqlx.DB }

type pgClaimRow struct {
	ClaimCandidate
	EvidenceJSON []byte `db:"evidence"`
	AuditJSON    []byte `db:"audit_trail"`
	FactorsJSON  []byte `db:"risk_factors"`
}

func (s *PGClaimStore) Insert(ctx context.Context, c *ClaimCandidate) error {
	evidence, _ := json.Marshal(c.Evidence)
	audit, _ := json.Marshal(c.AuditTrail)
	factors, _ := json.Marshal(c.RiskFactors)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO claim_candidates
		   (claim_id, tenant_id, discrepancy_id, sync_job_id, sku, kind,
		    amount, currency, confidence, status, risk, estimated_payout_at,
		    evidence, audit_trail, risk_factors, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		c.ClaimID, c.TenantID, c.DiscrepancyID, c.SyncJobID, c.SKU, c.Kind,
		c.Amount, c.Currency, c.Confidence, c.Status, c.Risk, c.EstimatedPayoutAt,
		evidence, audit, factors, c.CreatedAt)
	return err
}

func (s *PGClaimStore) Get(ctx context.Context, claimID string) (*ClaimCandidate, error) {
	var row pgClaimRow
	err := s.db.GetContext(ctx, &row,
		`SELECT claim_id, tenant_id, discrepancy_id, sync_job_id, sku, kind,
		        amount, currency, confidence, status, risk, estimated_payout_at,
		        evidence, audit_trail, risk_factors, created_at
		 FROM claim_candidates WHERE claim_id = $1`, claimID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.decode()
}

func (r *pgClaimRow) decode() (*ClaimCandidate, error) {
	c := r.ClaimCandidate
	if len(r.EvidenceJSON) > 0 {
		if err := json.Unmarshal(r.EvidenceJSON, &c.Evidence); err != nil {
			return nil, fmt.Errorf("claim %s: bad evidence payload: %w", c.ClaimID, err)
		}
	}
	if len(r.AuditJSON) > 0 {
		_ = json.Unmarshal(r.AuditJSON, &c.AuditTrail)
	}
	if len(r.FactorsJSON) > 0 {
		_ = json.Unmarshal(r.FactorsJSON, &c.RiskFactors)
	}
	return &c, nil
}

func (s *PGClaimStore) ListBySKU(ctx context.Context, tenantID, sku string, limit int) ([]ClaimCandidate, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []pgClaimRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT claim_id, tenant_id, discrepancy_id, sync_job_id, sku, kind,
		        amount, currency, confidence, status, risk, estimated_payout_at,
		        evidence, audit_trail, risk_factors, created_at
		 FROM claim_candidates
		 WHERE tenant_id = $1 AND sku = $2
		 ORDER BY created_at DESC LIMIT $3`, tenantID, sku, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ClaimCandidate, 0, len(rows))
	for i := range rows {
		c, err := rows[i].decode()
		if err != nil {
			// Malformed persisted claim: skip, surface via log at the caller.
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *PGClaimStore) UpdateStatus(ctx context.Context, claimID string, status ClaimStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE claim_candidates SET status = $2 WHERE claim_id = $1`, claimID, status)
	return err
}

// ----------------------------------------------------------------------------
// Sync logs
// ----------------------------------------------------------------------------

type PGSyncLogStore struct{ db *sqlx.DB }

func (s *PGSyncLogStore) Append(ctx context.Context, l *SyncLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_logs
		   (id, tenant_id, provider, job_id, status, items_synced,
		    started_at, completed_at, error)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		l.ID, l.TenantID, l.Provider, l.JobID, l.Status, l.ItemsSynced,
		l.StartedAt, l.CompletedAt, l.Error)
	return err
}

func (s *PGSyncLogStore) LatestCompleted(ctx context.Context, tenantID, provider string) (*SyncLog, error) {
	var l SyncLog
	err := s.db.GetContext(ctx, &l,
		`SELECT * FROM sync_logs
		 WHERE tenant_id = $1 AND provider = $2 AND status = 'completed'
		 ORDER BY completed_at DESC LIMIT 1`, tenantID, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PGSyncLogStore) Recent(ctx context.Context, tenantID string, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []SyncLog
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM sync_logs WHERE tenant_id = $1
		 ORDER BY started_at DESC LIMIT $2`, tenantID, limit)
	return out, err
}

// ----------------------------------------------------------------------------
// Rules
// ----------------------------------------------------------------------------

type PGRuleStore struct{ db *sqlx.DB }

type pgRuleRow struct {
	ReconciliationRule
	ConditionsJSON []byte `db:"conditions"`
}

func (s *PGRuleStore) ListEffective(ctx context.Context, tenantID string) ([]ReconciliationRule, error) {
	var rows []pgRuleRow
	// Global rules first, then tenant rules; insertion order within each scope.
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, tenant_id, kind, threshold, severity, auto_resolve,
		        enabled, position, conditions
		 FROM reconciliation_rules
		 WHERE tenant_id IN ($1, $2) AND enabled
		 ORDER BY (tenant_id = $2), position`, GlobalTenant, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]ReconciliationRule, 0, len(rows))
	for i := range rows {
		r := rows[i].ReconciliationRule
		if len(rows[i].ConditionsJSON) > 0 {
			if err := json.Unmarshal(rows[i].ConditionsJSON, &r.Conditions); err != nil {
				// Malformed rule: skip it rather than fail the run.
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Credentials
// ----------------------------------------------------------------------------

type PGCredentialStore struct{ db *sqlx.DB }

func (s *PGCredentialStore) Get(ctx context.Context, tenantID, provider string) (*SealedCredential, error) {
	var c SealedCredential
	err := s.db.GetContext(ctx, &c,
		`SELECT * FROM credentials WHERE tenant_id = $1 AND provider = $2`,
		tenantID, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PGCredentialStore) Put(ctx context.Context, c *SealedCredential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (tenant_id, provider, blob, nonce, expires_at, invalid, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (tenant_id, provider) DO UPDATE SET
		   blob = EXCLUDED.blob, nonce = EXCLUDED.nonce,
		   expires_at = EXCLUDED.expires_at, invalid = EXCLUDED.invalid,
		   updated_at = EXCLUDED.updated_at`,
		c.TenantID, c.Provider, c.Blob, c.Nonce, c.ExpiresAt, c.Invalid, c.UpdatedAt)
	return err
}

func (s *PGCredentialStore) ExpiringWithin(ctx context.Context, window time.Duration) ([]SealedCredential, error) {
	var out []SealedCredential
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM credentials
		 WHERE NOT invalid AND expires_at < $1`, time.Now().Add(window))
	return out, err
}

func (s *PGCredentialStore) MarkInvalid(ctx context.Context, tenantID, provider string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET invalid = TRUE
		 WHERE tenant_id = $1 AND provider = $2`, tenantID, provider)
	return err
}
