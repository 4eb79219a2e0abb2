// Package store holds the domain records and the narrow persistence ports
// the reconciliation core depends on. Persistence is authoritative; every
// in-process map in the service is a cache in front of these stores.
package store

import (
	"time"
)

// Severity grades a discrepancy.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for upward-only overrides.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// DiscrepancyKind names the compared field family.
type DiscrepancyKind string

const (
	KindQuantity DiscrepancyKind = "quantity"
	KindPrice    DiscrepancyKind = "price"
	KindStatus   DiscrepancyKind = "status"
	KindMetadata DiscrepancyKind = "metadata"
)

// SuggestedAction is the engine's disposition for a discrepancy.
type SuggestedAction string

const (
	ActionInvestigate SuggestedAction = "investigate"
	ActionAutoResolve SuggestedAction = "auto_resolve"
	ActionIgnore      SuggestedAction = "ignore"
	ActionEscalate    SuggestedAction = "escalate"
)

// DiscrepancyStatus tracks a discrepancy's lifecycle.
type DiscrepancyStatus string

const (
	DiscrepancyOpen       DiscrepancyStatus = "open"
	DiscrepancyResolved   DiscrepancyStatus = "resolved"
	DiscrepancySuppressed DiscrepancyStatus = "suppressed"
)

// InventoryItem is the tenant's locally-held ground truth for one SKU.
type InventoryItem struct {
	ID                string            `db:"id" json:"id"`
	TenantID          string            `db:"tenant_id" json:"tenant_id"`
	SKU               string            `db:"sku" json:"sku"`
	ASIN              string            `db:"asin" json:"asin,omitempty"`
	MarketplaceID     string            `db:"marketplace_id" json:"marketplace_id,omitempty"`
	QuantityAvailable int               `db:"quantity_available" json:"quantity_available"`
	QuantityReserved  int               `db:"quantity_reserved" json:"quantity_reserved"`
	ReorderPoint      int               `db:"reorder_point" json:"reorder_point"`
	SellingPrice      float64           `db:"selling_price" json:"selling_price"`
	CostPrice         float64           `db:"cost_price" json:"cost_price"`
	IsActive          bool              `db:"is_active" json:"is_active"`
	Metadata          map[string]string `db:"-" json:"metadata,omitempty"`
	LastSyncedAt      time.Time         `db:"last_synced_at" json:"last_synced_at"`
}

// Discrepancy is a detected difference between marketplace state and
// internal state for one SKU and field.
type Discrepancy struct {
	ID              string            `db:"id" json:"id"`
	TenantID        string            `db:"tenant_id" json:"tenant_id"`
	SKU             string            `db:"sku" json:"sku"`
	Kind            DiscrepancyKind   `db:"kind" json:"kind"`
	SourceSystem    string            `db:"source_system" json:"source_system"`
	SourceValue     string            `db:"source_value" json:"source_value"`
	TargetSystem    string            `db:"target_system" json:"target_system"`
	TargetValue     string            `db:"target_value" json:"target_value"`
	Severity        Severity          `db:"severity" json:"severity"`
	Confidence      float64           `db:"confidence" json:"confidence"`
	ImpactScore     float64           `db:"impact_score" json:"impact_score"`
	SuggestedAction SuggestedAction   `db:"suggested_action" json:"suggested_action"`
	Status          DiscrepancyStatus `db:"status" json:"status"`
	Resolution      string            `db:"resolution" json:"resolution,omitempty"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
}

// DiscrepancySummary aggregates open discrepancies for a tenant.
type DiscrepancySummary struct {
	TenantID   string                  `json:"tenant_id"`
	Open       int                     `json:"open"`
	Resolved   int                     `json:"resolved"`
	BySeverity map[Severity]int        `json:"by_severity"`
	ByKind     map[DiscrepancyKind]int `json:"by_kind"`
}

// RuleOperator is a condition comparator.
type RuleOperator string

const (
	OpEq       RuleOperator = "eq"
	OpNe       RuleOperator = "ne"
	OpGt       RuleOperator = "gt"
	OpLt       RuleOperator = "lt"
	OpContains RuleOperator = "contains"
)

// RuleKind names the rule family.
type RuleKind string

const (
	RuleQuantityThreshold RuleKind = "quantity_threshold"
	RulePriceThreshold    RuleKind = "price_threshold"
	RuleStatusCheck       RuleKind = "status_check"
	RuleAutoResolve       RuleKind = "auto_resolve"
)

// GlobalTenant is the pseudo tenant id scoping rules to every tenant.
const GlobalTenant = "global"

// RuleCondition is one predicate of a reconciliation rule.
type RuleCondition struct {
	SourceSystem string       `json:"source_system" yaml:"source_system"`
	TargetSystem string       `json:"target_system" yaml:"target_system"`
	Field        string       `json:"field" yaml:"field"`
	Operator     RuleOperator `json:"operator" yaml:"operator"`
	Value        interface{}  `json:"value" yaml:"value"`
}

// ReconciliationRule governs how discrepancies are graded and resolved.
// Global rules union with tenant rules; tenant rules win by ordering.
type ReconciliationRule struct {
	ID          string          `db:"id" json:"id"`
	TenantID    string          `db:"tenant_id" json:"tenant_id"`
	Kind        RuleKind        `db:"kind" json:"kind"`
	Threshold   float64         `db:"threshold" json:"threshold"`
	Severity    Severity        `db:"severity" json:"severity"`
	AutoResolve bool            `db:"auto_resolve" json:"auto_resolve"`
	Enabled     bool            `db:"enabled" json:"enabled"`
	Conditions  []RuleCondition `db:"-" json:"conditions,omitempty"`
	Position    int             `db:"position" json:"position"`
}

// ClaimKind classifies a claim candidate.
type ClaimKind string

const (
	ClaimMissingUnits    ClaimKind = "missing_units"
	ClaimOvercharge      ClaimKind = "overcharge"
	ClaimDamage          ClaimKind = "damage"
	ClaimDelayedShipment ClaimKind = "delayed_shipment"
	ClaimOther           ClaimKind = "other"
)

// ClaimStatus tracks a claim candidate's lifecycle.
type ClaimStatus string

const (
	ClaimPending   ClaimStatus = "pending"
	ClaimValidated ClaimStatus = "validated"
	ClaimSubmitted ClaimStatus = "submitted"
	ClaimApproved  ClaimStatus = "approved"
	ClaimRejected  ClaimStatus = "rejected"
)

// RiskLevel grades a claim's recovery risk.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ProofItem is one element of a claim's evidence bundle.
type ProofItem struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// AuditEntry records one transition in a claim's audit trail.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"`
	Detail string    `json:"detail,omitempty"`
}

// ClaimCandidate is a monetary reimbursement candidate derived from a
// discrepancy.
type ClaimCandidate struct {
	ClaimID           string       `db:"claim_id" json:"claim_id"`
	TenantID          string       `db:"tenant_id" json:"tenant_id"`
	DiscrepancyID     string       `db:"discrepancy_id" json:"discrepancy_id"`
	SyncJobID         string       `db:"sync_job_id" json:"sync_job_id"`
	SKU               string       `db:"sku" json:"sku"`
	Kind              ClaimKind    `db:"kind" json:"kind"`
	Amount            float64      `db:"amount" json:"amount"`
	Currency          string       `db:"currency" json:"currency"`
	Confidence        float64      `db:"confidence" json:"confidence"`
	Status            ClaimStatus  `db:"status" json:"status"`
	Risk              RiskLevel    `db:"risk" json:"risk"`
	RiskFactors       []string     `db:"-" json:"risk_factors,omitempty"`
	Mitigations       []string     `db:"-" json:"mitigations,omitempty"`
	EstimatedPayoutAt time.Time    `db:"estimated_payout_at" json:"estimated_payout_at"`
	Evidence          []ProofItem  `db:"-" json:"evidence,omitempty"`
	AuditTrail        []AuditEntry `db:"-" json:"audit_trail,omitempty"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
}

// SyncLog is the append-only record of a completed or failed sync run.
type SyncLog struct {
	ID          string     `db:"id" json:"id"`
	TenantID    string     `db:"tenant_id" json:"tenant_id"`
	Provider    string     `db:"provider" json:"provider"`
	JobID       string     `db:"job_id" json:"job_id"`
	Status      string     `db:"status" json:"status"`
	ItemsSynced int        `db:"items_synced" json:"items_synced"`
	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Error       string     `db:"error" json:"error,omitempty"`
}

// SealedCredential is an encrypted-at-rest marketplace credential.
// Only the token vault can open it.
type SealedCredential struct {
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Provider  string    `db:"provider" json:"provider"`
	Blob      []byte    `db:"blob" json:"-"`
	Nonce     []byte    `db:"nonce" json:"-"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	Invalid   bool      `db:"invalid" json:"invalid"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
