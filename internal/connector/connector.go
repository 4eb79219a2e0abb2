// Package connector defines the pluggable data-source contract and the
// reference marketplace connector. A connector knows how to pull one
// upstream's inventory view and how to turn it into standardized
// discrepancy records against the tenant's local state.
package connector

import (
	"context"
	"time"
)

// SourceItem is one upstream inventory observation, normalized to the
// reconciliation engine's input shape.
type SourceItem struct {
	SKU           string            `json:"sku"`
	ASIN          string            `json:"asin,omitempty"`
	MarketplaceID string            `json:"marketplace_id,omitempty"`
	Quantity      int               `json:"quantity"`
	Price         float64           `json:"price"`
	Currency      string            `json:"currency,omitempty"`
	Status        string            `json:"status,omitempty"`
	Active        bool              `json:"active"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ObservedAt    time.Time         `json:"observed_at"`
}

// Health is a connector's last-run snapshot.
type Health struct {
	Healthy   bool      `json:"healthy"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Connector is one pluggable data source.
type Connector interface {
	// Name is the stable source identifier (e.g. "amazon").
	Name() string

	// Enabled reports whether this source runs for the tenant.
	Enabled(tenantID string) bool

	// Health reports the last-run outcome.
	Health() Health

	// Fetch pulls the upstream inventory view changed since the watermark.
	// A zero since means a full fetch.
	Fetch(ctx context.Context, tenantID string, since time.Time) ([]SourceItem, error)

	// CollectDiscrepancies compares upstream against local state and emits
	// standardized records for every unit delta.
	CollectDiscrepancies(ctx context.Context, tenantID string) ([]StandardizedDiscrepancy, error)
}
