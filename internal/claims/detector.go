// Package claims turns graded discrepancies into monetary claim
// candidates: detection, enrichment, risk grading, document generation,
// and submission to the refund engine.
package claims

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opside/recon/internal/breaker"
)

// DetectorRequest is the evidence payload sent to the claim detector:
// the discrepancy itself plus inventory context and recent claim history
// for the same SKU.
type DetectorRequest struct {
	ClaimID           string                 `json:"claim_id"`
	TenantID          string                 `json:"tenant_id"`
	SKU               string                 `json:"sku"`
	Marketplace       string                 `json:"marketplace"`
	QuantitySynced    int                    `json:"quantity_synced"`
	QuantityActual    int                    `json:"quantity_actual"`
	DiscrepancyAmount float64                `json:"discrepancy_amount"`
	Currency          string                 `json:"currency"`
	InventoryContext  map[string]interface{} `json:"inventory_context,omitempty"`
	HistoricalClaims  []HistoricalClaim      `json:"historical_claims,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// HistoricalClaim is one prior claim for the same SKU, newest first.
type HistoricalClaim struct {
	ClaimID    string  `json:"claim_id"`
	Status     string  `json:"status"`
	Amount     float64 `json:"amount"`
	Confidence float64 `json:"confidence"`
}

// DetectorResponse is the detector's valuation of one claim.
type DetectorResponse struct {
	ClaimID            string          `json:"claim_id"`
	ClaimAmount        float64         `json:"claim_amount"`
	Currency           string          `json:"currency"`
	Confidence         float64         `json:"confidence"`
	AmazonDefaultValue float64         `json:"amazon_default_value"`
	OpsideTrueValue    float64         `json:"opside_true_value"`
	NetGain            float64         `json:"net_gain"`
	Proof              json.RawMessage `json:"proof,omitempty"`
}

// Detector calls the external claim detector service.
type Detector struct {
	base    string
	token   string
	http    *http.Client
	breaker *breaker.CircuitBreaker
}

// NewDetector creates a detector client. token is optional.
func NewDetector(base, token string, timeout time.Duration, cb *breaker.CircuitBreaker) *Detector {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cb == nil {
		cb = breaker.New(breaker.DefaultConfig("claim-detector"))
	}
	return &Detector{
		base:    base,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		breaker: cb,
	}
}

// Calculate asks the detector to value one claim. Guarded by the
// detector's circuit breaker.
func (d *Detector) Calculate(ctx context.Context, req DetectorRequest) (*DetectorResponse, error) {
	result, err := d.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+"/evidence/claims/calculate", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if d.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+d.token)
		}

		resp, err := d.http.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("claims: detector request: %w", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("claims: detector returned %d: %s", resp.StatusCode, truncate(raw, 200))
		}
		var out DetectorResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("claims: decode detector response: %w", err)
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*DetectorResponse), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
