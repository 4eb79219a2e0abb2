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

// MCDE is the cost-document generation service client. Document
// generation is optional enrichment: callers treat failures as a
// mitigation note, never as claim failure.
type MCDE struct {
	base    string
	http    *http.Client
	breaker *breaker.CircuitBreaker
}

// NewMCDE creates the document service client.
func NewMCDE(base string, timeout time.Duration, cb *breaker.CircuitBreaker) *MCDE {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cb == nil {
		cb = breaker.New(breaker.DefaultConfig("mcde"))
	}
	return &MCDE{
		base:    base,
		http:    &http.Client{Timeout: timeout},
		breaker: cb,
	}
}

// GenerateCostDocument requests a cost document for a claim and returns
// its URL.
func (m *MCDE) GenerateCostDocument(ctx context.Context, claimID string, costEstimate float64) (string, error) {
	result, err := m.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		body, err := json.Marshal(map[string]interface{}{
			"claim_id":      claimID,
			"cost_estimate": costEstimate,
			"document_type": "cost_document",
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base+"/generate-document", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := m.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("claims: mcde request: %w", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("claims: mcde returned %d: %s", resp.StatusCode, truncate(raw, 200))
		}
		var out struct {
			DocumentURL string `json:"document_url"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("claims: decode mcde response: %w", err)
		}
		if out.DocumentURL == "" {
			return nil, fmt.Errorf("claims: mcde returned empty document url")
		}
		return out.DocumentURL, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}
