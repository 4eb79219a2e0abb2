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

// RefundSubmission is the payload the refund engine expects.
type RefundSubmission struct {
	CaseNumber           string  `json:"case_number"`
	ClaimAmount          float64 `json:"claim_amount"`
	CustomerHistoryScore float64 `json:"customer_history_score"`
	ProductCategory      string  `json:"product_category"`
	DaysSincePurchase    int     `json:"days_since_purchase"`
	ClaimDescription     string  `json:"claim_description"`
}

// RefundEngine submits validated claims for reimbursement.
type RefundEngine struct {
	base    string
	http    *http.Client
	breaker *breaker.CircuitBreaker
}

// NewRefundEngine creates the refund engine client.
func NewRefundEngine(base string, timeout time.Duration, cb *breaker.CircuitBreaker) *RefundEngine {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cb == nil {
		cb = breaker.New(breaker.DefaultConfig("refund-engine"))
	}
	return &RefundEngine{
		base:    base,
		http:    &http.Client{Timeout: timeout},
		breaker: cb,
	}
}

// Submit files one claim with the refund engine on behalf of a user and
// returns the refund-side claim id.
func (r *RefundEngine) Submit(ctx context.Context, userID string, sub RefundSubmission) (string, error) {
	result, err := r.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		body, err := json.Marshal(sub)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/api/v1/claims", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-Id", userID)

		resp, err := r.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("claims: refund engine request: %w", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return nil, fmt.Errorf("claims: refund engine returned %d: %s", resp.StatusCode, truncate(raw, 200))
		}
		var out struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("claims: decode refund engine response: %w", err)
		}
		return out.ID, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}
