// Package billing charges the service commission on recovered claims
// through Stripe. Amounts are integer minor units throughout.
package billing

import (
	"context"
	"fmt"
	"log"
	"sync"

	stripe "github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
)

// Commission fee policy: 20 percent of the recovered amount, never less
// than 50 minor units, never more than the amount itself.
const (
	feePercent = 20
	feeMinimum = 50
)

// Fee computes the commission for a recovered amount. Zero and negative
// amounts carry no fee.
func Fee(amountMinor int64) int64 {
	if amountMinor <= 0 {
		return 0
	}
	fee := (amountMinor*feePercent + 50) / 100 // round half up
	if fee < feeMinimum {
		fee = feeMinimum
	}
	if fee > amountMinor {
		fee = amountMinor
	}
	return fee
}

// Charge is the outcome of one commission charge.
type Charge struct {
	DisputeID       string `json:"dispute_id"`
	CustomerID      string `json:"customer_id"`
	AmountMinor     int64  `json:"amount_minor"`
	FeeMinor        int64  `json:"fee_minor"`
	PayoutMinor     int64  `json:"payout_minor"`
	Currency        string `json:"currency"`
	PaymentIntentID string `json:"payment_intent_id"`
}

// Service charges commissions against tenant Stripe customers.
type Service struct {
	sc     *client.API
	logger *log.Logger

	mu        sync.RWMutex
	customers map[string]string // tenantID -> stripe customer id
}

// New creates the billing service with the given Stripe secret key.
func New(apiKey string) *Service {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &Service{
		sc:        sc,
		logger:    log.New(log.Writer(), "[BILLING] ", log.LstdFlags),
		customers: make(map[string]string),
	}
}

// GetOrCreateCustomer resolves the tenant's Stripe customer, creating one
// on first use.
func (s *Service) GetOrCreateCustomer(ctx context.Context, tenantID, email string) (string, error) {
	s.mu.RLock()
	id, ok := s.customers[tenantID]
	s.mu.RUnlock()
	if ok {
		return id, nil
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.AddMetadata("tenant_id", tenantID)

	cust, err := s.sc.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("billing: create customer for tenant %s: %w", tenantID, err)
	}

	s.mu.Lock()
	s.customers[tenantID] = cust.ID
	s.mu.Unlock()
	s.logger.Printf("created customer %s for tenant %s", cust.ID, tenantID)
	return cust.ID, nil
}

// IdempotencyKey derives the default Stripe idempotency key for a
// dispute. Deterministic so a retried charge never double-bills.
func IdempotencyKey(disputeID string) string {
	return "billing-" + disputeID
}

// ChargeCommission charges the commission on one recovered dispute.
// idempotencyKey overrides the default dispute-derived key when set;
// callers pass one only when a dispute legitimately pays out twice.
func (s *Service) ChargeCommission(ctx context.Context, tenantID, email, disputeID, currency string, amountMinor int64, idempotencyKey string) (*Charge, error) {
	if amountMinor <= 0 {
		return nil, fmt.Errorf("billing: dispute %s has non-positive amount %d", disputeID, amountMinor)
	}
	if idempotencyKey == "" {
		idempotencyKey = IdempotencyKey(disputeID)
	}

	customerID, err := s.GetOrCreateCustomer(ctx, tenantID, email)
	if err != nil {
		return nil, err
	}

	fee := Fee(amountMinor)
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(fee),
		Currency:    stripe.String(currency),
		Customer:    stripe.String(customerID),
		Description: stripe.String(fmt.Sprintf("commission on dispute %s", disputeID)),
		Confirm:     stripe.Bool(true),
		OffSession:  stripe.Bool(true),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)
	params.AddMetadata("tenant_id", tenantID)
	params.AddMetadata("dispute_id", disputeID)

	pi, err := s.sc.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("billing: charge commission for dispute %s: %w", disputeID, err)
	}

	charge := &Charge{
		DisputeID:       disputeID,
		CustomerID:      customerID,
		AmountMinor:     amountMinor,
		FeeMinor:        fee,
		PayoutMinor:     amountMinor - fee,
		Currency:        currency,
		PaymentIntentID: pi.ID,
	}
	s.logger.Printf("dispute %s: amount=%d fee=%d payout=%d %s", disputeID, amountMinor, fee, charge.PayoutMinor, currency)
	return charge, nil
}
