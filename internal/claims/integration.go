package claims

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/opside/recon/internal/store"
)

// EventSink receives pipeline lifecycle events. Satisfied by the
// notification dispatcher; a nil sink drops events.
type EventSink interface {
	Emit(ctx context.Context, event string, payload map[string]interface{})
}

// Config tunes the claim pipeline.
type Config struct {
	// MinConfidence drops discrepancies below this before detection.
	MinConfidence float64
	// BatchSize is how many discrepancies one batch carries.
	BatchSize int
	// MaxConcurrentBatches bounds batches in flight.
	MaxConcurrentBatches int
	// AutoSubmit files low-risk high-confidence claims immediately.
	AutoSubmit bool
	// TuningFor resolves per-tenant overrides of the settings above.
	// nil means every tenant runs with the defaults.
	TuningFor func(tenantID string) Tuning
}

// Tuning is the per-tenant subset of Config a tenant may override. Zero
// numeric fields fall back to the pipeline defaults.
type Tuning struct {
	MinConfidence float64
	BatchSize     int
	AutoSubmit    bool
}

// Result summarizes one pipeline run.
type Result struct {
	Detected  int                    `json:"detected"`
	Submitted int                    `json:"submitted"`
	Skipped   int                    `json:"skipped"`
	Claims    []store.ClaimCandidate `json:"claims,omitempty"`
	Errors    []string               `json:"errors,omitempty"`
}

// Pipeline runs discrepancies through detection, enrichment, and
// optional submission.
type Pipeline struct {
	detector  *Detector
	mcde      *MCDE
	refund    *RefundEngine
	claims    store.ClaimStore
	inventory store.InventoryStore
	cache     Cache
	sink      EventSink
	cfg       Config
	logger    *log.Logger
}

// NewPipeline creates the claim pipeline. mcde, refund, cache, and sink
// are optional; a nil inventory store skips detector enrichment.
func NewPipeline(detector *Detector, mcde *MCDE, refund *RefundEngine, claimStore store.ClaimStore, inventory store.InventoryStore, cache Cache, sink EventSink, cfg Config) *Pipeline {
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = 0.7
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxConcurrentBatches == 0 {
		cfg.MaxConcurrentBatches = 4
	}
	return &Pipeline{
		detector:  detector,
		mcde:      mcde,
		refund:    refund,
		claims:    claimStore,
		inventory: inventory,
		cache:     cache,
		sink:      sink,
		cfg:       cfg,
		logger:    log.New(log.Writer(), "[CLAIMS] ", log.LstdFlags),
	}
}

func (p *Pipeline) emit(ctx context.Context, event string, payload map[string]interface{}) {
	if p.sink != nil {
		p.sink.Emit(ctx, event, payload)
	}
}

// Process runs one batch of discrepancies through the pipeline. Batches
// run concurrently; discrepancies within a batch run in order. A detector
// failure downgrades the claim to a pending placeholder instead of
// failing the run.
func (p *Pipeline) Process(ctx context.Context, tenantID, userID, jobID string, discrepancies []store.Discrepancy) (*Result, error) {
	tun := p.tuning(tenantID)

	res := &Result{}
	var eligible []store.Discrepancy
	for _, d := range discrepancies {
		if d.Confidence < tun.MinConfidence {
			res.Skipped++
			continue
		}
		eligible = append(eligible, d)
	}
	if len(eligible) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	sem := semaphore.NewWeighted(int64(p.cfg.MaxConcurrentBatches))
	g, gctx := errgroup.WithContext(ctx)

	for _, batch := range lo.Chunk(eligible, tun.BatchSize) {
		batch := batch
		if err := sem.Acquire(gctx, 1); err != nil {
			return res, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			for _, d := range batch {
				claim, err := p.processOne(gctx, tenantID, userID, jobID, d, tun.AutoSubmit)
				mu.Lock()
				if err != nil {
					res.Errors = append(res.Errors, fmt.Sprintf("discrepancy %s: %v", d.ID, err))
				} else {
					res.Detected++
					if claim.Status == store.ClaimSubmitted {
						res.Submitted++
					}
					res.Claims = append(res.Claims, *claim)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	p.logger.Printf("tenant %s job %s: detected=%d submitted=%d skipped=%d errors=%d",
		tenantID, jobID, res.Detected, res.Submitted, res.Skipped, len(res.Errors))
	return res, nil
}

// tuning resolves the effective per-tenant settings, falling back to the
// pipeline defaults for anything the tenant leaves unset.
func (p *Pipeline) tuning(tenantID string) Tuning {
	tun := Tuning{
		MinConfidence: p.cfg.MinConfidence,
		BatchSize:     p.cfg.BatchSize,
		AutoSubmit:    p.cfg.AutoSubmit,
	}
	if p.cfg.TuningFor == nil {
		return tun
	}
	o := p.cfg.TuningFor(tenantID)
	if o.MinConfidence > 0 {
		tun.MinConfidence = o.MinConfidence
	}
	if o.BatchSize > 0 {
		tun.BatchSize = o.BatchSize
	}
	tun.AutoSubmit = o.AutoSubmit
	return tun
}

// enrich attaches inventory context and the SKU's recent claim history to
// the detector request. Enrichment is best-effort; lookup failures just
// leave the fields empty.
func (p *Pipeline) enrich(ctx context.Context, tenantID, sku string, req *DetectorRequest) {
	if p.inventory != nil {
		if item, err := p.inventory.GetBySKU(ctx, tenantID, sku); err == nil {
			req.InventoryContext = map[string]interface{}{
				"asin":               item.ASIN,
				"marketplace_id":     item.MarketplaceID,
				"quantity_available": item.QuantityAvailable,
				"quantity_reserved":  item.QuantityReserved,
				"reorder_point":      item.ReorderPoint,
				"selling_price":      item.SellingPrice,
				"cost_price":         item.CostPrice,
				"last_synced_at":     item.LastSyncedAt,
			}
		}
	}
	if history, err := p.claims.ListBySKU(ctx, tenantID, sku, 10); err == nil {
		for _, h := range history {
			req.HistoricalClaims = append(req.HistoricalClaims, HistoricalClaim{
				ClaimID:    h.ClaimID,
				Status:     string(h.Status),
				Amount:     h.Amount,
				Confidence: h.Confidence,
			})
		}
	}
}

func (p *Pipeline) processOne(ctx context.Context, tenantID, userID, jobID string, d store.Discrepancy, autoSubmit bool) (*store.ClaimCandidate, error) {
	now := time.Now().UTC()
	claimID := uuid.NewString()

	req := DetectorRequest{
		ClaimID:     claimID,
		TenantID:    tenantID,
		SKU:         d.SKU,
		Marketplace: d.SourceSystem,
		Currency:    "USD",
		Metadata: map[string]interface{}{
			"kind":         string(d.Kind),
			"source_value": d.SourceValue,
			"target_value": d.TargetValue,
			"severity":     string(d.Severity),
		},
	}
	if d.Kind == store.KindQuantity {
		if synced, err := strconv.Atoi(d.SourceValue); err == nil {
			req.QuantitySynced = synced
		}
		if actual, err := strconv.Atoi(d.TargetValue); err == nil {
			req.QuantityActual = actual
		}
		req.DiscrepancyAmount = float64(req.QuantitySynced - req.QuantityActual)
	}
	p.enrich(ctx, tenantID, d.SKU, &req)

	det, detErr := p.detector.Calculate(ctx, req)

	confidence := 0.0
	amount := 0.0
	currency := "USD"
	status := store.ClaimPending
	audit := []store.AuditEntry{{At: now, Action: "detected", Detail: "discrepancy " + d.ID}}

	if detErr != nil {
		// Placeholder claim so nothing is silently dropped: zero
		// confidence, pending, and high risk from the zero confidence.
		p.logger.Printf("detector unavailable for claim %s: %v", claimID, detErr)
		audit = append(audit, store.AuditEntry{At: now, Action: "detector_unavailable", Detail: detErr.Error()})
	} else {
		confidence = det.Confidence
		amount = det.ClaimAmount
		if det.Currency != "" {
			currency = det.Currency
		}
		status = store.ClaimValidated
		audit = append(audit, store.AuditEntry{
			At:     now,
			Action: "valued",
			Detail: fmt.Sprintf("amount=%.2f net_gain=%.2f", det.ClaimAmount, det.NetGain),
		})
	}

	risk, factors := AssessRisk(d.Severity, confidence)
	mitigations := Mitigations(risk, factors)
	if detErr != nil {
		mitigations = append(mitigations, "re-run detection once the claim detector recovers")
	}

	evidence := buildEvidence(d, det, now)
	claim := &store.ClaimCandidate{
		ClaimID:           claimID,
		TenantID:          tenantID,
		DiscrepancyID:     d.ID,
		SyncJobID:         jobID,
		SKU:               d.SKU,
		Kind:              Classify(d),
		Amount:            amount,
		Currency:          currency,
		Confidence:        confidence,
		Status:            status,
		Risk:              risk,
		RiskFactors:       factors,
		Mitigations:       mitigations,
		EstimatedPayoutAt: EstimatePayout(now, d.Severity, confidence),
		Evidence:          evidence,
		AuditTrail:        audit,
		CreatedAt:         now,
	}

	// Cost document is enrichment; its failure only leaves a mitigation.
	if p.mcde != nil && status == store.ClaimValidated && amount > 0 {
		url, err := p.mcde.GenerateCostDocument(ctx, claimID, amount)
		if err != nil {
			p.logger.Printf("cost document failed for claim %s: %v", claimID, err)
			claim.Mitigations = append(claim.Mitigations, "regenerate cost document before submission")
			claim.AuditTrail = append(claim.AuditTrail, store.AuditEntry{At: now, Action: "document_failed", Detail: err.Error()})
		} else {
			claim.Evidence = append(claim.Evidence, store.ProofItem{
				Type:      "cost_document",
				Timestamp: now,
				Payload:   map[string]interface{}{"url": url},
			})
			claim.AuditTrail = append(claim.AuditTrail, store.AuditEntry{At: now, Action: "document_generated", Detail: url})
			p.emit(ctx, "proof_generated", map[string]interface{}{
				"claim_id": claimID, "tenant_id": tenantID, "url": url,
			})
		}
	}

	if err := p.claims.Insert(ctx, claim); err != nil {
		return nil, fmt.Errorf("persist claim: %w", err)
	}
	if p.cache != nil {
		p.cache.Set(ctx, claim)
	}
	p.emit(ctx, "claim_detected", map[string]interface{}{
		"claim_id": claimID, "tenant_id": tenantID, "sku": d.SKU,
		"amount": amount, "currency": currency, "risk": string(risk),
	})

	if p.shouldAutoSubmit(claim, autoSubmit) {
		if err := p.submit(ctx, userID, claim, d); err != nil {
			p.logger.Printf("auto-submit failed for claim %s: %v", claimID, err)
			claim.AuditTrail = append(claim.AuditTrail, store.AuditEntry{At: time.Now().UTC(), Action: "submit_failed", Detail: err.Error()})
		}
	}
	return claim, nil
}

func (p *Pipeline) shouldAutoSubmit(claim *store.ClaimCandidate, autoSubmit bool) bool {
	return autoSubmit &&
		p.refund != nil &&
		claim.Status == store.ClaimValidated &&
		claim.Risk == store.RiskLow &&
		claim.Confidence > 0.9 &&
		claim.Amount > 0
}

// Submit files one claim with the refund engine and records the transition.
func (p *Pipeline) submit(ctx context.Context, userID string, claim *store.ClaimCandidate, d store.Discrepancy) error {
	_, err := p.refund.Submit(ctx, userID, RefundSubmission{
		CaseNumber:           claim.ClaimID,
		ClaimAmount:          claim.Amount,
		CustomerHistoryScore: claim.Confidence,
		ProductCategory:      "inventory",
		DaysSincePurchase:    int(time.Since(d.CreatedAt).Hours() / 24),
		ClaimDescription:     fmt.Sprintf("%s discrepancy on %s: marketplace=%s local=%s", d.Kind, d.SKU, d.SourceValue, d.TargetValue),
	})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := p.claims.UpdateStatus(ctx, claim.ClaimID, store.ClaimSubmitted); err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	claim.Status = store.ClaimSubmitted
	claim.AuditTrail = append(claim.AuditTrail, store.AuditEntry{At: now, Action: "submitted"})
	if p.cache != nil {
		p.cache.Set(ctx, claim)
	}
	p.emit(ctx, "claim_submitted", map[string]interface{}{
		"claim_id": claim.ClaimID, "tenant_id": claim.TenantID,
		"amount": claim.Amount, "currency": claim.Currency,
	})
	return nil
}

func buildEvidence(d store.Discrepancy, det *DetectorResponse, at time.Time) []store.ProofItem {
	evidence := []store.ProofItem{
		{
			Type:      "inventory_snapshot",
			Timestamp: at,
			Payload: map[string]interface{}{
				"sku":          d.SKU,
				"kind":         string(d.Kind),
				"source":       d.SourceSystem,
				"source_value": d.SourceValue,
				"target_value": d.TargetValue,
			},
		},
		{
			Type:      "value_comparison",
			Timestamp: at,
			Payload: map[string]interface{}{
				"severity":     string(d.Severity),
				"confidence":   d.Confidence,
				"impact_score": d.ImpactScore,
			},
		},
	}
	if det != nil && len(det.Proof) > 0 {
		evidence = append(evidence, store.ProofItem{
			Type:      "detector_valuation",
			Timestamp: at,
			Payload: map[string]interface{}{
				"amazon_default_value": det.AmazonDefaultValue,
				"opside_true_value":    det.OpsideTrueValue,
				"net_gain":             det.NetGain,
				"proof":                string(det.Proof),
			},
		})
	}
	return evidence
}
