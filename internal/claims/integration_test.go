package claims

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opside/recon/internal/store"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Emit(_ context.Context, event string, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func discrepancy(id, sku string, severity store.Severity, confidence float64) store.Discrepancy {
	return store.Discrepancy{
		ID:           id,
		TenantID:     "t1",
		SKU:          sku,
		Kind:         store.KindQuantity,
		SourceSystem: "amazon",
		SourceValue:  "20",
		TargetValue:  "10",
		Severity:     severity,
		Confidence:   confidence,
	}
}

func detectorServer(t *testing.T, confidence, amount float64) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/evidence/claims/calculate", r.URL.Path)
		var req DetectorRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.ClaimID)
		json.NewEncoder(w).Encode(DetectorResponse{
			ClaimID:     req.ClaimID,
			ClaimAmount: amount,
			Currency:    "USD",
			Confidence:  confidence,
			NetGain:     amount * 0.8,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestPipelineSkipsLowConfidence(t *testing.T) {
	srv, calls := detectorServer(t, 0.9, 50)
	mem := store.NewMemory()
	p := NewPipeline(NewDetector(srv.URL, "", 0, nil), nil, nil, mem.Claims, mem.Inventory, nil, nil, Config{})

	res, err := p.Process(context.Background(), "t1", "u1", "job-1", []store.Discrepancy{
		discrepancy("d1", "sku-1", store.SeverityMedium, 0.5), // below 0.7
		discrepancy("d2", "sku-2", store.SeverityMedium, 0.8),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Detected)
	assert.Equal(t, int64(1), calls.Load())
}

func TestPipelineValidatesAndPersists(t *testing.T) {
	srv, _ := detectorServer(t, 0.85, 120.5)
	mem := store.NewMemory()
	sink := &recordingSink{}
	p := NewPipeline(NewDetector(srv.URL, "", 0, nil), nil, nil, mem.Claims, mem.Inventory, NewLocalCache(0), sink, Config{})

	res, err := p.Process(context.Background(), "t1", "u1", "job-1", []store.Discrepancy{
		discrepancy("d1", "sku-1", store.SeverityMedium, 0.8),
	})
	require.NoError(t, err)
	require.Len(t, res.Claims, 1)

	claim := res.Claims[0]
	assert.Equal(t, store.ClaimValidated, claim.Status)
	assert.Equal(t, 120.5, claim.Amount)
	assert.Equal(t, 0.85, claim.Confidence)
	// Upstream reports 20 against 10 held locally.
	assert.Equal(t, store.ClaimOvercharge, claim.Kind)
	assert.Equal(t, "job-1", claim.SyncJobID)
	assert.NotEmpty(t, claim.Evidence)
	assert.NotEmpty(t, claim.AuditTrail)

	stored, err := mem.Claims.Get(context.Background(), claim.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, store.ClaimValidated, stored.Status)
	assert.Equal(t, 1, sink.count("claim_detected"))
}

func TestPipelineDetectorDownYieldsPlaceholder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	p := NewPipeline(NewDetector(srv.URL, "", 0, nil), nil, nil, mem.Claims, mem.Inventory, nil, nil, Config{})

	res, err := p.Process(context.Background(), "t1", "u1", "job-1", []store.Discrepancy{
		discrepancy("d1", "sku-1", store.SeverityMedium, 0.8),
	})
	require.NoError(t, err)
	require.Len(t, res.Claims, 1)

	claim := res.Claims[0]
	assert.Equal(t, store.ClaimPending, claim.Status)
	assert.Equal(t, 0.0, claim.Amount)
	// Placeholder semantics: zero confidence, never silently dropped.
	assert.Equal(t, 0.0, claim.Confidence)
	assert.Equal(t, store.RiskHigh, claim.Risk)
	assert.Contains(t, claim.Mitigations, "re-run detection once the claim detector recovers")
}

func TestPipelineMCDEDownIsNonFatal(t *testing.T) {
	srv, _ := detectorServer(t, 0.85, 75)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	mem := store.NewMemory()
	p := NewPipeline(NewDetector(srv.URL, "", 0, nil), NewMCDE(down.URL, 0, nil), nil, mem.Claims, mem.Inventory, nil, nil, Config{})

	res, err := p.Process(context.Background(), "t1", "u1", "job-1", []store.Discrepancy{
		discrepancy("d1", "sku-1", store.SeverityMedium, 0.8),
	})
	require.NoError(t, err)
	require.Len(t, res.Claims, 1)

	claim := res.Claims[0]
	assert.Equal(t, store.ClaimValidated, claim.Status)
	assert.Contains(t, claim.Mitigations, "regenerate cost document before submission")
}

func TestPipelineAutoSubmit(t *testing.T) {
	srv, _ := detectorServer(t, 0.95, 200)
	var submissions atomic.Int64
	refund := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		submissions.Add(1)
		require.Equal(t, "/api/v1/claims", r.URL.Path)
		require.Equal(t, "u1", r.Header.Get("X-User-Id"))
		var sub RefundSubmission
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sub))
		assert.Equal(t, 200.0, sub.ClaimAmount)
		json.NewEncoder(w).Encode(map[string]string{"id": "refund-1"})
	}))
	defer refund.Close()

	mem := store.NewMemory()
	sink := &recordingSink{}
	p := NewPipeline(NewDetector(srv.URL, "", 0, nil), nil, NewRefundEngine(refund.URL, 0, nil), mem.Claims, mem.Inventory, nil, sink, Config{AutoSubmit: true})

	res, err := p.Process(context.Background(), "t1", "u1", "job-1", []store.Discrepancy{
		discrepancy("d1", "sku-1", store.SeverityLow, 0.95),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Submitted)
	assert.Equal(t, int64(1), submissions.Load())
	assert.Equal(t, 1, sink.count("claim_submitted"))

	stored, err := mem.Claims.Get(context.Background(), res.Claims[0].ClaimID)
	require.NoError(t, err)
	assert.Equal(t, store.ClaimSubmitted, stored.Status)
}

func TestPipelineHighRiskNeverAutoSubmits(t *testing.T) {
	srv, _ := detectorServer(t, 0.95, 200)
	mem := store.NewMemory()
	p := NewPipeline(NewDetector(srv.URL, "", 0, nil), nil, nil, mem.Claims, mem.Inventory, nil, nil, Config{AutoSubmit: true})

	res, err := p.Process(context.Background(), "t1", "u1", "job-1", []store.Discrepancy{
		discrepancy("d1", "sku-1", store.SeverityCritical, 0.95),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Submitted)
	assert.Equal(t, store.ClaimValidated, res.Claims[0].Status)
}

func TestPipelineBatchesAllDiscrepancies(t *testing.T) {
	srv, calls := detectorServer(t, 0.9, 10)
	mem := store.NewMemory()
	p := NewPipeline(NewDetector(srv.URL, "", 0, nil), nil, nil, mem.Claims, mem.Inventory, nil, nil, Config{BatchSize: 3, MaxConcurrentBatches: 2})

	var input []store.Discrepancy
	for i := 0; i < 10; i++ {
		input = append(input, discrepancy("d"+string(rune('a'+i)), "sku-"+string(rune('a'+i)), store.SeverityMedium, 0.8))
	}
	res, err := p.Process(context.Background(), "t1", "u1", "job-1", input)
	require.NoError(t, err)

	// Every eligible discrepancy went through exactly once.
	assert.Equal(t, 10, res.Detected)
	assert.Equal(t, int64(10), calls.Load())
	assert.Len(t, res.Claims, 10)
}

func TestPipelineCarriesQuantityEvidence(t *testing.T) {
	var got DetectorRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(DetectorResponse{ClaimID: got.ClaimID, ClaimAmount: 30, Confidence: 0.9})
	}))
	defer srv.Close()

	mem := store.NewMemory()
	p := NewPipeline(NewDetector(srv.URL, "", 0, nil), nil, nil, mem.Claims, mem.Inventory, nil, nil, Config{})

	_, err := p.Process(context.Background(), "t1", "u1", "job-1", []store.Discrepancy{
		discrepancy("d1", "sku-1", store.SeverityMedium, 0.8),
	})
	require.NoError(t, err)

	// The detector sees the compared quantities, not just metadata strings.
	assert.Equal(t, 20, got.QuantitySynced)
	assert.Equal(t, 10, got.QuantityActual)
	assert.Equal(t, 10.0, got.DiscrepancyAmount)
}

func TestPipelineTenantTuning(t *testing.T) {
	srv, calls := detectorServer(t, 0.9, 50)
	mem := store.NewMemory()
	p := NewPipeline(NewDetector(srv.URL, "", 0, nil), nil, nil, mem.Claims, mem.Inventory, nil, nil, Config{
		TuningFor: func(tenantID string) Tuning {
			if tenantID == "strict" {
				return Tuning{MinConfidence: 0.9}
			}
			return Tuning{}
		},
	})

	// The strict tenant's raised threshold drops the 0.8 discrepancy.
	res, err := p.Process(context.Background(), "strict", "u1", "job-1", []store.Discrepancy{
		discrepancy("d1", "sku-1", store.SeverityMedium, 0.8),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, int64(0), calls.Load())

	// Other tenants keep the default 0.7 threshold.
	res, err = p.Process(context.Background(), "t1", "u1", "job-1", []store.Discrepancy{
		discrepancy("d2", "sku-2", store.SeverityMedium, 0.8),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Detected)
	assert.Equal(t, int64(1), calls.Load())
}

func TestLocalCacheRoundTrip(t *testing.T) {
	c := NewLocalCache(0)
	claim := &store.ClaimCandidate{ClaimID: "c1", TenantID: "t1", Amount: 5}
	c.Set(context.Background(), claim)

	got, ok := c.Get(context.Background(), "c1")
	require.True(t, ok)
	assert.Equal(t, 5.0, got.Amount)

	_, ok = c.Get(context.Background(), "missing")
	assert.False(t, ok)
}
