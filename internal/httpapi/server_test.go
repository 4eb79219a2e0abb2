package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opside/recon/internal/claims"
	"github.com/opside/recon/internal/connector"
	"github.com/opside/recon/internal/orchestrator"
	"github.com/opside/recon/internal/progress"
	"github.com/opside/recon/internal/recon"
	"github.com/opside/recon/internal/store"
)

// stubSource is a scriptable connector for API tests.
type stubSource struct {
	name    string
	records []connector.StandardizedDiscrepancy
	err     error
}

func (s *stubSource) Name() string             { return s.name }
func (s *stubSource) Enabled(string) bool      { return true }
func (s *stubSource) Health() connector.Health { return connector.Health{Healthy: true} }

func (s *stubSource) Fetch(context.Context, string, time.Time) ([]connector.SourceItem, error) {
	return nil, nil
}

func (s *stubSource) CollectDiscrepancies(context.Context, string) ([]connector.StandardizedDiscrepancy, error) {
	return s.records, s.err
}

type testServer struct {
	server *Server
	claims store.ClaimStore
	cache  claims.Cache
}

func newTestServer(t *testing.T, sources ...connector.Connector) *testServer {
	t.Helper()
	mem := store.NewMemory()
	registry := connector.NewRegistry()
	for _, src := range sources {
		require.NoError(t, registry.Register(src))
	}
	engine := recon.NewEngine(mem.Inventory, mem.Discrepancies, mem.Rules)
	manager := orchestrator.NewManager(registry, engine, nil, mem.SyncLogs, progress.NewBus(), nil, orchestrator.Config{})
	cache := claims.NewLocalCache(time.Minute)

	s := New("127.0.0.1:0", manager, registry, progress.NewBus(), nil, mem.Claims, cache, nil, nil)
	return &testServer{server: s, claims: mem.Claims, cache: cache}
}

func (ts *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var rdr *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("X-User-Id", "u1")
	rec := httptest.NewRecorder()
	ts.server.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJobDefaultsToIncremental(t *testing.T) {
	ts := newTestServer(t, &stubSource{name: "amazon"})

	rec := ts.do("POST", "/api/v1/jobs", map[string]string{"tenant_id": "t1"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var snap orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, orchestrator.JobIncremental, snap.Type)
	assert.Equal(t, "t1", snap.TenantID)
}

func TestSubmitJobRejectsUnknownType(t *testing.T) {
	ts := newTestServer(t, &stubSource{name: "amazon"})

	rec := ts.do("POST", "/api/v1/jobs", map[string]string{"tenant_id": "t1", "type": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetClaimServesFromCache(t *testing.T) {
	ts := newTestServer(t)

	// Present only in the cache, not the store.
	ts.cache.Set(context.Background(), &store.ClaimCandidate{
		ClaimID: "c-hot", TenantID: "t1", SKU: "sku-1", Status: store.ClaimPending,
	})

	rec := ts.do("GET", "/api/v1/claims/c-hot", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var claim store.ClaimCandidate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	assert.Equal(t, "c-hot", claim.ClaimID)
}

func TestGetClaimBackfillsCache(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.claims.Insert(context.Background(), &store.ClaimCandidate{
		ClaimID: "c-cold", TenantID: "t1", SKU: "sku-1", Status: store.ClaimPending,
	}))

	rec := ts.do("GET", "/api/v1/claims/c-cold", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cached, ok := ts.cache.Get(context.Background(), "c-cold")
	require.True(t, ok)
	assert.Equal(t, "c-cold", cached.ClaimID)
}

func TestGetClaimUnknownIs404(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do("GET", "/api/v1/claims/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClaimPaidRequiresSubmittedStatus(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.claims.Insert(context.Background(), &store.ClaimCandidate{
		ClaimID: "c-1", TenantID: "t1", SKU: "sku-1", Status: store.ClaimPending,
	}))

	rec := ts.do("POST", "/api/v1/claims/c-1/paid", map[string]interface{}{
		"amount_minor": 1000, "currency": "usd",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestClaimPaidApprovesWithoutBilling(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.claims.Insert(context.Background(), &store.ClaimCandidate{
		ClaimID: "c-2", TenantID: "t1", SKU: "sku-1", Status: store.ClaimSubmitted,
	}))

	rec := ts.do("POST", "/api/v1/claims/c-2/paid", map[string]interface{}{
		"amount_minor": 1000, "currency": "usd",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	claim, err := ts.claims.Get(context.Background(), "c-2")
	require.NoError(t, err)
	assert.Equal(t, store.ClaimApproved, claim.Status)
}

func TestDiscrepanciesEndpointAttachesProof(t *testing.T) {
	src := &stubSource{name: "amazon", records: []connector.StandardizedDiscrepancy{{
		ProductID:         "item-1",
		SKU:               "sku-1",
		QuantitySynced:    12,
		QuantityActual:    9,
		DiscrepancyAmount: 3,
		Marketplace:       "amazon",
		Timestamp:         time.Now().UTC(),
		Currency:          "USD",
	}}}
	ts := newTestServer(t, src)

	rec := ts.do("GET", "/api/v1/tenants/t1/discrepancies", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		TenantID      string `json:"tenant_id"`
		Discrepancies []struct {
			SKU   string            `json:"sku"`
			Proof []store.ProofItem `json:"proof"`
		} `json:"discrepancies"`
		SourceErrors map[string]string `json:"source_errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "t1", body.TenantID)
	require.Len(t, body.Discrepancies, 1)
	assert.Equal(t, "sku-1", body.Discrepancies[0].SKU)
	require.Len(t, body.Discrepancies[0].Proof, 2)
	assert.Equal(t, "inventory_snapshot", body.Discrepancies[0].Proof[0].Type)
	assert.Equal(t, "value_comparison", body.Discrepancies[0].Proof[1].Type)
	assert.Empty(t, body.SourceErrors)
}

func TestDiscrepanciesEndpointReportsSourceErrors(t *testing.T) {
	ts := newTestServer(t, &stubSource{name: "amazon", err: assert.AnError})

	rec := ts.do("GET", "/api/v1/tenants/t1/discrepancies", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Discrepancies []interface{}     `json:"discrepancies"`
		SourceErrors  map[string]string `json:"source_errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Discrepancies)
	assert.Contains(t, body.SourceErrors, "amazon")
}
