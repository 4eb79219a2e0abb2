// Package httpapi exposes the sync service over HTTP: job control, job
// progress over SSE, health, and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opside/recon/internal/billing"
	"github.com/opside/recon/internal/breaker"
	"github.com/opside/recon/internal/claims"
	"github.com/opside/recon/internal/connector"
	"github.com/opside/recon/internal/orchestrator"
	"github.com/opside/recon/internal/progress"
	"github.com/opside/recon/internal/store"
)

// eventSink publishes lifecycle notifications. Satisfied by the
// notification dispatcher.
type eventSink interface {
	Emit(ctx context.Context, event string, data map[string]interface{})
}

// Server is the HTTP front of the sync service.
type Server struct {
	manager  *orchestrator.Manager
	registry *connector.Registry
	bus      *progress.Bus
	breakers *breaker.ServiceBreakers
	claims   store.ClaimStore
	cache    claims.Cache
	billing  *billing.Service
	sink     eventSink
	logger   *log.Logger
	http     *http.Server
}

// New builds the server on the given listen address. claimStore, cache,
// billingSvc, and sink are optional.
func New(addr string, manager *orchestrator.Manager, registry *connector.Registry, bus *progress.Bus, breakers *breaker.ServiceBreakers, claimStore store.ClaimStore, cache claims.Cache, billingSvc *billing.Service, sink eventSink) *Server {
	s := &Server{
		manager:  manager,
		registry: registry,
		bus:      bus,
		breakers: breakers,
		claims:   claimStore,
		cache:    cache,
		billing:  billingSvc,
		sink:     sink,
		logger:   log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/events", s.handleJobEvents).Methods("GET")
	api.HandleFunc("/claims/{id}", s.handleGetClaim).Methods("GET")
	api.HandleFunc("/claims/{id}/paid", s.handleClaimPaid).Methods("POST")
	api.HandleFunc("/tenants/{tenantId}/discrepancies", s.handleDiscrepancies).Methods("GET")

	router.Use(s.loggingMiddleware)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("listening on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sources := s.registry.HealthReport()
	healthy := true
	for _, h := range sources {
		if !h.Healthy {
			healthy = false
		}
	}

	body := map[string]interface{}{
		"status":  "healthy",
		"service": "recon-sync",
		"sources": sources,
		"jobs":    s.manager.Stats(),
	}
	if s.breakers != nil {
		status, services := s.breakers.HealthStatus()
		body["downstream"] = map[string]interface{}{"status": status, "services": services}
		if status != "HEALTHY" {
			healthy = false
		}
	}
	if !healthy {
		body["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, body)
}

type submitJobRequest struct {
	TenantID string   `json:"tenant_id"`
	Type     string   `json:"type"`
	Sources  []string `json:"sources,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "X-User-Id header is required")
		return
	}

	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	typ := orchestrator.JobType(req.Type)
	if req.Type == "" {
		typ = orchestrator.JobIncremental
	}

	job, err := s.manager.Submit(req.TenantID, userID, typ, req.Sources)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.manager.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := s.manager.Cancel(jobID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": jobID, "status": "cancelling"})
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	if s.claims == nil {
		writeError(w, http.StatusNotFound, "claims disabled")
		return
	}
	claimID := mux.Vars(r)["id"]
	if s.cache != nil {
		if claim, ok := s.cache.Get(r.Context(), claimID); ok {
			writeJSON(w, http.StatusOK, claim)
			return
		}
	}
	claim, err := s.claims.Get(r.Context(), claimID)
	if err != nil {
		writeError(w, http.StatusNotFound, "claim not found")
		return
	}
	if s.cache != nil {
		s.cache.Set(r.Context(), claim)
	}
	writeJSON(w, http.StatusOK, claim)
}

// discrepancyRecord is one standardized discrepancy with its evidence
// bundle attached.
type discrepancyRecord struct {
	connector.StandardizedDiscrepancy
	Proof []store.ProofItem `json:"proof"`
}

// handleDiscrepancies runs every enabled source for the tenant and
// returns the merged records with proof bundles, plus per-source errors.
func (s *Server) handleDiscrepancies(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	records, errs := s.registry.CollectAll(r.Context(), tenantID)

	out := make([]discrepancyRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, discrepancyRecord{
			StandardizedDiscrepancy: rec,
			Proof:                   connector.BuildProof(rec),
		})
	}
	body := map[string]interface{}{
		"tenant_id":     tenantID,
		"discrepancies": out,
	}
	if len(errs) > 0 {
		failed := make(map[string]string, len(errs))
		for name, err := range errs {
			failed[name] = err.Error()
		}
		body["source_errors"] = failed
	}
	writeJSON(w, http.StatusOK, body)
}

type claimPaidRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	BillingEmail   string `json:"billing_email,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// handleClaimPaid records a marketplace payout on a submitted claim and
// charges the commission on the recovered amount.
func (s *Server) handleClaimPaid(w http.ResponseWriter, r *http.Request) {
	if s.claims == nil {
		writeError(w, http.StatusNotFound, "claims disabled")
		return
	}
	claimID := mux.Vars(r)["id"]
	claim, err := s.claims.Get(r.Context(), claimID)
	if err != nil {
		writeError(w, http.StatusNotFound, "claim not found")
		return
	}
	if claim.Status != store.ClaimSubmitted {
		writeError(w, http.StatusConflict, "only submitted claims can be marked paid")
		return
	}

	var req claimPaidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AmountMinor <= 0 || req.Currency == "" {
		writeError(w, http.StatusBadRequest, "amount_minor and currency are required")
		return
	}

	resp := map[string]interface{}{"claim_id": claimID, "status": string(store.ClaimApproved)}
	if s.billing != nil {
		charge, err := s.billing.ChargeCommission(r.Context(), claim.TenantID, req.BillingEmail, claimID, req.Currency, req.AmountMinor, req.IdempotencyKey)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		resp["fee_minor"] = charge.FeeMinor
		resp["payout_minor"] = charge.PayoutMinor
	}

	if err := s.claims.UpdateStatus(r.Context(), claimID, store.ClaimApproved); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.sink != nil {
		s.sink.Emit(r.Context(), "claim_paid", map[string]interface{}{
			"claim_id": claimID, "tenant_id": claim.TenantID,
			"amount_minor": req.AmountMinor, "currency": req.Currency,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleJobEvents streams job progress as Server-Sent Events until the
// job reaches a terminal state or the client disconnects.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, ok := s.manager.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.bus.Subscribe(jobID)
	defer s.bus.Unsubscribe(ch)

	// Send the current snapshot first so late subscribers see state.
	snap := job.Snapshot()
	first := &progress.Event{
		JobID:     jobID,
		UserID:    snap.UserID,
		Status:    string(snap.State),
		Timestamp: time.Now().UTC(),
	}
	if frame, err := first.SSEFrame(); err == nil {
		w.Write(frame)
		flusher.Flush()
	}
	if snap.State.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			frame, err := event.SSEFrame()
			if err != nil {
				continue
			}
			w.Write(frame)
			flusher.Flush()
			if orchestrator.JobState(event.Status).Terminal() {
				return
			}
		}
	}
}
