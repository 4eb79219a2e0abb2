package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/opside/recon/internal/claims"
	"github.com/opside/recon/internal/connector"
	"github.com/opside/recon/internal/metrics"
	"github.com/opside/recon/internal/progress"
	"github.com/opside/recon/internal/recon"
	"github.com/opside/recon/internal/store"
)

// Config tunes the job manager.
type Config struct {
	// MaxConcurrent bounds jobs running at once.
	MaxConcurrent int64
	// MaxSourcesInFlight bounds sources fetching concurrently within one
	// job. The default of 1 keeps sources sequential because the SP-API
	// seller quota is shared across endpoints.
	MaxSourcesInFlight int64
	// MaxRetries is how many times a failing job is retried.
	MaxRetries int
	// RetryBase is the first retry delay; each retry doubles it.
	RetryBase time.Duration
	// JobTimeout bounds one job's wall time across all attempts.
	JobTimeout time.Duration
	// TerminalAge is how long finished jobs stay queryable.
	TerminalAge time.Duration
	// SweepInterval is how often finished jobs are evicted.
	SweepInterval time.Duration
}

func (c *Config) defaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 16
	}
	if c.MaxSourcesInFlight == 0 {
		c.MaxSourcesInFlight = 1
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase == 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = time.Hour
	}
	if c.TerminalAge == 0 {
		c.TerminalAge = 24 * time.Hour
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 10 * time.Minute
	}
}

// Manager admits, runs, and tracks sync jobs.
type Manager struct {
	registry *connector.Registry
	engine   *recon.Engine
	pipeline *claims.Pipeline
	syncLogs store.SyncLogStore
	bus      *progress.Bus
	metrics  *metrics.Metrics
	sem      *semaphore.Weighted
	cfg      Config
	logger   *log.Logger

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewManager creates the job manager. pipeline and metrics are optional.
func NewManager(registry *connector.Registry, engine *recon.Engine, pipeline *claims.Pipeline, syncLogs store.SyncLogStore, bus *progress.Bus, m *metrics.Metrics, cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		registry: registry,
		engine:   engine,
		pipeline: pipeline,
		syncLogs: syncLogs,
		bus:      bus,
		metrics:  m,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[SYNC] ", log.LstdFlags),
		jobs:     make(map[string]*Job),
	}
}

// Submit admits a new job and starts it asynchronously.
func (m *Manager) Submit(tenantID, userID string, typ JobType, sources []string) (*Job, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("orchestrator: tenant id is required")
	}
	switch typ {
	case JobFull, JobIncremental, JobDiscrepancyOnly:
	default:
		return nil, fmt.Errorf("orchestrator: unknown job type %q", typ)
	}

	job := &Job{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		Type:      typ,
		Sources:   sources,
		state:     StatePending,
		createdAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.publish(job, 0, 0, 0, "queued")
	go m.run(job)
	return job, nil
}

// Get returns a tracked job.
func (m *Manager) Get(jobID string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	return job, ok
}

// Cancel requests cancellation of a running job. Pending and terminal
// jobs cannot be cancelled.
func (m *Manager) Cancel(jobID string) error {
	job, ok := m.Get(jobID)
	if !ok {
		return fmt.Errorf("orchestrator: job %s not found", jobID)
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.state != StateRunning {
		return fmt.Errorf("orchestrator: job %s is %s, only running jobs can be cancelled", jobID, job.state)
	}
	if job.cancel != nil {
		job.cancel()
	}
	return nil
}

// run drives one job through its attempts to a terminal state.
func (m *Manager) run(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.JobTimeout)
	defer cancel()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(job, StateFailed, fmt.Sprintf("admission: %v", err))
		return
	}
	defer m.sem.Release(1)

	job.mu.Lock()
	job.state = StateRunning
	job.startedAt = time.Now().UTC()
	job.cancel = cancel
	job.mu.Unlock()

	if m.metrics != nil {
		m.metrics.JobsInFlight.Inc()
		defer m.metrics.JobsInFlight.Dec()
	}
	m.publish(job, 0, 0, 0, "started")

	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		job.mu.Lock()
		job.attempt = attempt
		job.results = nil
		job.errors = nil
		job.warnings = nil
		job.mu.Unlock()

		lastErr = m.execute(ctx, job)
		if lastErr == nil {
			m.finish(job, StateCompleted, "")
			return
		}
		if ctx.Err() != nil {
			m.finishInterrupted(job, ctx)
			return
		}

		if attempt < m.cfg.MaxRetries {
			delay := m.cfg.RetryBase << uint(attempt)
			m.logger.Printf("job %s attempt %d failed, retrying in %s: %v", job.ID, attempt+1, delay, lastErr)
			m.publish(job, 0, 0, 0, fmt.Sprintf("retrying after failure: %v", lastErr))
			select {
			case <-ctx.Done():
				m.finishInterrupted(job, ctx)
				return
			case <-time.After(delay):
			}
		}
	}
	m.finish(job, StateFailed, lastErr.Error())
}

// finishInterrupted settles a job whose context ended mid-run. A hit
// deadline is a failure; only an explicit Cancel yields cancelled.
func (m *Manager) finishInterrupted(job *Job, ctx context.Context) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		m.finish(job, StateFailed, fmt.Sprintf("job timed out after %s", m.cfg.JobTimeout))
		return
	}
	m.finish(job, StateCancelled, ctx.Err().Error())
}

// execute runs one attempt.
func (m *Manager) execute(ctx context.Context, job *Job) error {
	if job.Type == JobDiscrepancyOnly {
		summary, err := m.engine.Summary(ctx, job.TenantID)
		if err != nil {
			return fmt.Errorf("summarize discrepancies: %w", err)
		}
		job.mu.Lock()
		job.summary = summary
		job.mu.Unlock()
		return nil
	}

	sources := m.selectSources(job)
	if len(sources) == 0 {
		return fmt.Errorf("no enabled sources for tenant %s", job.TenantID)
	}

	// Sources run concurrently up to MaxSourcesInFlight; the default of 1
	// keeps them sequential in registration order.
	sem := semaphore.NewWeighted(m.cfg.MaxSourcesInFlight)
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		completed atomic.Int64
	)
	for _, src := range sources {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(src connector.Connector) {
			defer wg.Done()
			defer sem.Release(1)

			result := m.runSource(ctx, job, src)

			job.mu.Lock()
			job.results = append(job.results, result)
			if result.Error == "" {
				succeeded.Add(1)
			} else {
				job.warnings = append(job.warnings, fmt.Sprintf("source %s: %s", result.Source, result.Error))
			}
			job.mu.Unlock()

			done := int(completed.Add(1))
			pct := done * 100 / len(sources)
			m.publish(job, pct, done, len(sources), fmt.Sprintf("source %s %s", result.Source, result.Status))
		}(src)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	// Partial success still completes the job; warnings carry the rest.
	if succeeded.Load() == 0 {
		return fmt.Errorf("all %d sources failed", len(sources))
	}
	return nil
}

func (m *Manager) selectSources(job *Job) []connector.Connector {
	enabled := m.registry.Enabled(job.TenantID)
	if len(job.Sources) == 0 {
		return enabled
	}
	requested := make(map[string]bool, len(job.Sources))
	for _, s := range job.Sources {
		requested[s] = true
	}
	var out []connector.Connector
	for _, c := range enabled {
		if requested[c.Name()] {
			out = append(out, c)
		}
	}
	return out
}

// runSource fetches, reconciles, and runs claims for one source. The sync
// log records the watermark the next incremental run resumes from.
func (m *Manager) runSource(ctx context.Context, job *Job, src connector.Connector) SourceResult {
	name := src.Name()
	started := time.Now().UTC()
	result := SourceResult{Source: name, Status: "completed"}

	// Incremental jobs resume from the last completed run; none means a
	// full fetch. Full jobs always ignore the watermark.
	var since time.Time
	if job.Type != JobFull {
		if last, err := m.syncLogs.LatestCompleted(ctx, job.TenantID, name); err == nil && last != nil && last.CompletedAt != nil {
			since = *last.CompletedAt
		}
	}
	result.Full = since.IsZero()

	fail := func(err error) SourceResult {
		result.Status = "failed"
		result.Error = err.Error()
		m.appendSyncLog(ctx, job, name, started, result)
		return result
	}

	items, err := src.Fetch(ctx, job.TenantID, since)
	if err != nil {
		return fail(fmt.Errorf("fetch: %w", err))
	}
	result.ItemsSynced = len(items)

	rres, err := m.engine.Reconcile(ctx, job.TenantID, name, items, result.Full)
	if err != nil {
		return fail(fmt.Errorf("reconcile: %w", err))
	}
	result.Created = rres.Created
	result.Updated = rres.Updated
	result.NoChange = rres.NoChange
	result.Deactivated = rres.Deactivated
	result.Discrepancies = len(rres.Discrepancies)

	if m.metrics != nil {
		for _, d := range rres.Discrepancies {
			m.metrics.DiscrepanciesSeen.WithLabelValues(string(d.Severity)).Inc()
		}
	}

	if m.pipeline != nil && len(rres.Discrepancies) > 0 {
		cres, err := m.pipeline.Process(ctx, job.TenantID, job.UserID, job.ID, rres.Discrepancies)
		if err != nil {
			return fail(fmt.Errorf("claims: %w", err))
		}
		result.ClaimsFound = cres.Detected
		if m.metrics != nil {
			for _, c := range cres.Claims {
				m.metrics.ClaimsTotal.WithLabelValues(string(c.Status)).Inc()
			}
		}
	}

	m.appendSyncLog(ctx, job, name, started, result)
	return result
}

func (m *Manager) appendSyncLog(ctx context.Context, job *Job, source string, started time.Time, result SourceResult) {
	entry := &store.SyncLog{
		ID:          uuid.NewString(),
		TenantID:    job.TenantID,
		Provider:    source,
		JobID:       job.ID,
		Status:      result.Status,
		ItemsSynced: result.ItemsSynced,
		StartedAt:   started,
		Error:       result.Error,
	}
	if result.Status == "completed" {
		now := time.Now().UTC()
		entry.CompletedAt = &now
	}
	if err := m.syncLogs.Append(ctx, entry); err != nil {
		m.logger.Printf("job %s: append sync log for %s: %v", job.ID, source, err)
	}
}

// finish moves a job to a terminal state exactly once.
func (m *Manager) finish(job *Job, state JobState, errMsg string) {
	job.mu.Lock()
	if job.state.Terminal() {
		job.mu.Unlock()
		return
	}
	job.state = state
	job.finishedAt = time.Now().UTC()
	if errMsg != "" {
		job.errors = append(job.errors, errMsg)
	}
	duration := job.finishedAt.Sub(job.startedAt)
	job.mu.Unlock()

	if m.metrics != nil {
		m.metrics.JobsTotal.WithLabelValues(string(state)).Inc()
		if state == StateCompleted {
			m.metrics.JobDuration.Observe(duration.Seconds())
		}
	}

	pct := 0
	if state == StateCompleted {
		pct = 100
	}
	m.publish(job, pct, 0, 0, string(state))
	m.logger.Printf("job %s %s after %s", job.ID, state, duration.Round(time.Millisecond))
}

func (m *Manager) publish(job *Job, pct, current, total int, message string) {
	snap := job.Snapshot()
	m.bus.Publish(&progress.Event{
		JobID:      job.ID,
		UserID:     job.UserID,
		Status:     string(snap.State),
		Percentage: pct,
		Current:    current,
		Total:      total,
		Message:    message,
		Errors:     snap.Errors,
		Warnings:   snap.Warnings,
		Timestamp:  time.Now().UTC(),
	})
}

// StartSweeper evicts terminal jobs older than TerminalAge until ctx ends.
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.cfg.TerminalAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, job := range m.jobs {
		job.mu.RLock()
		evict := job.state.Terminal() && job.finishedAt.Before(cutoff)
		job.mu.RUnlock()
		if evict {
			delete(m.jobs, id)
		}
	}
}

// Stats reports manager counters for the health endpoint.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byState := make(map[JobState]int)
	for _, job := range m.jobs {
		byState[job.State()]++
	}
	return map[string]interface{}{
		"tracked_jobs": len(m.jobs),
		"pending":      byState[StatePending],
		"running":      byState[StateRunning],
		"completed":    byState[StateCompleted],
		"failed":       byState[StateFailed],
		"cancelled":    byState[StateCancelled],
	}
}
