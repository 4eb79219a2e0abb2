package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opside/recon/internal/connector"
	"github.com/opside/recon/internal/progress"
	"github.com/opside/recon/internal/recon"
	"github.com/opside/recon/internal/store"
)

// scriptedSource is a Connector whose fetches are controlled by the test.
type scriptedSource struct {
	name  string
	items []connector.SourceItem

	mu      sync.Mutex
	fetches int
	sinces  []time.Time
	failN   int // fail the first N fetches
	block   chan struct{}
}

func (s *scriptedSource) Name() string        { return s.name }
func (s *scriptedSource) Enabled(string) bool { return true }
func (s *scriptedSource) Health() connector.Health {
	return connector.Health{Healthy: true}
}

func (s *scriptedSource) Fetch(ctx context.Context, _ string, since time.Time) ([]connector.SourceItem, error) {
	s.mu.Lock()
	s.fetches++
	s.sinces = append(s.sinces, since)
	fail := s.fetches <= s.failN
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("upstream unavailable")
	}
	return s.items, nil
}

func (s *scriptedSource) CollectDiscrepancies(context.Context, string) ([]connector.StandardizedDiscrepancy, error) {
	return nil, nil
}

func (s *scriptedSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func newTestManager(t *testing.T, sources ...connector.Connector) (*Manager, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	registry := connector.NewRegistry()
	for _, src := range sources {
		require.NoError(t, registry.Register(src))
	}
	engine := recon.NewEngine(mem.Inventory, mem.Discrepancies, mem.Rules)
	m := NewManager(registry, engine, nil, mem.SyncLogs, progress.NewBus(), nil, Config{
		MaxRetries: 1,
		RetryBase:  5 * time.Millisecond,
		JobTimeout: 5 * time.Second,
	})
	return m, mem
}

func waitTerminal(t *testing.T, m *Manager, jobID string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := m.Get(jobID)
		require.True(t, ok)
		snap := job.Snapshot()
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return Snapshot{}
}

func items(skus ...string) []connector.SourceItem {
	out := make([]connector.SourceItem, 0, len(skus))
	for _, sku := range skus {
		out = append(out, connector.SourceItem{SKU: sku, Quantity: 10, Active: true, ObservedAt: time.Now()})
	}
	return out
}

func TestSubmitValidates(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Submit("", "u1", JobIncremental, nil)
	assert.Error(t, err)

	_, err = m.Submit("t1", "u1", JobType("bogus"), nil)
	assert.Error(t, err)
}

func TestJobCompletes(t *testing.T) {
	src := &scriptedSource{name: "amazon", items: items("sku-1", "sku-2")}
	m, mem := newTestManager(t, src)

	job, err := m.Submit("t1", "u1", JobIncremental, nil)
	require.NoError(t, err)

	snap := waitTerminal(t, m, job.ID)
	assert.Equal(t, StateCompleted, snap.State)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, "completed", snap.Results[0].Status)
	assert.True(t, snap.Results[0].Full)
	assert.Equal(t, 2, snap.Results[0].ItemsSynced)
	assert.Equal(t, 2, snap.Results[0].Created)
	assert.NotNil(t, snap.FinishedAt)

	// The run left a completed sync log behind.
	last, err := mem.SyncLogs.LatestCompleted(context.Background(), "t1", "amazon")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.NotNil(t, last.CompletedAt)
}

func TestSecondRunIsIncremental(t *testing.T) {
	src := &scriptedSource{name: "amazon", items: items("sku-1")}
	m, _ := newTestManager(t, src)

	first, err := m.Submit("t1", "u1", JobIncremental, nil)
	require.NoError(t, err)
	waitTerminal(t, m, first.ID)

	second, err := m.Submit("t1", "u1", JobIncremental, nil)
	require.NoError(t, err)
	snap := waitTerminal(t, m, second.ID)

	require.Len(t, snap.Results, 1)
	assert.False(t, snap.Results[0].Full)

	src.mu.Lock()
	defer src.mu.Unlock()
	require.Len(t, src.sinces, 2)
	assert.True(t, src.sinces[0].IsZero())
	assert.False(t, src.sinces[1].IsZero())
}

func TestFullJobIgnoresWatermark(t *testing.T) {
	src := &scriptedSource{name: "amazon", items: items("sku-1")}
	m, _ := newTestManager(t, src)

	first, err := m.Submit("t1", "u1", JobIncremental, nil)
	require.NoError(t, err)
	waitTerminal(t, m, first.ID)

	second, err := m.Submit("t1", "u1", JobFull, nil)
	require.NoError(t, err)
	snap := waitTerminal(t, m, second.ID)

	require.Len(t, snap.Results, 1)
	assert.True(t, snap.Results[0].Full)

	src.mu.Lock()
	defer src.mu.Unlock()
	require.Len(t, src.sinces, 2)
	// A completed log exists, but the full job does not resume from it.
	assert.True(t, src.sinces[1].IsZero())
}

func TestJobTimeoutFails(t *testing.T) {
	src := &scriptedSource{name: "amazon", block: make(chan struct{})}
	m, _ := newTestManager(t, src)
	m.cfg.JobTimeout = 30 * time.Millisecond

	job, err := m.Submit("t1", "u1", JobIncremental, nil)
	require.NoError(t, err)
	snap := waitTerminal(t, m, job.ID)

	// A hit deadline is a failure, not a cancellation.
	assert.Equal(t, StateFailed, snap.State)
	require.NotEmpty(t, snap.Errors)
	assert.Contains(t, snap.Errors[0], "timed out")
}

// barrierSource blocks its fetch until every sibling has started, so the
// test only completes when sources genuinely overlap.
type barrierSource struct {
	name    string
	barrier *sync.WaitGroup
}

func (b *barrierSource) Name() string             { return b.name }
func (b *barrierSource) Enabled(string) bool      { return true }
func (b *barrierSource) Health() connector.Health { return connector.Health{Healthy: true} }

func (b *barrierSource) Fetch(ctx context.Context, _ string, _ time.Time) ([]connector.SourceItem, error) {
	b.barrier.Done()
	b.barrier.Wait()
	return items("sku-" + b.name), nil
}

func (b *barrierSource) CollectDiscrepancies(context.Context, string) ([]connector.StandardizedDiscrepancy, error) {
	return nil, nil
}

func TestSourcesRunConcurrentlyUpToLimit(t *testing.T) {
	var barrier sync.WaitGroup
	barrier.Add(2)
	a := &barrierSource{name: "a", barrier: &barrier}
	b := &barrierSource{name: "b", barrier: &barrier}
	m, _ := newTestManager(t, a, b)
	m.cfg.MaxSourcesInFlight = 2

	job, err := m.Submit("t1", "u1", JobIncremental, nil)
	require.NoError(t, err)
	snap := waitTerminal(t, m, job.ID)

	assert.Equal(t, StateCompleted, snap.State)
	require.Len(t, snap.Results, 2)
}

func TestPartialSuccessCompletesWithWarnings(t *testing.T) {
	good := &scriptedSource{name: "good", items: items("sku-1")}
	bad := &scriptedSource{name: "bad", failN: 1 << 30}
	m, _ := newTestManager(t, good, bad)

	job, err := m.Submit("t1", "u1", JobIncremental, nil)
	require.NoError(t, err)
	snap := waitTerminal(t, m, job.ID)

	assert.Equal(t, StateCompleted, snap.State)
	require.Len(t, snap.Results, 2)
	require.Len(t, snap.Warnings, 1)
	assert.Contains(t, snap.Warnings[0], "bad")
}

func TestAllSourcesFailingRetriesThenFails(t *testing.T) {
	src := &scriptedSource{name: "amazon", failN: 1 << 30}
	m, _ := newTestManager(t, src)

	job, err := m.Submit("t1", "u1", JobIncremental, nil)
	require.NoError(t, err)
	snap := waitTerminal(t, m, job.ID)

	assert.Equal(t, StateFailed, snap.State)
	require.NotEmpty(t, snap.Errors)
	// One fetch per attempt: the original plus one retry.
	assert.Equal(t, 2, src.fetchCount())
}

func TestTransientFailureRecoversOnRetry(t *testing.T) {
	src := &scriptedSource{name: "amazon", items: items("sku-1"), failN: 1}
	m, _ := newTestManager(t, src)

	job, err := m.Submit("t1", "u1", JobIncremental, nil)
	require.NoError(t, err)
	snap := waitTerminal(t, m, job.ID)

	assert.Equal(t, StateCompleted, snap.State)
	// The failed attempt's results were discarded, not accumulated.
	require.Len(t, snap.Results, 1)
	assert.Equal(t, "completed", snap.Results[0].Status)
}

func TestCancelRunningJob(t *testing.T) {
	src := &scriptedSource{name: "amazon", block: make(chan struct{})}
	m, _ := newTestManager(t, src)

	job, err := m.Submit("t1", "u1", JobIncremental, nil)
	require.NoError(t, err)

	// Wait until the job is actually running before cancelling.
	require.Eventually(t, func() bool {
		j, _ := m.Get(job.ID)
		return j.State() == StateRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Cancel(job.ID))
	snap := waitTerminal(t, m, job.ID)
	assert.Equal(t, StateCancelled, snap.State)
}

func TestCancelTerminalJobFails(t *testing.T) {
	src := &scriptedSource{name: "amazon", items: items("sku-1")}
	m, _ := newTestManager(t, src)

	job, err := m.Submit("t1", "u1", JobIncremental, nil)
	require.NoError(t, err)
	waitTerminal(t, m, job.ID)

	assert.Error(t, m.Cancel(job.ID))
	assert.Error(t, m.Cancel("no-such-job"))
}

func TestDiscrepancyOnlyJob(t *testing.T) {
	m, mem := newTestManager(t)
	require.NoError(t, mem.Discrepancies.Insert(context.Background(), &store.Discrepancy{
		ID:       "d1",
		TenantID: "t1",
		SKU:      "sku-1",
		Kind:     store.KindQuantity,
		Severity: store.SeverityHigh,
		Status:   store.DiscrepancyOpen,
	}))

	job, err := m.Submit("t1", "u1", JobDiscrepancyOnly, nil)
	require.NoError(t, err)
	snap := waitTerminal(t, m, job.ID)

	assert.Equal(t, StateCompleted, snap.State)
	require.NotNil(t, snap.Summary)
	summary := snap.Summary.(*store.DiscrepancySummary)
	assert.Equal(t, 1, summary.Open)
}

func TestSourceFilter(t *testing.T) {
	a := &scriptedSource{name: "a", items: items("sku-1")}
	b := &scriptedSource{name: "b", items: items("sku-2")}
	m, _ := newTestManager(t, a, b)

	job, err := m.Submit("t1", "u1", JobIncremental, []string{"b"})
	require.NoError(t, err)
	snap := waitTerminal(t, m, job.ID)

	assert.Equal(t, StateCompleted, snap.State)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, "b", snap.Results[0].Source)
	assert.Equal(t, 0, a.fetchCount())
}

func TestSweepEvictsOldTerminalJobs(t *testing.T) {
	src := &scriptedSource{name: "amazon", items: items("sku-1")}
	m, _ := newTestManager(t, src)
	m.cfg.TerminalAge = time.Nanosecond

	job, err := m.Submit("t1", "u1", JobIncremental, nil)
	require.NoError(t, err)
	waitTerminal(t, m, job.ID)

	time.Sleep(time.Millisecond)
	m.sweep()

	_, ok := m.Get(job.ID)
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	src := &scriptedSource{name: "amazon", items: items("sku-1")}
	m, _ := newTestManager(t, src)

	job, err := m.Submit("t1", "u1", JobIncremental, nil)
	require.NoError(t, err)
	waitTerminal(t, m, job.ID)

	stats := m.Stats()
	assert.Equal(t, 1, stats["tracked_jobs"])
	assert.Equal(t, 1, stats["completed"])
}
