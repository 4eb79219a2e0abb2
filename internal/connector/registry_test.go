package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConnector is a scriptable Connector for registry tests.
type fakeConnector struct {
	name    string
	enabled bool
	records []StandardizedDiscrepancy
	err     error
	calls   int
}

func (f *fakeConnector) Name() string            { return f.name }
func (f *fakeConnector) Enabled(string) bool     { return f.enabled }
func (f *fakeConnector) Health() Health          { return Health{Healthy: f.err == nil} }
func (f *fakeConnector) Fetch(context.Context, string, time.Time) ([]SourceItem, error) {
	return nil, nil
}

func (f *fakeConnector) CollectDiscrepancies(context.Context, string) ([]StandardizedDiscrepancy, error) {
	f.calls++
	return f.records, f.err
}

func record(sku string) StandardizedDiscrepancy {
	return StandardizedDiscrepancy{SKU: sku, Marketplace: "amazon", Timestamp: time.Now()}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeConnector{name: "amazon", enabled: true}))
	assert.Error(t, r.Register(&fakeConnector{name: "amazon", enabled: true}))
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "amazon", "manual"} {
		require.NoError(t, r.Register(&fakeConnector{name: name, enabled: true}))
	}

	var names []string
	for _, c := range r.List() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"zeta", "amazon", "manual"}, names)
}

func TestEnabledFiltersByTenant(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeConnector{name: "on", enabled: true}))
	require.NoError(t, r.Register(&fakeConnector{name: "off", enabled: false}))

	enabled := r.Enabled("t1")
	require.Len(t, enabled, 1)
	assert.Equal(t, "on", enabled[0].Name())
}

func TestCollectAllMergesAndIsolatesFailures(t *testing.T) {
	r := NewRegistry()
	good := &fakeConnector{name: "good", enabled: true, records: []StandardizedDiscrepancy{record("sku-1"), record("sku-2")}}
	bad := &fakeConnector{name: "bad", enabled: true, err: errors.New("upstream down")}
	also := &fakeConnector{name: "also", enabled: true, records: []StandardizedDiscrepancy{record("sku-3")}}
	require.NoError(t, r.Register(good))
	require.NoError(t, r.Register(bad))
	require.NoError(t, r.Register(also))

	merged, errs := r.CollectAll(context.Background(), "t1")

	// The failing source does not stop the ones after it.
	assert.Len(t, merged, 3)
	require.Len(t, errs, 1)
	assert.Error(t, errs["bad"])
	assert.Equal(t, 1, also.calls)
}

func TestCollectAllSkipsDisabled(t *testing.T) {
	r := NewRegistry()
	off := &fakeConnector{name: "off", enabled: false, records: []StandardizedDiscrepancy{record("sku-1")}}
	require.NoError(t, r.Register(off))

	merged, errs := r.CollectAll(context.Background(), "t1")
	assert.Empty(t, merged)
	assert.Empty(t, errs)
	assert.Equal(t, 0, off.calls)
}

func TestStatsCountRunsAndFailures(t *testing.T) {
	r := NewRegistry()
	good := &fakeConnector{name: "good", enabled: true, records: []StandardizedDiscrepancy{record("sku-1")}}
	bad := &fakeConnector{name: "bad", enabled: true, err: errors.New("boom")}
	require.NoError(t, r.Register(good))
	require.NoError(t, r.Register(bad))

	r.CollectAll(context.Background(), "t1")
	r.CollectAll(context.Background(), "t1")

	stats := r.Stats()
	goodStats := stats["good"].(map[string]interface{})
	assert.Equal(t, int64(2), goodStats["runs"])
	assert.Equal(t, int64(0), goodStats["failures"])
	assert.Equal(t, int64(2), goodStats["discrepancies"])

	badStats := stats["bad"].(map[string]interface{})
	assert.Equal(t, int64(2), badStats["runs"])
	assert.Equal(t, int64(2), badStats["failures"])
}
