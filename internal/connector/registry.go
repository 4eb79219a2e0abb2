package connector

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Registry holds the registered connectors in registration order. Sources
// run one at a time; ordering is stable across runs.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Connector
	counts map[string]*sourceCounters
	logger *log.Logger
}

type sourceCounters struct {
	Runs          int64
	Failures      int64
	Discrepancies int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Connector),
		counts: make(map[string]*sourceCounters),
		logger: log.New(log.Writer(), "[CONNECTOR] ", log.LstdFlags),
	}
}

// Register adds a connector. Duplicate names are rejected.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("connector: %q already registered", name)
	}
	r.byName[name] = c
	r.order = append(r.order, name)
	r.counts[name] = &sourceCounters{}
	r.logger.Printf("registered source %s", name)
	return nil
}

// Get returns a connector by name.
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// List returns all connectors in registration order.
func (r *Registry) List() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connector, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Enabled returns the connectors enabled for a tenant, in registration order.
func (r *Registry) Enabled(tenantID string) []Connector {
	var out []Connector
	for _, c := range r.List() {
		if c.Enabled(tenantID) {
			out = append(out, c)
		}
	}
	return out
}

// CollectAll runs CollectDiscrepancies on every enabled connector, one
// source at a time. A failing source is recorded and skipped; the rest
// still run. Returns the merged records and the per-source errors.
func (r *Registry) CollectAll(ctx context.Context, tenantID string) ([]StandardizedDiscrepancy, map[string]error) {
	var merged []StandardizedDiscrepancy
	errs := make(map[string]error)

	for _, c := range r.Enabled(tenantID) {
		name := c.Name()
		records, err := c.CollectDiscrepancies(ctx, tenantID)

		r.mu.Lock()
		stats := r.counts[name]
		stats.Runs++
		if err != nil {
			stats.Failures++
		} else {
			stats.Discrepancies += int64(len(records))
		}
		r.mu.Unlock()

		if err != nil {
			r.logger.Printf("source %s failed for tenant %s: %v", name, tenantID, err)
			errs[name] = err
			continue
		}
		merged = append(merged, records...)
	}
	return merged, errs
}

// HealthReport snapshots every connector's health, keyed by source name.
func (r *Registry) HealthReport() map[string]Health {
	out := make(map[string]Health)
	for _, c := range r.List() {
		out[c.Name()] = c.Health()
	}
	return out
}

// Stats returns per-source run counters.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]interface{}, len(r.counts))
	for name, c := range r.counts {
		out[name] = map[string]interface{}{
			"runs":          c.Runs,
			"failures":      c.Failures,
			"discrepancies": c.Discrepancies,
		}
	}
	return out
}
