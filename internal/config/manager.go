package config

import (
	"os"
	"sync"

	yaml "gopkg.in/yaml.v2"
)

// TenantOverrides is the subset of configuration a single tenant may override.
type TenantOverrides struct {
	RatePerSecond       float64         `yaml:"rate_per_second"`
	Burst               int             `yaml:"burst"`
	ConfidenceThreshold float64         `yaml:"confidence_threshold"`
	BatchSize           int             `yaml:"batch_size"`
	AutoSubmission      *bool           `yaml:"auto_submission"`
	Connectors          map[string]bool `yaml:"connectors"`
}

type tenantsFile struct {
	Tenants map[string]TenantOverrides `yaml:"tenants"`
}

// Manager resolves the effective configuration for a tenant by merging
// per-tenant overrides on top of the global config.
type Manager struct {
	global  *Config
	tenants map[string]TenantOverrides
	mu      sync.RWMutex
}

// NewManager wraps the global config with tenant overrides loaded from a
// YAML file. A missing file just means no overrides.
func NewManager(global *Config, tenantsPath string) (*Manager, error) {
	m := &Manager{global: global, tenants: make(map[string]TenantOverrides)}
	if tenantsPath == "" {
		return m, nil
	}

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer f.Close()

	var tf tenantsFile
	if err := yaml.NewDecoder(f).Decode(&tf); err != nil {
		return nil, err
	}
	if tf.Tenants != nil {
		m.tenants = tf.Tenants
	}
	return m, nil
}

// Global returns the unmodified global config.
func (m *Manager) Global() *Config { return m.global }

// Detector returns the effective claim-detector settings for a tenant.
func (m *Manager) Detector(tenantID string) DetectorConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	eff := m.global.Detector
	if o, ok := m.tenants[tenantID]; ok {
		if o.ConfidenceThreshold > 0 {
			eff.ConfidenceThreshold = o.ConfidenceThreshold
		}
		if o.BatchSize > 0 {
			eff.BatchSize = o.BatchSize
		}
		if o.AutoSubmission != nil {
			eff.AutoSubmission = *o.AutoSubmission
		}
	}
	return eff
}

// Rate returns the effective marketplace rate limit for a tenant.
func (m *Manager) Rate(tenantID string) (perSecond float64, burst int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	perSecond = m.global.Marketplace.RatePerSecond
	burst = m.global.Marketplace.Burst
	if o, ok := m.tenants[tenantID]; ok {
		if o.RatePerSecond > 0 {
			perSecond = o.RatePerSecond
		}
		if o.Burst > 0 {
			burst = o.Burst
		}
	}
	return perSecond, burst
}

// ConnectorOn reports whether a connector is enabled for a tenant, falling
// back to the global toggle.
func (m *Manager) ConnectorOn(tenantID, name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if o, ok := m.tenants[tenantID]; ok {
		if on, ok := o.Connectors[name]; ok {
			return on
		}
	}
	return m.global.ConnectorOn(name)
}
