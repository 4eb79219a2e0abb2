// Package config resolves all service configuration from the environment
// exactly once at startup. Components receive the resolved struct (or a
// sub-struct) through their constructors; nothing reads the process
// environment after FromEnv returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the reconciliation service.
type Config struct {
	ListenAddr string

	Marketplace MarketplaceConfig
	Detector    DetectorConfig
	MCDE        MCDEConfig
	Refund      RefundConfig
	Archive     ArchiveConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Stripe      StripeConfig
	Notify      NotifyConfig
	Jobs        JobsConfig
	Vault       VaultConfig

	// Connector toggles, keyed by connector name. Populated from
	// ENABLE_<NAME> variables; a connector absent from the map is enabled.
	ConnectorEnabled map[string]bool
}

// MarketplaceConfig holds the SP-API credentials for the default tenant
// plus region/endpoint selection.
type MarketplaceConfig struct {
	ClientID      string
	ClientSecret  string
	RefreshToken  string
	MarketplaceID string
	SellerID      string
	Region        string

	RequestTimeout time.Duration
	ReportMaxWait  time.Duration

	// Token-bucket defaults for the shared seller quota.
	RatePerSecond float64
	Burst         int
}

// DetectorConfig configures the downstream Claim Detector.
type DetectorConfig struct {
	BaseURL             string
	APIKey              string
	Timeout             time.Duration
	BatchSize           int
	ConfidenceThreshold float64
	AutoSubmission      bool
	MaxBatchesInFlight  int
}

// MCDEConfig configures the proof document service. Optional.
type MCDEConfig struct {
	BaseURL string
	APIKey  string
}

// RefundConfig configures the Refund Engine. Optional.
type RefundConfig struct {
	BaseURL string
	APIKey  string
}

// ArchiveConfig configures the raw-payload object store.
type ArchiveConfig struct {
	Bucket string
	Region string
	Prefix string
}

// PostgresConfig configures the backing store.
type PostgresConfig struct {
	DSN string
}

// RedisConfig configures the optional claim/idempotency cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StripeConfig configures the billing port.
type StripeConfig struct {
	APIKey string
}

// NotifyConfig configures the notification service port.
type NotifyConfig struct {
	BaseURL string
	Workers int
}

// JobsConfig bounds the orchestrator.
type JobsConfig struct {
	MaxJobsGlobal      int
	MaxSourcesInFlight int
	JobTimeout         time.Duration
	RetryAttempts      int
	RetryBase          time.Duration
	TerminalMaxAge     time.Duration
}

// VaultConfig configures credential sealing and refresh.
type VaultConfig struct {
	MasterKeyHex  string
	TokenURL      string
	RefreshSkew   time.Duration
	SweepInterval time.Duration
	SweepWindow   time.Duration
}

// FromEnv resolves the full configuration from environment variables,
// applying defaults for everything optional.
func FromEnv() *Config {
	cfg := &Config{
		ListenAddr: envStr("LISTEN_ADDR", ":8080"),
		Marketplace: MarketplaceConfig{
			ClientID:       os.Getenv("MARKETPLACE_CLIENT_ID"),
			ClientSecret:   os.Getenv("MARKETPLACE_CLIENT_SECRET"),
			RefreshToken:   os.Getenv("MARKETPLACE_REFRESH_TOKEN"),
			MarketplaceID:  os.Getenv("MARKETPLACE_ID"),
			SellerID:       os.Getenv("MARKETPLACE_SELLER_ID"),
			Region:         envStr("MARKETPLACE_REGION", "na"),
			RequestTimeout: envDuration("MARKETPLACE_TIMEOUT_MS", 30*time.Second),
			ReportMaxWait:  envDuration("MARKETPLACE_REPORT_MAX_WAIT_MS", 5*time.Minute),
			RatePerSecond:  envFloat("MARKETPLACE_RATE_PER_SECOND", 1.0),
			Burst:          envInt("MARKETPLACE_BURST", 1),
		},
		Detector: DetectorConfig{
			BaseURL:             os.Getenv("CLAIM_DETECTOR_URL"),
			APIKey:              os.Getenv("CLAIM_DETECTOR_API_KEY"),
			Timeout:             envDuration("CLAIM_DETECTOR_TIMEOUT_MS", 30*time.Second),
			BatchSize:           envInt("CLAIM_DETECTOR_BATCH_SIZE", 10),
			ConfidenceThreshold: envFloat("CLAIM_DETECTOR_CONFIDENCE_THRESHOLD", 0.7),
			AutoSubmission:      envBool("CLAIM_DETECTOR_AUTO_SUBMISSION", false),
			MaxBatchesInFlight:  envInt("CLAIM_DETECTOR_MAX_BATCHES", 4),
		},
		MCDE: MCDEConfig{
			BaseURL: os.Getenv("MCDE_BASE_URL"),
			APIKey:  os.Getenv("MCDE_API_KEY"),
		},
		Refund: RefundConfig{
			BaseURL: os.Getenv("REFUND_ENGINE_URL"),
			APIKey:  os.Getenv("REFUND_ENGINE_API_KEY"),
		},
		Archive: ArchiveConfig{
			Bucket: os.Getenv("ARCHIVE_BUCKET"),
			Region: envStr("ARCHIVE_REGION", "us-east-1"),
			Prefix: envStr("ARCHIVE_PREFIX", "raw"),
		},
		Postgres: PostgresConfig{DSN: os.Getenv("DATABASE_URL")},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
		Stripe: StripeConfig{APIKey: os.Getenv("STRIPE_API_KEY")},
		Notify: NotifyConfig{
			BaseURL: os.Getenv("NOTIFICATION_URL"),
			Workers: envInt("NOTIFICATION_WORKERS", 4),
		},
		Jobs: JobsConfig{
			MaxJobsGlobal:      envInt("SYNC_MAX_JOBS", 16),
			MaxSourcesInFlight: envInt("SYNC_MAX_SOURCES_IN_FLIGHT", 1),
			JobTimeout:         envDuration("SYNC_JOB_TIMEOUT_MS", time.Hour),
			RetryAttempts:      envInt("SYNC_RETRY_ATTEMPTS", 3),
			RetryBase:          envDuration("SYNC_RETRY_BASE_MS", 5*time.Second),
			TerminalMaxAge:     envDuration("SYNC_TERMINAL_MAX_AGE_MS", 24*time.Hour),
		},
		Vault: VaultConfig{
			MasterKeyHex:  os.Getenv("VAULT_MASTER_KEY"),
			TokenURL:      envStr("MARKETPLACE_TOKEN_URL", "https://api.amazon.com/auth/o2/token"),
			RefreshSkew:   envDuration("VAULT_REFRESH_SKEW_MS", 5*time.Minute),
			SweepInterval: envDuration("VAULT_SWEEP_INTERVAL_MS", 5*time.Minute),
			SweepWindow:   envDuration("VAULT_SWEEP_WINDOW_MS", 10*time.Minute),
		},
		ConnectorEnabled: connectorToggles(os.Environ()),
	}
	return cfg
}

// MissingError reports required configuration that was absent. It is fatal
// only for the component that needs the named fields.
type MissingError struct {
	Component string
	Fields    []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("%s: missing required configuration: %s", e.Component, strings.Join(e.Fields, ", "))
}

// ValidateMarketplace reports the marketplace fields required to enable the
// marketplace connector for the default tenant.
func (c *Config) ValidateMarketplace() error {
	var missing []string
	if c.Marketplace.ClientID == "" {
		missing = append(missing, "MARKETPLACE_CLIENT_ID")
	}
	if c.Marketplace.ClientSecret == "" {
		missing = append(missing, "MARKETPLACE_CLIENT_SECRET")
	}
	if c.Marketplace.RefreshToken == "" {
		missing = append(missing, "MARKETPLACE_REFRESH_TOKEN")
	}
	if c.Marketplace.MarketplaceID == "" {
		missing = append(missing, "MARKETPLACE_ID")
	}
	if len(missing) > 0 {
		return &MissingError{Component: "marketplace", Fields: missing}
	}
	return nil
}

// ConnectorOn reports whether the ENABLE_<NAME> toggle leaves the named
// connector enabled. Connectors default on; only the literal string "false"
// disables one.
func (c *Config) ConnectorOn(name string) bool {
	on, ok := c.ConnectorEnabled[strings.ToLower(name)]
	if !ok {
		return true
	}
	return on
}

func connectorToggles(environ []string) map[string]bool {
	toggles := make(map[string]bool)
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 || !strings.HasPrefix(kv, "ENABLE_") {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(kv[:eq], "ENABLE_"))
		toggles[name] = parseBool(kv[eq+1:])
	}
	return toggles
}

// parseBool implements the documented boolean convention: "false" disables,
// every other value enables.
func parseBool(v string) bool {
	return strings.TrimSpace(strings.ToLower(v)) != "false"
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return parseBool(v)
	}
	return def
}

// envDuration reads a millisecond-valued variable.
func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
