// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the service registers. One instance per
// process; collectors are registered on the default registry.
type Metrics struct {
	JobsTotal         *prometheus.CounterVec
	JobsInFlight      prometheus.Gauge
	JobDuration       prometheus.Histogram
	FetchesTotal      *prometheus.CounterVec
	FetchPages        *prometheus.CounterVec
	DiscrepanciesSeen *prometheus.CounterVec
	ClaimsTotal       *prometheus.CounterVec
	RateLimitWaits    *prometheus.CounterVec
	ArchiveWrites     *prometheus.CounterVec
}

// New registers the service metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the service metrics on the given registerer.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_sync_jobs_total",
			Help: "Sync jobs by terminal state.",
		}, []string{"state"}),
		JobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "recon_sync_jobs_in_flight",
			Help: "Sync jobs currently running.",
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "recon_sync_job_duration_seconds",
			Help:    "Wall time of completed sync jobs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		FetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_fetches_total",
			Help: "Upstream fetches by dataset and outcome.",
		}, []string{"dataset", "outcome"}),
		FetchPages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_fetch_pages_total",
			Help: "Upstream pages fetched by dataset.",
		}, []string{"dataset"}),
		DiscrepanciesSeen: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_discrepancies_total",
			Help: "Discrepancies recorded by severity.",
		}, []string{"severity"}),
		ClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_claims_total",
			Help: "Claim candidates by status.",
		}, []string{"status"}),
		RateLimitWaits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_rate_limit_penalties_total",
			Help: "Upstream rate-limit penalties by provider.",
		}, []string{"provider"}),
		ArchiveWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_archive_writes_total",
			Help: "Archive writes by dataset and outcome.",
		}, []string{"dataset", "outcome"}),
	}
}
