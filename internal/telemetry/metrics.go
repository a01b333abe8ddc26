// Package telemetry carries the engine's observability surface:
// Prometheus metrics, OpenTelemetry tracing, and the admin HTTP server
// that exposes health, readiness and metrics endpoints.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument the engine updates.
type Metrics struct {
	uploadsTotal       *prometheus.CounterVec
	uploadDuration     *prometheus.HistogramVec
	downloadsTotal     *prometheus.CounterVec
	downloadDuration   *prometheus.HistogramVec
	rateLimitPauses    prometheus.Counter
	throttleMultiplier prometheus.Gauge
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	cacheSizeBytes     prometheus.Gauge
	cacheEvictions     prometheus.Counter
	indexOperations    *prometheus.CounterVec
	integrityFailures  prometheus.Counter
	legacyFallbacks    prometheus.Counter
}

// NewMetrics registers every instrument against reg. Use a dedicated
// registry (not prometheus.DefaultRegisterer) in tests to avoid
// cross-test registration conflicts.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		uploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discordfs_uploads_total",
			Help: "Chunk uploads to the chat service, by outcome.",
		}, []string{"outcome"}),
		uploadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discordfs_upload_duration_seconds",
			Help:    "Chunk upload latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		downloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discordfs_downloads_total",
			Help: "Chunk downloads from the CDN, by outcome.",
		}, []string{"outcome"}),
		downloadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discordfs_download_duration_seconds",
			Help:    "Chunk download latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		rateLimitPauses: factory.NewCounter(prometheus.CounterOpts{
			Name: "discordfs_rate_limit_pauses_total",
			Help: "Number of explicit rate-limit pauses taken.",
		}),
		throttleMultiplier: factory.NewGauge(prometheus.GaugeOpts{
			Name: "discordfs_throttle_multiplier",
			Help: "Current adaptive throttle backoff multiplier.",
		}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "discordfs_cache_hits_total",
			Help: "Content cache hits.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "discordfs_cache_misses_total",
			Help: "Content cache misses.",
		}),
		cacheSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "discordfs_cache_size_bytes",
			Help: "Current content cache occupancy in bytes.",
		}),
		cacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "discordfs_cache_evictions_total",
			Help: "Content cache evictions.",
		}),
		indexOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discordfs_index_operations_total",
			Help: "Metadata index operations, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		integrityFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "discordfs_integrity_failures_total",
			Help: "Chunk reassembly CRC-32 mismatches.",
		}),
		legacyFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "discordfs_legacy_fallbacks_total",
			Help: "Reassemblies that fell back to the pre-encryption legacy format.",
		}),
	}
}

// Every method below is a no-op on a nil *Metrics, so components can be
// constructed without telemetry (as most tests do) by simply passing nil.

func (m *Metrics) ObserveUpload(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(outcome).Inc()
	m.uploadDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) ObserveDownload(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.downloadsTotal.WithLabelValues(outcome).Inc()
	m.downloadDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) RecordRateLimitPause() {
	if m == nil {
		return
	}
	m.rateLimitPauses.Inc()
}

func (m *Metrics) SetThrottleMultiplier(v float64) {
	if m == nil {
		return
	}
	m.throttleMultiplier.Set(v)
}

func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) SetCacheSizeBytes(v float64) {
	if m == nil {
		return
	}
	m.cacheSizeBytes.Set(v)
}

func (m *Metrics) RecordCacheEviction() {
	if m == nil {
		return
	}
	m.cacheEvictions.Inc()
}

func (m *Metrics) RecordIndexOp(op, outcome string) {
	if m == nil {
		return
	}
	m.indexOperations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) RecordIntegrityFailure() {
	if m == nil {
		return
	}
	m.integrityFailures.Inc()
}

func (m *Metrics) RecordLegacyFallback() {
	if m == nil {
		return
	}
	m.legacyFallbacks.Inc()
}
