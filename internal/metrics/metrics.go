// Package metrics provides Prometheus instrumentation for the flagd
// provider.
//
// All metrics are registered in a custom [prometheus.Registry] (not the
// global default) so embedding applications can expose them without
// colliding with their own collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the provider.
type Metrics struct {
	Registry *prometheus.Registry

	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
	CachePurgesTotal   prometheus.Counter
	SyncPayloadsTotal  *prometheus.CounterVec
	StoreInstallsTotal prometheus.Counter
	FlagsLoaded        prometheus.Gauge
}

// New creates and registers all provider metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagd_provider_evaluations_total",
			Help: "Total number of flag evaluations by resolution reason.",
		}, []string{"reason"}),

		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flagd_provider_evaluation_duration_seconds",
			Help:    "Flag evaluation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagd_provider_cache_hits_total",
			Help: "Total number of resolution-cache hits.",
		}),

		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagd_provider_cache_misses_total",
			Help: "Total number of resolution-cache misses.",
		}),

		CachePurgesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagd_provider_cache_purges_total",
			Help: "Total number of full cache purges after configuration changes.",
		}),

		SyncPayloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagd_provider_sync_payloads_total",
			Help: "Total number of sync payloads received, by kind.",
		}, []string{"kind"}),

		StoreInstallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagd_provider_store_installs_total",
			Help: "Total number of flag-set installs.",
		}),

		FlagsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagd_provider_flags_loaded",
			Help: "Number of flags in the currently installed flag set.",
		}),
	}

	reg.MustRegister(
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CachePurgesTotal,
		m.SyncPayloadsTotal,
		m.StoreInstallsTotal,
		m.FlagsLoaded,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation increments the evaluation counter for the given reason.
func (m *Metrics) RecordEvaluation(reason string) {
	m.EvaluationsTotal.WithLabelValues(reason).Inc()
}

// RecordSyncPayload increments the sync payload counter for the given kind.
func (m *Metrics) RecordSyncPayload(kind string) {
	m.SyncPayloadsTotal.WithLabelValues(kind).Inc()
}

// RecordInstall records an install of a flag set with the given flag count.
func (m *Metrics) RecordInstall(flagCount int) {
	m.StoreInstallsTotal.Inc()
	m.FlagsLoaded.Set(float64(flagCount))
}
