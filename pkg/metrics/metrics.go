// Package metrics exposes prometheus instrumentation for the settlement
// path and the health poller.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the core's prometheus metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	settlements      *prometheus.CounterVec
	settleDuration   prometheus.Histogram
	policyDenials    prometheus.Counter
	replaysDetected  prometheus.Counter
	probesTotal      *prometheus.CounterVec
	probeLatency     prometheus.Histogram
	batchesProcessed prometheus.Counter
}

// NewCollector creates the collector and registers its metrics.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	return &Collector{
		registry: registry,
		settlements: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Settlement attempts by scheme and outcome",
		}, []string{"scheme", "outcome"}),
		settleDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_duration_seconds",
			Help:    "Time taken to dispatch a settlement",
			Buckets: prometheus.DefBuckets,
		}),
		policyDenials: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "policy_denials_total",
			Help: "Settlements denied by tenant policy",
		}),
		replaysDetected: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "replays_detected_total",
			Help: "Settlement attempts rejected for replaying a proof key",
		}),
		probesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "facilitator_probes_total",
			Help: "Health probes by resulting status",
		}, []string{"status"}),
		probeLatency: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "facilitator_probe_latency_seconds",
			Help:    "Observed facilitator probe latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}),
		batchesProcessed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "health_batches_total",
			Help: "Completed health poll batches",
		}),
	}
}

// RecordSettlement counts one settlement attempt.
func (c *Collector) RecordSettlement(scheme, outcome string, duration time.Duration) {
	c.settlements.WithLabelValues(scheme, outcome).Inc()
	c.settleDuration.Observe(duration.Seconds())
	switch outcome {
	case "POLICY_DENIED":
		c.policyDenials.Inc()
	case "REPLAY_DETECTED":
		c.replaysDetected.Inc()
	}
}

// RecordProbe counts one facilitator probe.
func (c *Collector) RecordProbe(status string, latency time.Duration) {
	c.probesTotal.WithLabelValues(status).Inc()
	c.probeLatency.Observe(latency.Seconds())
}

// RecordBatch counts one completed poll batch.
func (c *Collector) RecordBatch() {
	c.batchesProcessed.Inc()
}

// Handler serves the metrics endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
