// Package metrics exposes prometheus collectors for invocation completion.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Completion latency buckets, in milliseconds.
var defaultBuckets = []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}

// Metrics holds the collectors on a private registry, so several runtimes can
// live in one process (and in one test binary).
type Metrics struct {
	registry *prometheus.Registry

	outstanding prometheus.Gauge
	outcomes    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	dropped     prometheus.Counter
	panics      prometheus.Counter
}

// New creates and registers the collectors under namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "invocations_outstanding",
			Help:      "Twoway invocations registered and not yet resolved",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocation_outcomes_total",
			Help:      "Resolved invocations by outcome category and code",
		}, []string{"category", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_ms",
			Help:      "Time from registration to resolution in milliseconds",
			Buckets:   defaultBuckets,
		}, []string{"category"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_dropped_total",
			Help:      "Outcomes for identities that were no longer pending",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Handlers that panicked while being dispatched",
		}),
	}

	m.registry.MustRegister(m.outstanding, m.outcomes, m.latency, m.dropped, m.panics)
	return m
}

func (m *Metrics) Registered() {
	if m == nil {
		return
	}
	m.outstanding.Inc()
}

// Resolved records one resolved invocation. code is "ok" for successes.
func (m *Metrics) Resolved(category, code string, started time.Time) {
	if m == nil {
		return
	}
	m.outstanding.Dec()
	m.outcomes.WithLabelValues(category, code).Inc()
	m.latency.WithLabelValues(category).Observe(float64(time.Since(started).Microseconds()) / 1000)
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) Panicked() {
	if m == nil {
		return
	}
	m.panics.Inc()
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
