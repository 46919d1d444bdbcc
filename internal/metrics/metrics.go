// Package metrics exposes Prometheus instrumentation for session tracking.
package metrics

import (
	"net/http"

	"edittime/api/internal/policy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edittime"

// Metrics methods are safe to call on a nil receiver.
type Metrics struct {
	gatherer        prometheus.Gatherer
	intents         *prometheus.CounterVec
	dispositions    *prometheus.CounterVec
	suppressed      prometheus.Counter
	persistFailures prometheus.Counter
	skippedNodes    prometheus.Counter
	duration        prometheus.Histogram
}

func New(registry *prometheus.Registry) *Metrics {
	intents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "intents_total",
			Help:      "Editing surface events by surface and normalized intent.",
		},
		[]string{"surface", "intent"},
	)
	registry.MustRegister(intents)

	dispositions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Closed sessions by disposition.",
		},
		[]string{"disposition"},
	)
	registry.MustRegister(dispositions)

	suppressed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sessions", Name: "duplicate_closes_total",
		Help: "Close intents dropped by the close guard.",
	})
	registry.MustRegister(suppressed)

	persistFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sessions", Name: "persist_failures_total",
		Help: "Outcomes the sink failed to store.",
	})
	registry.MustRegister(persistFailures)

	skippedNodes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "content", Name: "skipped_nodes_total",
		Help: "Builder nodes or templates that could not be read.",
	})
	registry.MustRegister(skippedNodes)

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "duration_seconds",
		Help:      "Duration of recorded editing sessions.",
		Buckets:   []float64{5, 10, 30, 60, 300, 900, 1800, 3600, 7200},
	})
	registry.MustRegister(duration)

	return &Metrics{
		gatherer:        registry,
		intents:         intents,
		dispositions:    dispositions,
		suppressed:      suppressed,
		persistFailures: persistFailures,
		skippedNodes:    skippedNodes,
		duration:        duration,
	}
}

func (m *Metrics) Intent(surface, intent string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(surface, intent).Inc()
}

func (m *Metrics) Closed(d policy.Disposition, durationSeconds int64) {
	if m == nil {
		return
	}
	m.dispositions.WithLabelValues(string(d)).Inc()
	switch d {
	case policy.Error:
		m.persistFailures.Inc()
	case policy.Skip:
	default:
		m.duration.Observe(float64(durationSeconds))
	}
}

func (m *Metrics) DuplicateClose() {
	if m == nil {
		return
	}
	m.suppressed.Inc()
}

func (m *Metrics) SkippedNodes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.skippedNodes.Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
