/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector is a Prometheus metrics collector.
type PrometheusMetricsCollector struct {
	// Durations is a histogram of the dispatched attempt durations.
	Durations *prometheus.HistogramVec

	// Items is a counter of work items by terminal disposition.
	Items *prometheus.CounterVec
}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector.
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	return &PrometheusMetricsCollector{
		Durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_attempt_duration_seconds",
			Help:      "A histogram of the dispatched request attempt durations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 150, 300, 600},
		}, []string{"method", "class", "status"}),
		Items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_items_total",
			Help:      "The total number of work items by terminal disposition.",
		}, []string{"disposition"}),
	}
}

// MustRegister registers the Prometheus metrics.
func (p *PrometheusMetricsCollector) MustRegister() {
	prometheus.MustRegister(p.Durations, p.Items)
}

// Unregister the Prometheus metrics.
func (p *PrometheusMetricsCollector) Unregister() {
	prometheus.Unregister(p.Durations)
	prometheus.Unregister(p.Items)
}

// Observe implements MetricsCollector.
func (p *PrometheusMetricsCollector) Observe(s MetricSample) {
	if s.Attempt > 0 {
		p.Durations.WithLabelValues(s.Method, s.Class.String(), strconv.Itoa(s.StatusCode)).
			Observe(s.Latency.Seconds())
	}
	if s.Disposition != DispositionNone {
		p.Items.WithLabelValues(s.Disposition.String()).Inc()
	}
}
