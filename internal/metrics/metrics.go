// Package metrics exposes the proxy's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus collectors for the proxy.
type Metrics struct {
	aggregateLoad   prometheus.Gauge
	inFlight        prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	reportsTotal    *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with Prometheus collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		aggregateLoad: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "goworker_aggregate_load",
			Help: "Current aggregate load across in-flight requests",
		}),

		inFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "goworker_requests_in_flight",
			Help: "Number of requests currently registered in the ledger",
		}),

		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goworker_requests_total",
				Help: "Total proxied requests by backend kind and outcome",
			},
			[]string{"kind", "status"},
		),

		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "goworker_request_duration_seconds",
				Help:    "End-to-end proxied request duration",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"kind"},
		),

		reportsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goworker_autoscaler_reports_total",
				Help: "Autoscaler report attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) SetAggregateLoad(v float64) { m.aggregateLoad.Set(v) }
func (m *Metrics) SetInFlight(n int)          { m.inFlight.Set(float64(n)) }

func (m *Metrics) RequestFinished(kind, status string, seconds float64) {
	m.requestsTotal.WithLabelValues(kind, status).Inc()
	m.requestDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) ReportSent()   { m.reportsTotal.WithLabelValues("ok").Inc() }
func (m *Metrics) ReportFailed() { m.reportsTotal.WithLabelValues("error").Inc() }
