package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors exposed at /metrics (spec §6).
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   prometheus.Counter
	ActiveTunnels   prometheus.Gauge
	RequestsByClass *prometheus.CounterVec
	BytesTotal      *prometheus.CounterVec
	LatencyMicros   prometheus.Summary
}

// NewMetrics constructs and registers a fresh metrics set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total public requests accepted by the relay.",
		}),
		ActiveTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_tunnels",
			Help: "Number of tunnels currently registered.",
		}),
		RequestsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_by_status",
			Help: "Public requests grouped by response status class.",
		}, []string{"status"}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bytes_total",
			Help: "Bytes transferred between public callers and agents.",
		}, []string{"direction"}),
		LatencyMicros: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       "request_latency_microseconds",
			Help:       "Per-request latency from accept to response in microseconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
		}),
	}

	reg.MustRegister(m.RequestsTotal, m.ActiveTunnels, m.RequestsByClass, m.BytesTotal, m.LatencyMicros)
	return m
}

// statusClass maps an HTTP status to the "2xx".."5xx" bucket used by
// requests_by_status.
func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// RecordRequest updates the request counters for one completed exchange.
func (m *Metrics) RecordRequest(status int, latencyMicros float64, bytesIn, bytesOut int) {
	m.RequestsTotal.Inc()
	m.RequestsByClass.WithLabelValues(statusClass(status)).Inc()
	m.LatencyMicros.Observe(latencyMicros)
	if bytesIn > 0 {
		m.BytesTotal.WithLabelValues("in").Add(float64(bytesIn))
	}
	if bytesOut > 0 {
		m.BytesTotal.WithLabelValues("out").Add(float64(bytesOut))
	}
}
