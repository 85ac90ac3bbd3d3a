// Package metrics defines the Prometheus collectors for the hot path, the
// gateway, and the audit queue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// SwitchLatency observes end-to-end SwitchCycle duration in seconds.
	SwitchLatency prometheus.Histogram

	// CASConflicts counts version-checked writes that lost the race.
	CASConflicts prometheus.Counter

	// AuditDropped counts audit jobs dropped on queue overflow.
	AuditDropped prometheus.Counter
}

// New creates the collectors and registers them together with the standard
// process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SwitchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "synckairos_switch_cycle_duration_seconds",
			Help: "End-to-end latency of cycle switches.",
			// Hot-path budget is tens of milliseconds.
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		CASConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synckairos_cas_conflicts_total",
			Help: "Optimistic-lock conflicts on session writes.",
		}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synckairos_audit_jobs_dropped_total",
			Help: "Audit jobs dropped due to queue overflow.",
		}),
	}

	reg.MustRegister(
		m.SwitchLatency,
		m.CASConflicts,
		m.AuditDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterConnectionsGauge exposes the gateway's live connection count.
func (m *Metrics) RegisterConnectionsGauge(fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "synckairos_ws_connections",
		Help: "Open WebSocket connections on this instance.",
	}, fn))
}

// RegisterAuditDepthGauge exposes the audit queue depth.
func (m *Metrics) RegisterAuditDepthGauge(fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "synckairos_audit_queue_depth",
		Help: "Audit jobs buffered and not yet processed.",
	}, fn))
}

// Handler returns the Prometheus text exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
