// Package metrics exposes Prometheus collectors for the relay hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons recorded by Dropped.
const (
	ReasonUnknownRecipient = "unknown_recipient"
	ReasonMalformed        = "malformed"
	ReasonBufferFull       = "buffer_full"
	ReasonClosed           = "closed"
	ReasonRateLimited      = "rate_limited"
	ReasonIdentityMismatch = "identity_mismatch"
)

// Metrics groups the hub's collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Gauge
	onlineUsers prometheus.Gauge
	frames      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

// New creates and registers the collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "connections",
			Help:      "Attached WebSocket connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "online_users",
			Help:      "Identities currently in the presence registry.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "frames_total",
			Help:      "Frames delivered to connections, by event.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "dropped_total",
			Help:      "Frames dropped, by reason.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		m.connections,
		m.onlineUsers,
		m.frames,
		m.dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetConnections records the size of the attached connection set.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// SetOnlineUsers records the size of the registry.
func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

// Delivered counts one frame queued for a connection.
func (m *Metrics) Delivered(event string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(event).Inc()
}

// Dropped counts one frame that was not delivered.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}
