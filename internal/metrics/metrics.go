package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Connections    prometheus.Gauge
	OnlineUsers    prometheus.Gauge
	PresenceEvents *prometheus.CounterVec
	Relayed        *prometheus.CounterVec
	Dropped        *prometheus.CounterVec
	StoreErrors    *prometheus.CounterVec
}

// New registers every collector on a fresh registry, so tests and multiple
// servers in one process do not collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pelusa_connections",
			Help: "Live WebSocket connections on this instance",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pelusa_online_users",
			Help: "Identities with at least one live connection on this instance",
		}),
		PresenceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pelusa_presence_events_total",
			Help: "Room presence transitions broadcast, by kind",
		}, []string{"kind"}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pelusa_signals_relayed_total",
			Help: "Call signals forwarded to a personal channel, by event",
		}, []string{"event"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pelusa_signals_dropped_total",
			Help: "Inbound frames dropped, by reason",
		}, []string{"reason"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pelusa_store_errors_total",
			Help: "Failed shared-store operations, by operation",
		}, []string{"op"}),
	}
	reg.MustRegister(m.Connections, m.OnlineUsers, m.PresenceEvents, m.Relayed, m.Dropped, m.StoreErrors)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) UserOnline() {
	if m == nil {
		return
	}
	m.OnlineUsers.Inc()
}

func (m *Metrics) UserOffline() {
	if m == nil {
		return
	}
	m.OnlineUsers.Dec()
}

func (m *Metrics) Presence(kind string) {
	if m == nil {
		return
	}
	m.PresenceEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) Relay(event string) {
	if m == nil {
		return
	}
	m.Relayed.WithLabelValues(event).Inc()
}

func (m *Metrics) Drop(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}
