// Package metrics holds the Prometheus collectors exported by the hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the hub's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Connections    prometheus.Gauge
	OnlineUsers    prometheus.Gauge
	SignalingRooms prometheus.Gauge
	MessagesPosted prometheus.Counter
	Pruned         prometheus.Counter
	Evictions      prometheus.Counter
	AuthFailures   *prometheus.CounterVec
	Calls          *prometheus.CounterVec
}

// New registers the hub collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hub", Name: "connections",
			Help: "Live authenticated hub connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hub", Name: "online_users",
			Help: "Identities currently marked online.",
		}),
		SignalingRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hub", Name: "signaling_rooms",
			Help: "Open call signaling relay rooms.",
		}),
		MessagesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hub", Name: "messages_posted_total",
			Help: "Chat messages persisted and fanned out.",
		}),
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hub", Name: "broadcast_pruned_total",
			Help: "Subscribers dropped because a send to them failed.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hub", Name: "evictions_total",
			Help: "Connections closed because the same identity reconnected.",
		}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hub", Name: "auth_failures_total",
			Help: "Rejected handshakes by reason.",
		}, []string{"reason"}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hub", Name: "calls_total",
			Help: "Call transitions by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.Connections, m.OnlineUsers, m.SignalingRooms,
		m.MessagesPosted, m.Pruned, m.Evictions, m.AuthFailures, m.Calls,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format. It
// returns nil when m is nil so the route can be skipped.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConnectionOpened counts a newly registered connection.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

// ConnectionClosed counts a connection leaving the registry.
func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

// SetOnline records the number of identities currently online.
func (m *Metrics) SetOnline(n int) {
	if m != nil {
		m.OnlineUsers.Set(float64(n))
	}
}

// SetSignalingRooms records the number of open relay rooms.
func (m *Metrics) SetSignalingRooms(n int) {
	if m != nil {
		m.SignalingRooms.Set(float64(n))
	}
}

// MessagePosted counts a persisted and broadcast chat message.
func (m *Metrics) MessagePosted() {
	if m != nil {
		m.MessagesPosted.Inc()
	}
}

// SubscriberPruned counts a dead subscriber dropped during broadcast.
func (m *Metrics) SubscriberPruned() {
	if m != nil {
		m.Pruned.Inc()
	}
}

// Evicted counts a session replaced by a newer login for the same identity.
func (m *Metrics) Evicted() {
	if m != nil {
		m.Evictions.Inc()
	}
}

// AuthFailed counts a rejected handshake under reason.
func (m *Metrics) AuthFailed(reason string) {
	if m != nil {
		m.AuthFailures.WithLabelValues(reason).Inc()
	}
}

// Call counts a call lifecycle transition under outcome.
func (m *Metrics) Call(outcome string) {
	if m != nil {
		m.Calls.WithLabelValues(outcome).Inc()
	}
}
