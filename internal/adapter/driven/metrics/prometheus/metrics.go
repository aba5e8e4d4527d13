package prometheus

import (
	"net/http"

	"github.com/Wyydra/mesh/internal/core/domain"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mesh"

// Metrics records relay and socket activity on its own registry.
type Metrics struct {
	registry *prom.Registry

	messages     *prom.CounterVec
	forwarded    *prom.CounterVec
	dropped      *prom.CounterVec
	connections  prom.Counter
	connected    prom.Gauge
	rooms        prom.Gauge
	participants prom.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prom.NewRegistry(),
		messages: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Envelopes received from sockets, by type.",
		}, []string{"type"}),
		forwarded: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "forwarded_total",
			Help:      "Signals forwarded to another participant, by type.",
		}, []string{"type"}),
		dropped: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Messages rejected or not delivered, by reason.",
		}, []string{"reason"}),
		connections: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections_total",
			Help:      "Signaling sockets accepted.",
		}),
		connected: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connected_sockets",
			Help:      "Signaling sockets currently open.",
		}),
		rooms: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Rooms with at least one participant.",
		}),
		participants: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "participants",
			Help:      "Room memberships across all rooms.",
		}),
	}
	m.registry.MustRegister(
		m.messages, m.forwarded, m.dropped,
		m.connections, m.connected, m.rooms, m.participants,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) MessageReceived(t domain.EventType) {
	m.messages.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) MessageForwarded(t domain.EventType) {
	m.forwarded.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RoomsChanged(rooms, participants int) {
	m.rooms.Set(float64(rooms))
	m.participants.Set(float64(participants))
}

func (m *Metrics) SocketOpened() {
	m.connections.Inc()
	m.connected.Inc()
}

func (m *Metrics) SocketClosed() {
	m.connected.Dec()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
