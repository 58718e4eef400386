package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the core's Prometheus instruments. A nil *Metrics is valid and
// turns every observation into a no-op, so tests can pass nil.
type Metrics struct {
	ConnectedUsers  prometheus.Gauge
	ConnectionsOpen prometheus.Counter
	MessagesSent    prometheus.Counter
	FanoutDropped   prometheus.Counter
	PresenceEvents  prometheus.Counter
}

// NewMetrics registers the core instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectedUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "servichat_connected_users",
			Help: "Users currently registered as online.",
		}),
		ConnectionsOpen: f.NewCounter(prometheus.CounterOpts{
			Name: "servichat_ws_connections_total",
			Help: "WebSocket connections accepted after handshake.",
		}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "servichat_messages_sent_total",
			Help: "Messages successfully persisted via the dispatch protocol.",
		}),
		FanoutDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "servichat_fanout_dropped_total",
			Help: "Room fan-out deliveries dropped due to backpressure or shutdown.",
		}),
		PresenceEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "servichat_presence_events_total",
			Help: "Presence broadcasts emitted (online + offline).",
		}),
	}
}

func (m *Metrics) gaugeUsers(delta float64) {
	if m == nil {
		return
	}
	m.ConnectedUsers.Add(delta)
}

func (m *Metrics) connection() {
	if m == nil {
		return
	}
	m.ConnectionsOpen.Inc()
}

func (m *Metrics) messageSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

func (m *Metrics) fanoutDropped() {
	if m == nil {
		return
	}
	m.FanoutDropped.Inc()
}

func (m *Metrics) presenceEvent() {
	if m == nil {
		return
	}
	m.PresenceEvents.Inc()
}
