package websocket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the coordinator's operational counters.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActiveSessions    prometheus.Gauge
	CommandsAccepted  prometheus.Counter
	CommandsRejected  prometheus.Counter
	EventsBroadcast   prometheus.Counter
	MessagesDropped   prometheus.Counter
	JoinFailures      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_active_connections",
			Help: "Number of live websocket connections.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_active_sessions",
			Help: "Number of graph sessions with at least one participant.",
		}),
		CommandsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_commands_accepted_total",
			Help: "Commands durably appended and broadcast.",
		}),
		CommandsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_commands_rejected_total",
			Help: "Commands rejected before or during persistence.",
		}),
		EventsBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_events_broadcast_total",
			Help: "Realtime events fanned out to participants.",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_messages_dropped_total",
			Help: "Outbound messages dropped due to slow consumers.",
		}),
		JoinFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_join_failures_total",
			Help: "Join attempts rejected by admission rules.",
		}),
	}
}
