package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "chat"

// Metrics holds the Prometheus collectors of the realtime engine.
type Metrics struct {
	connections    prometheus.Gauge
	onlineUsers    prometheus.Gauge
	messagesSent   prometheus.Counter
	signalsRelayed *prometheus.CounterVec
	errors         *prometheus.CounterVec
	clientsDropped prometheus.Counter
}

// NewMetrics registers the collectors on reg. Pass prometheus.NewRegistry()
// in tests to avoid duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Number of open websocket connections",
		}),
		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "online_users",
			Help:      "Number of users in the presence registry",
		}),
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Messages persisted and broadcast to a room",
		}),
		signalsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "signals_relayed_total",
			Help:      "Ephemeral signals relayed by event",
		}, []string{"event"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Error events emitted to clients by kind",
		}, []string{"kind"}),
		clientsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "clients_dropped_total",
			Help:      "Clients disconnected because their send buffer was full",
		}),
	}
}
