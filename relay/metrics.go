package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the relay's Prometheus collectors, registered onto the
// same registry bls.Server exposes at GET /metrics — one observability
// surface for the whole node rather than one per listener.
type Metrics struct {
	activeConnections   prometheus.Gauge
	activeSubscriptions prometheus.Gauge
	slowConsumerClosed  prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crosstown",
			Subsystem: "relay",
			Name:      "connections_active",
			Help:      "WebSocket connections currently open on the relay server.",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crosstown",
			Subsystem: "relay",
			Name:      "subscriptions_active",
			Help:      "Open REQ subscriptions across every connection, spec.md §3.",
		}),
		slowConsumerClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crosstown",
			Subsystem: "relay",
			Name:      "slow_consumer_closed_total",
			Help:      "Connections closed for exceeding their send-buffer bound, spec.md §4.6.",
		}),
	}
}

// Collectors returns m's collectors for registration against an
// external prometheus.Registry (see bls.Server.RegisterCollectors).
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.activeConnections, m.activeSubscriptions, m.slowConsumerClosed}
}

func (m *Metrics) connectionOpened() {
	m.activeConnections.Inc()
}

func (m *Metrics) connectionClosed() {
	m.activeConnections.Dec()
}

func (m *Metrics) subscriptionOpened() {
	m.activeSubscriptions.Inc()
}

func (m *Metrics) subscriptionClosed() {
	m.activeSubscriptions.Dec()
}

func (m *Metrics) slowConsumer() {
	m.slowConsumerClosed.Inc()
}
