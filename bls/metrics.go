package bls

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the counters backing GET /metrics, the observability
// surface layered onto the BLS HTTP server beyond spec.md §6.4.
type Metrics struct {
	packetsAccepted prometheus.Counter
	packetsRejected *prometheus.CounterVec
	eventsStored    prometheus.Counter
}

func newMetrics() *Metrics {
	m := &Metrics{
		packetsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crosstown",
			Subsystem: "bls",
			Name:      "packets_accepted_total",
			Help:      "Packets accepted by the BLS handler.",
		}),
		packetsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crosstown",
			Subsystem: "bls",
			Name:      "packets_rejected_total",
			Help:      "Packets rejected by the BLS handler, labeled by code.",
		}, []string{"code"}),
		eventsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crosstown",
			Subsystem: "bls",
			Name:      "events_stored_total",
			Help:      "Events actually persisted (as opposed to no-op idempotent hits).",
		}),
	}
	return m
}

// Register registers m's collectors against reg.
func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(m.packetsAccepted, m.packetsRejected, m.eventsStored)
}

func (m *Metrics) accepted() {
	m.packetsAccepted.Inc()
}

func (m *Metrics) rejected(code string) {
	m.packetsRejected.WithLabelValues(code).Inc()
}
