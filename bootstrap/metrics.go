package bootstrap

import "github.com/prometheus/client_golang/prometheus"

// phaseValue orders Phase for the bootstrap_phase gauge below: higher
// means further along spec.md §4.7's forward sequence. Failed is kept
// out-of-band (-1) since it isn't a position on that sequence.
var phaseValue = map[Phase]float64{
	PhaseDiscovering: 0,
	PhaseRegistering: 1,
	PhaseHandshaking: 2,
	PhaseAnnouncing:  3,
	PhaseReady:       4,
	PhaseFailed:      -1,
}

// Metrics are the Driver's Prometheus collectors, registered by the
// node wiring layer onto the same registry bls.Server exposes at GET
// /metrics (see SPEC_FULL.md's Observability surface section).
type Metrics struct {
	phase prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crosstown",
			Subsystem: "bootstrap",
			Name:      "phase",
			Help:      "Current bootstrap phase, spec.md §3/§4.7 (discovering=0 ... ready=4, failed=-1).",
		}),
	}
}

// Collectors returns m's collectors for registration against an
// external prometheus.Registry.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.phase}
}

func (m *Metrics) setPhase(p Phase) {
	m.phase.Set(phaseValue[p])
}
