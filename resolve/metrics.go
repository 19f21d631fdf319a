package resolve

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts resolver outcomes and tombstone purges.
type Metrics struct {
	Outcomes *prometheus.CounterVec
	Purged   *prometheus.CounterVec
}

// NewMetrics creates the resolver collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replication",
			Subsystem: "resolver",
			Name:      "outcomes_total",
			Help:      "Total number of operations applied, by outcome.",
		}, []string{"suffix", "op", "outcome"}),
		Purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replication",
			Subsystem: "resolver",
			Name:      "tombstones_purged_total",
			Help:      "Total number of tombstones removed.",
		}, []string{"suffix"}),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.Outcomes, m.Purged}
}
