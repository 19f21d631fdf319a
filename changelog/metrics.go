package changelog

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "replication"
	subsystem = "changelog"
)

// Metrics are the prometheus collectors shared by the changelogs of every
// suffix. Each series carries a suffix label.
type Metrics struct {
	Entries *prometheus.GaugeVec
	Appends *prometheus.CounterVec // origin = {"local", "replicated"}
	Trimmed *prometheus.CounterVec
	Purged  *prometheus.CounterVec
}

// NewMetrics creates the changelog collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		Entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries",
			Help:      "Number of entries held in the changelog.",
		}, []string{"suffix"}),
		Appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "appends_total",
			Help:      "Total number of entries written to the changelog.",
		}, []string{"suffix", "origin"}),
		Trimmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "trimmed_total",
			Help:      "Total number of entries removed by trimming.",
		}, []string{"suffix"}),
		Purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "purged_total",
			Help:      "Total number of entries removed by cleanallruv.",
		}, []string{"suffix"}),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.Entries, m.Appends, m.Trimmed, m.Purged}
}
