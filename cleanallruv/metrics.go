package cleanallruv

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "replication"
	subsystem = "cleanallruv"
)

type Metrics struct {
	Running   *prometheus.GaugeVec
	Completed *prometheus.CounterVec
	Purged    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_running",
			Help:      "Number of clean and abort tasks in progress.",
		}, []string{"suffix", "kind"}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_completed_total",
			Help:      "Total number of clean and abort tasks that reached a terminal state.",
		}, []string{"suffix", "kind", "state"}),
		Purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replica_ids_purged_total",
			Help:      "Total number of replica ids purged from the local RUV.",
		}, []string{"suffix"}),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.Running, m.Completed, m.Purged}
}
