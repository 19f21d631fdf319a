package replica

import (
	"github.com/dirsrv/replication/agreement"
	"github.com/dirsrv/replication/changelog"
	"github.com/dirsrv/replication/cleanallruv"
	"github.com/dirsrv/replication/resolve"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "replication"
	subsystem = "replica"
)

// Metrics bundles the collectors of every component of a replica. One
// Metrics is shared by the replicas of all suffixes.
type Metrics struct {
	Changelog   *changelog.Metrics
	Resolver    *resolve.Metrics
	Agreements  *agreement.Metrics
	CleanAllRUV *cleanallruv.Metrics

	Acquires    *prometheus.CounterVec
	LocalWrites *prometheus.CounterVec
	Keepalives  *prometheus.CounterVec
	Inits       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Changelog:   changelog.NewMetrics(),
		Resolver:    resolve.NewMetrics(),
		Agreements:  agreement.NewMetrics(),
		CleanAllRUV: cleanallruv.NewMetrics(),

		Acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "acquires_total",
			Help:      "Total number of replica lock requests from suppliers, by result.",
		}, []string{"suffix", "result"}),
		LocalWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "local_writes_total",
			Help:      "Total number of local writes, by operation and result.",
		}, []string{"suffix", "op", "result"}),
		Keepalives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "keepalive_updates_total",
			Help:      "Total number of keep alive entry updates.",
		}, []string{"suffix"}),
		Inits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "total_inits_received_total",
			Help:      "Total number of total initializations received from suppliers.",
		}, []string{"suffix"}),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	out := []prometheus.Collector{m.Acquires, m.LocalWrites, m.Keepalives, m.Inits}
	out = append(out, m.Changelog.PrometheusCollectors()...)
	out = append(out, m.Resolver.PrometheusCollectors()...)
	out = append(out, m.Agreements.PrometheusCollectors()...)
	out = append(out, m.CleanAllRUV.PrometheusCollectors()...)
	return out
}
