package agreement

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "replication"
	subsystem = "agreement"
)

// Metrics are the collectors shared by every session.
type Metrics struct {
	State           *prometheus.GaugeVec
	UpdatesSent     *prometheus.CounterVec
	UpdatesSkipped  *prometheus.CounterVec
	AcquireFailures *prometheus.CounterVec
	Backoffs        *prometheus.CounterVec
	TotalInits      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	labels := []string{"suffix", "agreement"}
	return &Metrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state",
			Help:      "Current session state: 0 disabled, 1 idle, 2 acquiring, 3 sending, 4 backoff, 5 error.",
		}, labels),
		UpdatesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "updates_sent_total",
			Help:      "Total number of changelog entries acknowledged by the consumer.",
		}, labels),
		UpdatesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "updates_skipped_total",
			Help:      "Total number of changelog entries not sent because the consumer already had them.",
		}, labels),
		AcquireFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "acquire_failures_total",
			Help:      "Total number of failed attempts to acquire the consumer, by error code.",
		}, append(labels, "code")),
		Backoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "backoffs_total",
			Help:      "Total number of times a session backed off.",
		}, labels),
		TotalInits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "total_inits_total",
			Help:      "Total number of total initializations, by result.",
		}, append(labels, "result")),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.State, m.UpdatesSent, m.UpdatesSkipped, m.AcquireFailures, m.Backoffs, m.TotalInits}
}
