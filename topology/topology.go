// Package topology reports the replication state of the replicas of one
// server: their RUVs, the status of every agreement with the consumer RUV
// probed live over the agreement's transport, and CleanAllRUV tasks.
package topology

import (
	"context"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/agreement"
	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/replica"
	"github.com/dirsrv/replication/ruv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultProbeTimeout = 5 * time.Second
	// maxProbes bounds the consumers probed at once.
	maxProbes = 8
)

// Source lists the replicas to report on. *replica.Registry is a Source.
type Source interface {
	Replicas() []*replica.Replica
}

// Lag is how far a consumer is behind the supplier for one replica ID.
type Lag struct {
	ReplicaID replication.ReplicaID `json:"replicaID"`
	Supplier  csn.CSN               `json:"supplier"`
	Consumer  csn.CSN               `json:"consumer,omitempty"`
	// Behind is the time between the newest change the consumer holds and
	// the newest change of the supplier. It is zero when the consumer has
	// no change of the replica ID at all.
	Behind time.Duration `json:"behind"`
}

// AgreementReport is the status of an agreement and of its consumer.
type AgreementReport struct {
	replication.AgreementStatus
	Reachable  bool     `json:"reachable"`
	ProbeError string   `json:"probeError,omitempty"`
	Lag        []Lag    `json:"lag,omitempty"`
	LiveRUV    *ruv.RUV `json:"liveRUV,omitempty"`
}

// InSync reports whether the consumer holds every change of the supplier.
func (a *AgreementReport) InSync() bool {
	return len(a.Lag) == 0
}

// Report is the state of the replica of one suffix.
type Report struct {
	Suffix           string                   `json:"suffix"`
	Identity         replication.Identity     `json:"identity"`
	RUV              *ruv.RUV                 `json:"ruv"`
	ChangelogEntries int                      `json:"changelogEntries"`
	OldestChange     csn.CSN                  `json:"oldestChange,omitempty"`
	Agreements       []AgreementReport        `json:"agreements"`
	Tasks            []replication.TaskStatus `json:"tasks,omitempty"`
	GeneratedAt      time.Time                `json:"generatedAt"`
}

// ComputeLag lists the replica IDs whose newest change in supplier the
// consumer RUV does not cover.
func ComputeLag(supplier, consumer *ruv.RUV) []Lag {
	var out []Lag
	for _, el := range supplier.Elements() {
		if el.MaxCSN.IsZero() || consumer.Covers(el.MaxCSN) {
			continue
		}
		l := Lag{ReplicaID: el.ReplicaID, Supplier: el.MaxCSN}
		if c, ok := consumer.MaxCSN(el.ReplicaID); ok && !c.IsZero() {
			l.Consumer = c
			l.Behind = el.MaxCSN.Timestamp().Sub(c.Timestamp())
		}
		out = append(out, l)
	}
	return out
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithClock(clk clock.Clock) Option {
	return func(m *Monitor) { m.clock = clk }
}

// WithProbeTimeout bounds each consumer probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// Monitor builds reports.
type Monitor struct {
	source    Source
	transport agreement.Transport
	clock     clock.Clock
	timeout   time.Duration
	log       *zap.Logger
}

// NewMonitor returns a monitor probing consumers through t. A nil t skips
// the probes and reports the consumer RUV of the last session.
func NewMonitor(source Source, t agreement.Transport, log *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		source:    source,
		transport: t,
		clock:     clock.New(),
		timeout:   DefaultProbeTimeout,
		log:       log.With(zap.String("service", "topology")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Report returns the report of every replica, ordered by suffix.
func (m *Monitor) Report(ctx context.Context) ([]Report, error) {
	var out []Report
	for _, r := range m.source.Replicas() {
		rep, err := m.ReportReplica(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, nil
}

// ReportReplica returns the report of one replica. Consumers are probed
// concurrently; an unreachable consumer is reported, not returned as an
// error.
func (m *Monitor) ReportReplica(ctx context.Context, r *replica.Replica) (Report, error) {
	cl := r.Changelog()
	rep := Report{
		Suffix:           r.Suffix(),
		Identity:         r.Identity(),
		RUV:              cl.RUV(),
		ChangelogEntries: cl.Len(),
		GeneratedAt:      m.clock.Now(),
	}
	rep.OldestChange, _ = cl.Oldest()

	tasks, err := r.Coordinator().Tasks(ctx)
	if err != nil {
		return Report{}, err
	}
	rep.Tasks = tasks

	statuses := r.Agreements().Statuses()
	agreements := make(map[string]replication.Agreement)
	for _, a := range r.Agreements().Agreements() {
		agreements[a.Name] = a
	}

	rep.Agreements = make([]AgreementReport, len(statuses))
	var g errgroup.Group
	g.SetLimit(maxProbes)
	for i, st := range statuses {
		i, st := i, st
		rep.Agreements[i].AgreementStatus = st
		a, ok := agreements[st.Name]
		if !ok || m.transport == nil {
			rep.Agreements[i].Lag = ComputeLag(rep.RUV, st.ConsumerRUV)
			continue
		}
		g.Go(func() error {
			ar := &rep.Agreements[i]
			live, err := m.probe(ctx, &a)
			consumerRUV := st.ConsumerRUV
			if err != nil {
				ar.ProbeError = err.Error()
				m.log.Debug("Consumer probe failed", zap.String("agreement", st.Name), zap.Error(err))
			} else {
				ar.Reachable = true
				ar.LiveRUV = live
				consumerRUV = live
			}
			ar.Lag = ComputeLag(rep.RUV, consumerRUV)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(rep.Agreements, func(i, j int) bool { return rep.Agreements[i].Name < rep.Agreements[j].Name })
	return rep, nil
}

func (m *Monitor) probe(ctx context.Context, a *replication.Agreement) (*ruv.RUV, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	c, err := m.transport.Connect(ctx, a)
	if err != nil {
		return nil, err
	}
	return c.RUV(ctx, a.Suffix)
}
