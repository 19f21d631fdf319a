package agreement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/agreement"
	amock "github.com/dirsrv/replication/agreement/mock"
	"github.com/dirsrv/replication/changelog"
	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/inmem"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/mock"
	"github.com/dirsrv/replication/ruv"
	"github.com/dirsrv/replication/toml"
	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const suffix = "dc=example,dc=com"

// fakeConsumer applies every update it receives and remembers it.
type fakeConsumer struct {
	mu      sync.Mutex
	ruv     *ruv.RUV
	updates []*replication.ChangelogEntry
	entries []*replication.Entry
	initRUV *ruv.RUV
	// lazy acknowledges a batch only on the following request
	lazy    bool
	pending uint64
	applied uint64
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{ruv: ruv.New()}
}

func (f *fakeConsumer) Acquire(ctx context.Context, req *replication.AcquireRequest) (*replication.AcquireResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending, f.applied = 0, 0
	if req.Total {
		f.entries = nil
	}
	return &replication.AcquireResponse{Session: "s1", ReplicaID: 2, RUV: f.ruv.Clone()}, nil
}

func (f *fakeConsumer) Update(ctx context.Context, suffix, session string, updates []replication.Update) (*replication.UpdateAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lazy {
		f.applied = f.pending
	}
	for _, u := range updates {
		f.updates = append(f.updates, u.Entry)
		f.ruv.AdvanceCSN(u.Entry.CSN)
		f.pending = u.Seq
	}
	if !f.lazy {
		f.applied = f.pending
	}
	return &replication.UpdateAck{Applied: f.applied}, nil
}

func (f *fakeConsumer) Initialize(ctx context.Context, suffix, session string, batch *replication.InitBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, batch.Entries...)
	if batch.Done {
		f.initRUV = batch.RUV
		f.ruv = batch.RUV.Clone()
	}
	return nil
}

func (f *fakeConsumer) Release(ctx context.Context, suffix, session string) (*replication.ReleaseResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &replication.ReleaseResponse{RUV: f.ruv.Clone()}, nil
}

func (f *fakeConsumer) RUV(ctx context.Context, suffix string) (*ruv.RUV, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ruv.Clone(), nil
}

func (f *fakeConsumer) CleanRUV(ctx context.Context, d *replication.CleanDirective) (*replication.DirectiveReply, error) {
	return &replication.DirectiveReply{Accepted: true}, nil
}

func (f *fakeConsumer) AbortCleanRUV(ctx context.Context, d *replication.AbortDirective) (*replication.DirectiveReply, error) {
	return &replication.DirectiveReply{Accepted: true}, nil
}

func (f *fakeConsumer) received() []*replication.ChangelogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*replication.ChangelogEntry(nil), f.updates...)
}

func transportTo(c replication.Consumer) agreement.Transport {
	return agreement.TransportFunc(func(ctx context.Context, a *replication.Agreement) (replication.Consumer, error) {
		return c, nil
	})
}

func newChangelog(t *testing.T, cfg changelog.Config) *changelog.Changelog {
	t.Helper()
	gen := csn.NewGenerator(1, clock.New())
	cl := changelog.New(suffix, cfg, gen, nil, zaptest.NewLogger(t))
	require.NoError(t, cl.Open(context.Background()))
	return cl
}

func appendMod(t *testing.T, cl *changelog.Changelog, dn string, attrs ...string) csn.CSN {
	t.Helper()
	e := &replication.ChangelogEntry{Op: replication.OpModify, TargetDN: dn}
	for _, a := range attrs {
		e.Mods = append(e.Mods, replication.Mod{Type: replication.ModReplace, Attr: a, Values: []string{"v"}})
	}
	c, err := cl.Append(context.Background(), e)
	require.NoError(t, err)
	return c
}

func testAgreement() replication.Agreement {
	return replication.Agreement{
		Name:             "to-consumer",
		Suffix:           suffix,
		Host:             "consumer.example.com",
		BindDN:           "cn=replication manager,cn=config",
		Credentials:      "secret",
		BackoffMin:       toml.Duration(time.Hour),
		BackoffMax:       toml.Duration(time.Hour),
		FlowControlPause: toml.Duration(time.Millisecond),
		Enabled:          true,
	}
}

func testConfig() agreement.SessionConfig {
	cfg := agreement.NewSessionConfig(1, "ldap://supplier.example.com:389")
	cfg.ReleaseTimeout = 10 * time.Millisecond
	cfg.ProtocolTimeout = 5 * time.Second
	return cfg
}

func newSession(t *testing.T, a replication.Agreement, cl *changelog.Changelog, entries replication.EntryStore, tr agreement.Transport, opts ...agreement.Option) *agreement.Session {
	t.Helper()
	if entries == nil {
		entries = inmem.NewEntryStore()
	}
	s, err := agreement.NewSession(a, testConfig(), cl, entries, tr, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func TestSession_SendsMissingChanges(t *testing.T) {
	cl := newChangelog(t, changelog.NewConfig())
	for _, dn := range []string{"cn=a", "cn=b", "cn=c"} {
		appendMod(t, cl, dn+","+suffix, "description")
	}

	consumer := newFakeConsumer()
	metrics := agreement.NewMetrics()
	s := newSession(t, testAgreement(), cl, nil, transportTo(consumer), agreement.WithMetrics(metrics))
	require.Equal(t, replication.StateDisabled, s.Status().State)

	s.Start()
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.State == replication.StateIdle && st.ChangesSent == 3
	}, 5*time.Second, 5*time.Millisecond)
	require.True(t, cl.RUV().Equal(s.Status().ConsumerRUV))

	// new changes wake the idle session
	c4 := appendMod(t, cl, "cn=d,"+suffix, "description")
	require.Eventually(t, func() bool {
		got := consumer.received()
		return len(got) == 4 && got[3].CSN == c4
	}, 5*time.Second, 5*time.Millisecond)

	got := consumer.received()
	for i := 1; i < len(got); i++ {
		require.True(t, got[i].CSN.After(got[i-1].CSN), "updates must arrive in CSN order")
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.UpdatesSent.WithLabelValues(suffix, "to-consumer")) == 4
	}, 5*time.Second, 5*time.Millisecond)

	s.Stop()
	require.Equal(t, replication.StateDisabled, s.Status().State)
}

func TestSession_SkipsWhatTheConsumerHas(t *testing.T) {
	cl := newChangelog(t, changelog.NewConfig())
	appendMod(t, cl, "cn=a,"+suffix, "description")
	c2 := appendMod(t, cl, "cn=b,"+suffix, "description")
	c3 := appendMod(t, cl, "cn=c,"+suffix, "description")

	consumer := newFakeConsumer()
	consumer.ruv.AdvanceCSN(c2)
	s := newSession(t, testAgreement(), cl, nil, transportTo(consumer))
	s.Start()

	require.Eventually(t, func() bool {
		return len(consumer.received()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, c3, consumer.received()[0].CSN)
}

func TestSession_Fractional(t *testing.T) {
	cl := newChangelog(t, changelog.NewConfig())
	appendMod(t, cl, "cn=a,"+suffix, "description", "userPassword")

	a := testAgreement()
	a.FracList = replication.AttrList{"userpassword"}
	consumer := newFakeConsumer()
	s := newSession(t, a, cl, nil, transportTo(consumer))
	s.Start()

	require.Eventually(t, func() bool {
		return len(consumer.received()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	got := consumer.received()[0]
	require.Len(t, got.Mods, 1)
	require.Equal(t, "description", got.Mods[0].Attr)
	require.Equal(t, []string{"userPassword"}, got.FractionalExcluded)
}

func TestSession_FlowControl(t *testing.T) {
	cl := newChangelog(t, changelog.NewConfig())
	for i := 0; i < 10; i++ {
		appendMod(t, cl, "cn=a,"+suffix, "description")
	}

	a := testAgreement()
	a.FlowControlWindow = 2
	consumer := newFakeConsumer()
	consumer.lazy = true
	s := newSession(t, a, cl, nil, transportTo(consumer))
	s.Start()

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.State == replication.StateIdle && st.ChangesSent == 10
	}, 5*time.Second, 5*time.Millisecond)
	require.Len(t, consumer.received(), 10)
}

func TestSession_BusyConsumerBacksOff(t *testing.T) {
	ctrl := gomock.NewController(t)
	consumer := mock.NewMockConsumer(ctrl)
	tr := amock.NewMockTransport(ctrl)

	tr.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(consumer, nil).AnyTimes()
	consumer.EXPECT().Acquire(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req *replication.AcquireRequest) (*replication.AcquireResponse, error) {
			require.Equal(t, replication.ReplicaID(1), req.SupplierID)
			require.Equal(t, "to-consumer", req.Agreement)
			require.False(t, req.Total)
			return nil, replication.ErrReplicaBusy
		}).AnyTimes()

	metrics := agreement.NewMetrics()
	states := make(chan replication.AgreementState, 16)
	cl := newChangelog(t, changelog.NewConfig())
	s := newSession(t, testAgreement(), cl, nil, tr,
		agreement.WithMetrics(metrics),
		agreement.WithStateObserver(func(st replication.AgreementState) {
			select {
			case states <- st:
			default:
			}
		}))
	s.Start()

	require.Eventually(t, func() bool {
		return s.Status().State == replication.StateBackoff
	}, 5*time.Second, 5*time.Millisecond)

	st := s.Status()
	require.Equal(t, errors.EBusy, st.LastErrorCode)
	require.False(t, st.NextAttempt.IsZero())
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.AcquireFailures.WithLabelValues(suffix, "to-consumer", errors.EBusy)))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Backoffs.WithLabelValues(suffix, "to-consumer")))

	s.Stop()
	close(states)
	var seen []replication.AgreementState
	for st := range states {
		seen = append(seen, st)
	}
	require.Equal(t, []replication.AgreementState{
		replication.StateIdle,
		replication.StateAcquiring,
		replication.StateBackoff,
		replication.StateDisabled,
	}, seen)
}

func TestSession_TrimmedChangelogNeedsInit(t *testing.T) {
	cl := newChangelog(t, changelog.Config{MaxEntries: 1})
	for i := 0; i < 3; i++ {
		appendMod(t, cl, "cn=a,"+suffix, "description")
	}
	n, err := cl.Trim(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ctrl := gomock.NewController(t)
	consumer := mock.NewMockConsumer(ctrl)
	tr := amock.NewMockTransport(ctrl)
	tr.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(consumer, nil).AnyTimes()
	consumer.EXPECT().Acquire(gomock.Any(), gomock.Any()).
		Return(&replication.AcquireResponse{Session: "s1", ReplicaID: 2, RUV: ruv.New()}, nil).AnyTimes()
	consumer.EXPECT().Release(gomock.Any(), suffix, "s1").
		Return(&replication.ReleaseResponse{RUV: ruv.New()}, nil).AnyTimes()

	s := newSession(t, testAgreement(), cl, nil, tr)
	s.Start()

	require.Eventually(t, func() bool {
		return s.Status().State == replication.StateBackoff
	}, 5*time.Second, 5*time.Millisecond)
	st := s.Status()
	require.Equal(t, errors.ENeedsInit, st.LastErrorCode)
	require.Contains(t, st.InitStatus, "total initialization")
	require.Zero(t, st.ChangesSent)
}

func TestSession_TotalInit(t *testing.T) {
	ctx := context.Background()
	cl := newChangelog(t, changelog.NewConfig())
	c1 := appendMod(t, cl, "cn=a,"+suffix, "description")

	entries := inmem.NewEntryStore()
	for i, dn := range []string{"cn=a," + suffix, "cn=b," + suffix, "cn=c,o=elsewhere"} {
		e := replication.NewEntry(dn, "u-"+string(rune('a'+i)), c1, map[string][]string{
			"cn":           {"x"},
			"userpassword": {"secret"},
		})
		require.NoError(t, entries.WriteEntry(ctx, e))
	}

	a := testAgreement()
	a.FracListTotal = replication.AttrList{"userPassword"}
	consumer := newFakeConsumer()
	s := newSession(t, a, cl, entries, transportTo(consumer))

	err := s.Initialize(ctx)
	require.Equal(t, errors.EUnavailable, errors.ErrorCode(err))

	s.Start()
	require.NoError(t, s.Initialize(ctx))

	consumer.mu.Lock()
	require.Len(t, consumer.entries, 2)
	for _, e := range consumer.entries {
		require.True(t, replication.IsDescendant(e.DN, suffix))
		require.Empty(t, e.Values("userpassword"))
		require.Equal(t, []string{"x"}, e.Values("cn"))
	}
	require.True(t, cl.RUV().Equal(consumer.initRUV))
	consumer.mu.Unlock()

	st := s.Status()
	require.Equal(t, "succeeded", st.InitStatus)
	require.False(t, st.LastInitEnd.IsZero())
}

func TestSession_SendsReplicatedChangeSortingBeforeCursor(t *testing.T) {
	ctx := context.Background()
	cl := newChangelog(t, changelog.NewConfig())
	appendMod(t, cl, "cn=a,"+suffix, "description")

	// a long release timeout keeps the consumer acquired between changes
	cfg := testConfig()
	cfg.ReleaseTimeout = time.Minute
	consumer := newFakeConsumer()
	s, err := agreement.NewSession(testAgreement(), cfg, cl, inmem.NewEntryStore(), transportTo(consumer), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	s.Start()

	require.Eventually(t, func() bool {
		return s.Status().ChangesSent == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, replication.StateSending, s.Status().State)

	old := csn.CSN{Time: 1000, ReplicaID: 3}
	ok, err := cl.Record(ctx, &replication.ChangelogEntry{
		CSN:      old,
		Op:       replication.OpModify,
		TargetDN: "cn=b," + suffix,
		Mods:     []replication.Mod{{Type: replication.ModReplace, Attr: "description", Values: []string{"v"}}},
	})
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		got := consumer.received()
		return len(got) == 2 && got[1].CSN == old
	}, 5*time.Second, 5*time.Millisecond)
	require.Zero(t, s.Status().ChangesSkipped, "changes sent in this session are not skips")
}

func TestSession_RejectedBindGoesThroughError(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := amock.NewMockTransport(ctrl)
	tr.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(nil, replication.ErrBindFailed).AnyTimes()

	states := make(chan replication.AgreementState, 16)
	cl := newChangelog(t, changelog.NewConfig())
	s := newSession(t, testAgreement(), cl, nil, tr,
		agreement.WithStateObserver(func(st replication.AgreementState) {
			select {
			case states <- st:
			default:
			}
		}))
	s.Start()

	require.Eventually(t, func() bool {
		return s.Status().State == replication.StateBackoff
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, errors.EUnauthorized, s.Status().LastErrorCode)

	s.Stop()
	close(states)
	var seen []replication.AgreementState
	for st := range states {
		seen = append(seen, st)
	}
	require.Equal(t, []replication.AgreementState{
		replication.StateIdle,
		replication.StateAcquiring,
		replication.StateError,
		replication.StateBackoff,
		replication.StateDisabled,
	}, seen)
}

func TestSession_ClosedScheduleNeverConnects(t *testing.T) {
	ctrl := gomock.NewController(t)
	// no Connect expectation: any connection attempt fails the test
	tr := amock.NewMockTransport(ctrl)

	mc := clock.NewMock()
	a := testAgreement()
	a.Schedule = "0000-0000 0"
	cl := newChangelog(t, changelog.NewConfig())
	s := newSession(t, a, cl, nil, tr, agreement.WithClock(mc))
	s.Start()

	s.Poke()
	appendMod(t, cl, "cn=a,"+suffix, "description")
	mc.Add(7 * 24 * time.Hour)

	require.Never(t, func() bool {
		return s.Status().State != replication.StateIdle
	}, 100*time.Millisecond, 5*time.Millisecond)
}
