package cleanallruv_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/changelog"
	"github.com/dirsrv/replication/cleanallruv"
	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/ruv"
	"github.com/dirsrv/replication/sqlite"
	"github.com/dirsrv/replication/sqlite/migrations"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const suffix = "dc=example,dc=com"

// peer is a replica reachable through a link: its changelog and the
// coordinator answering its directives.
type peer struct {
	name    string
	cl      *changelog.Changelog
	coord   *cleanallruv.Coordinator
	offline atomic.Bool
}

func (p *peer) Name() string { return p.name }

func (p *peer) Connect(ctx context.Context) (replication.Consumer, error) {
	if p.offline.Load() {
		return nil, &errors.Error{Code: errors.EUnavailable, Msg: p.name + " is offline"}
	}
	return &peerConsumer{p: p}, nil
}

type peerConsumer struct {
	replication.Consumer
	p *peer
}

func (c *peerConsumer) RUV(ctx context.Context, suffix string) (*ruv.RUV, error) {
	return c.p.cl.RUV(), nil
}

func (c *peerConsumer) CleanRUV(ctx context.Context, d *replication.CleanDirective) (*replication.DirectiveReply, error) {
	return c.p.coord.HandleClean(ctx, d)
}

func (c *peerConsumer) AbortCleanRUV(ctx context.Context, d *replication.AbortDirective) (*replication.DirectiveReply, error) {
	return c.p.coord.HandleAbort(ctx, d)
}

type links struct {
	mu sync.Mutex
	ls []cleanallruv.Link
}

func (l *links) add(p *peer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ls = append(l.ls, p)
}

func (l *links) get() []cleanallruv.Link {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cleanallruv.Link(nil), l.ls...)
}

func newStore(t *testing.T) *sqlite.SqlStore {
	t.Helper()
	store := sqlite.NewTestStore(t)
	require.NoError(t, sqlite.NewMigrator(store, zaptest.NewLogger(t)).Up(context.Background(), migrations.AllUp))
	return store
}

func testConfig() cleanallruv.Config {
	cfg := cleanallruv.NewConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ProtocolTimeout = time.Second
	return cfg
}

// newReplica returns a replica whose changelog holds one change of replica 5.
func newReplica(t *testing.T, name string, id replication.ReplicaID, store *sqlite.SqlStore, ls *links, opts ...cleanallruv.Option) *peer {
	t.Helper()
	ctx := context.Background()

	cl := changelog.New(suffix, changelog.NewConfig(), csn.NewGenerator(id, clock.New()), nil, zaptest.NewLogger(t))
	require.NoError(t, cl.Open(ctx))
	_, err := cl.Record(ctx, &replication.ChangelogEntry{
		CSN:      csn.CSN{Time: 1_600_000_000, ReplicaID: 5},
		Op:       replication.OpDelete,
		TargetDN: "cn=gone," + suffix,
	})
	require.NoError(t, err)
	_, err = cl.Append(ctx, &replication.ChangelogEntry{Op: replication.OpDelete, TargetDN: "cn=" + name + "," + suffix})
	require.NoError(t, err)

	if store == nil {
		store = newStore(t)
	}
	coord := cleanallruv.New(id, testConfig(), cl, ls.get, store, zaptest.NewLogger(t), opts...)
	require.NoError(t, coord.Open(ctx))
	t.Cleanup(func() { coord.Close() })
	return &peer{name: name, cl: cl, coord: coord}
}

func waitState(t *testing.T, task *cleanallruv.Task, state replication.TaskState) replication.TaskStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := task.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, state, st.State, st.Message)
	return st
}

func TestClean_OfflineConsumerKeepsTaskRunning(t *testing.T) {
	ctx := context.Background()
	var la, lb links
	b := newReplica(t, "b", 2, nil, &lb)
	b.offline.Store(true)
	la.add(b)
	metrics := cleanallruv.NewMetrics()
	a := newReplica(t, "a", 1, nil, &la, cleanallruv.WithMetrics(metrics))

	task, err := a.coord.Clean(ctx, &replication.CleanRequest{Suffix: suffix, ReplicaID: 5})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.cl.Cleaning(5) }, 5*time.Second, 5*time.Millisecond)

	// many rounds later the task is still waiting for b
	time.Sleep(100 * time.Millisecond)
	st := task.Status()
	require.Equal(t, replication.TaskRunning, st.State)
	require.Equal(t, replication.AttrList{"b"}, st.Pending)
	require.True(t, a.cl.RUV().Contains(5), "nothing is purged before b caught up")
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Running.WithLabelValues(suffix, string(replication.TaskClean))))

	stored, err := a.coord.TaskStatus(ctx, task.ID())
	require.NoError(t, err)
	require.Equal(t, replication.TaskRunning, stored.State)

	b.offline.Store(false)
	st = waitState(t, task, replication.TaskFinished)
	require.Equal(t, replication.AttrList{"b"}, st.Confirmed)
	require.Empty(t, st.Pending)

	require.False(t, a.cl.RUV().Contains(5))
	require.False(t, a.cl.Cleaning(5))
	require.Eventually(t, func() bool { return !b.cl.RUV().Contains(5) }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.Running.WithLabelValues(suffix, string(replication.TaskClean))))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Completed.WithLabelValues(suffix, string(replication.TaskClean), string(replication.TaskFinished))))

	// b ran its own task for the directive
	tasks, err := b.coord.Tasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, task.ID(), tasks[0].Origin)
}

func TestClean_Force(t *testing.T) {
	ctx := context.Background()
	var la, lb links
	b := newReplica(t, "b", 2, nil, &lb)
	b.offline.Store(true)
	la.add(b)
	a := newReplica(t, "a", 1, nil, &la)

	task, err := a.coord.Clean(ctx, &replication.CleanRequest{Suffix: suffix, ReplicaID: 5, Force: true})
	require.NoError(t, err)

	st := waitState(t, task, replication.TaskFinished)
	require.Equal(t, replication.AttrList{"b"}, st.Pending)
	require.Contains(t, st.Message, "unreachable")
	require.False(t, a.cl.RUV().Contains(5))
	require.True(t, b.cl.RUV().Contains(5))
}

func TestClean_MeshWithCycle(t *testing.T) {
	ctx := context.Background()
	var la, lb links
	a := newReplica(t, "a", 1, nil, &la)
	b := newReplica(t, "b", 2, nil, &lb)
	la.add(b)
	lb.add(a)

	task, err := a.coord.Clean(ctx, &replication.CleanRequest{Suffix: suffix, ReplicaID: 5})
	require.NoError(t, err)
	waitState(t, task, replication.TaskFinished)

	require.False(t, a.cl.RUV().Contains(5))
	require.Eventually(t, func() bool {
		tasks, err := b.coord.Tasks(ctx)
		return err == nil && len(tasks) == 1 && tasks[0].State == replication.TaskFinished
	}, 5*time.Second, 5*time.Millisecond)
	require.False(t, b.cl.RUV().Contains(5))

	// cleaning an id that is already gone finishes too
	again, err := a.coord.Clean(ctx, &replication.CleanRequest{Suffix: suffix, ReplicaID: 5})
	require.NoError(t, err)
	require.NotEqual(t, task.ID(), again.ID())
	waitState(t, again, replication.TaskFinished)
}

func TestClean_WaitsForLaggingConsumer(t *testing.T) {
	ctx := context.Background()
	var la, lb links
	b := newReplica(t, "b", 2, nil, &lb)
	la.add(b)
	a := newReplica(t, "a", 1, nil, &la)

	late := &replication.ChangelogEntry{
		CSN:      csn.CSN{Time: 1_600_000_100, ReplicaID: 5},
		Op:       replication.OpDelete,
		TargetDN: "cn=late," + suffix,
	}
	_, err := a.cl.Record(ctx, late)
	require.NoError(t, err)

	task, err := a.coord.Clean(ctx, &replication.CleanRequest{Suffix: suffix, ReplicaID: 5})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return task.Status().Message != ""
	}, 5*time.Second, 5*time.Millisecond)

	st := task.Status()
	require.Equal(t, replication.TaskRunning, st.State)
	require.Contains(t, st.Message, "waiting for b")
	require.True(t, a.cl.RUV().Contains(5))
	tasks, err := b.coord.Tasks(ctx)
	require.NoError(t, err)
	require.Empty(t, tasks, "b gets no directive before it caught up")

	_, err = b.cl.Record(ctx, late)
	require.NoError(t, err)
	waitState(t, task, replication.TaskFinished)
	require.Eventually(t, func() bool { return !b.cl.RUV().Contains(5) }, 5*time.Second, 5*time.Millisecond)
}

func TestClean_Validation(t *testing.T) {
	ctx := context.Background()
	var la links
	cfgStore := newStore(t)
	a := newReplica(t, "a", 1, cfgStore, &la)

	_, err := a.coord.Clean(ctx, &replication.CleanRequest{Suffix: suffix, ReplicaID: 1})
	require.Equal(t, errors.EInvalid, errors.ErrorCode(err))
	_, err = a.coord.Clean(ctx, &replication.CleanRequest{Suffix: suffix, ReplicaID: 0})
	require.Equal(t, errors.EInvalid, errors.ErrorCode(err))
	_, err = a.coord.Clean(ctx, &replication.CleanRequest{Suffix: "o=other", ReplicaID: 5})
	require.Equal(t, errors.EInvalid, errors.ErrorCode(err))

	reply, err := a.coord.HandleClean(ctx, &replication.CleanDirective{Origin: "x", Suffix: suffix, ReplicaID: 1})
	require.NoError(t, err)
	require.False(t, reply.Accepted)
}

func TestClean_TooManyTasks(t *testing.T) {
	ctx := context.Background()
	var la links
	offline := &peer{name: "down"}
	offline.offline.Store(true)
	la.add(offline)
	a := newReplica(t, "a", 1, nil, &la)

	var tasks []*cleanallruv.Task
	for id := replication.ReplicaID(10); id < 10+replication.MaxConcurrentTasks; id++ {
		task, err := a.coord.Clean(ctx, &replication.CleanRequest{Suffix: suffix, ReplicaID: id})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}

	// a second clean of a running id is the same task
	same, err := a.coord.Clean(ctx, &replication.CleanRequest{Suffix: suffix, ReplicaID: 10})
	require.NoError(t, err)
	require.Equal(t, tasks[0].ID(), same.ID())

	_, err = a.coord.Clean(ctx, &replication.CleanRequest{Suffix: suffix, ReplicaID: 99})
	require.Equal(t, errors.ETooMany, errors.ErrorCode(err))
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	var la, lb links
	b := newReplica(t, "b", 2, nil, &lb)
	b.offline.Store(true)
	la.add(b)
	a := newReplica(t, "a", 1, nil, &la)

	clean, err := a.coord.Clean(ctx, &replication.CleanRequest{Suffix: suffix, ReplicaID: 5})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.cl.Cleaning(5) }, 5*time.Second, 5*time.Millisecond)

	abort, err := a.coord.Abort(ctx, &replication.AbortRequest{Suffix: suffix, ReplicaID: 5})
	require.NoError(t, err)
	st := waitState(t, clean, replication.TaskAborted)
	require.Equal(t, "aborted", st.Message)
	require.False(t, a.cl.Cleaning(5))
	require.True(t, a.cl.RUV().Contains(5))

	// without certify an unreachable consumer does not hold the abort
	st = waitState(t, abort, replication.TaskFinished)
	require.Equal(t, replication.AttrList{"b"}, st.Pending)

	// aborting again, with nothing to abort, is fine
	again, err := a.coord.Abort(ctx, &replication.AbortRequest{Suffix: suffix, ReplicaID: 5})
	require.NoError(t, err)
	waitState(t, again, replication.TaskFinished)
}

func TestAbort_Certify(t *testing.T) {
	ctx := context.Background()
	var la, lb links
	b := newReplica(t, "b", 2, nil, &lb)
	b.offline.Store(true)
	la.add(b)
	a := newReplica(t, "a", 1, nil, &la)

	abort, err := a.coord.Abort(ctx, &replication.AbortRequest{Suffix: suffix, ReplicaID: 5, Certify: true})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, replication.TaskRunning, abort.Status().State)

	b.offline.Store(false)
	st := waitState(t, abort, replication.TaskFinished)
	require.Equal(t, replication.AttrList{"b"}, st.Confirmed)

	// b ran the abort too
	tasks, err := b.coord.Tasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, replication.TaskAbort, tasks[0].Kind)
}

func TestAbort_StopsPropagatedClean(t *testing.T) {
	ctx := context.Background()
	var la, lb links
	c := &peer{name: "c"}
	c.offline.Store(true)
	lb.add(c)
	b := newReplica(t, "b", 2, nil, &lb)
	la.add(b)
	a := newReplica(t, "a", 1, nil, &la)

	clean, err := a.coord.Clean(ctx, &replication.CleanRequest{Suffix: suffix, ReplicaID: 5})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.cl.Cleaning(5) }, 5*time.Second, 5*time.Millisecond)

	_, err = a.coord.Abort(ctx, &replication.AbortRequest{Suffix: suffix, ReplicaID: 5})
	require.NoError(t, err)
	waitState(t, clean, replication.TaskAborted)
	require.Eventually(t, func() bool { return !b.cl.Cleaning(5) }, 5*time.Second, 5*time.Millisecond)

	// a late directive of the aborted clean is refused
	reply, err := b.coord.HandleClean(ctx, &replication.CleanDirective{Origin: clean.ID(), Suffix: suffix, ReplicaID: 5})
	require.NoError(t, err)
	require.False(t, reply.Accepted)
}

func TestCoordinator_ResumesTasks(t *testing.T) {
	ctx := context.Background()
	var la, lb links
	b := newReplica(t, "b", 2, nil, &lb)
	b.offline.Store(true)
	la.add(b)

	store := newStore(t)
	a := newReplica(t, "a", 1, store, &la)
	task, err := a.coord.Clean(ctx, &replication.CleanRequest{Suffix: suffix, ReplicaID: 5})
	require.NoError(t, err)
	require.NoError(t, a.coord.Close())

	select {
	case <-task.Done():
	default:
		t.Fatal("closing the coordinator must stop its tasks")
	}
	require.Equal(t, replication.TaskRunning, task.Status().State)

	restarted := cleanallruv.New(1, testConfig(), a.cl, la.get, store, zaptest.NewLogger(t))
	require.NoError(t, restarted.Open(ctx))
	t.Cleanup(func() { restarted.Close() })

	resumed, ok := restarted.Task(task.ID())
	require.True(t, ok)
	b.offline.Store(false)
	waitState(t, resumed, replication.TaskFinished)
	require.False(t, a.cl.RUV().Contains(5))

	_, err = restarted.TaskStatus(ctx, "missing")
	require.Equal(t, errors.ENotFound, errors.ErrorCode(err))
}

func TestTask_WaitHonorsContext(t *testing.T) {
	var la links
	down := &peer{name: "down"}
	down.offline.Store(true)
	la.add(down)
	a := newReplica(t, "a", 1, nil, &la)

	task, err := a.coord.Clean(context.Background(), &replication.CleanRequest{Suffix: suffix, ReplicaID: 5})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	st, err := task.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, replication.TaskRunning, st.State)
}
