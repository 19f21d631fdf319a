package http_test

import (
	"context"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/agreement"
	"github.com/dirsrv/replication/http"
	"github.com/dirsrv/replication/inmem"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/replica"
	"github.com/dirsrv/replication/sqlite"
	"github.com/dirsrv/replication/sqlite/migrations"
	"github.com/dirsrv/replication/toml"
	"github.com/dirsrv/replication/topology"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const (
	suffix     = "dc=example,dc=com"
	managerDN  = "cn=replication manager,cn=config"
	password   = "secret"
	adminToken = "s3cr3t-admin"
)

var (
	hashOnce sync.Once
	hash     string
)

func passwordHash(t *testing.T) string {
	hashOnce.Do(func() {
		b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		require.NoError(t, err)
		hash = string(b)
	})
	return hash
}

type server struct {
	srv     *httptest.Server
	r       *replica.Replica
	entries *inmem.EntryStore
	client  *http.Client
}

func (s *server) hostPort(t *testing.T) (string, int) {
	u, err := url.Parse(s.srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func newServer(t *testing.T, id replication.Identity) *server {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	var handler nethttp.Handler
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	store := sqlite.NewTestStore(t)
	require.NoError(t, sqlite.NewMigrator(store, log).Up(ctx, migrations.AllUp))
	svc := agreement.NewService(store, log)

	cfg := replica.NewConfig(id, srv.URL)
	cfg.BindDNs = map[string]string{managerDN: passwordHash(t)}
	cfg.KeepaliveInterval = 0
	cfg.Changelog.TrimInterval = 0
	cfg.Session.ReleaseTimeout = 10 * time.Millisecond
	cfg.Session.ProtocolTimeout = 5 * time.Second
	cfg.CleanAllRUV.PollInterval = 10 * time.Millisecond
	cfg.CleanAllRUV.ProtocolTimeout = 5 * time.Second

	transport := http.NewTransport(nil)
	entries := inmem.NewEntryStore()
	r, err := replica.New(ctx, cfg, entries, nil, store, svc, transport, log)
	require.NoError(t, err)

	registry := replica.NewRegistry()
	require.NoError(t, registry.Add(r))
	require.NoError(t, registry.Open(ctx))
	t.Cleanup(func() { registry.Close() })

	monitor := topology.NewMonitor(registry, transport, log, topology.WithProbeTimeout(time.Second))
	handler = http.NewHandler("replicad", []http.ResourceHandler{
		http.NewReplicationHandler(log, registry),
		http.NewAdminHandler(log, adminToken, registry, svc, monitor),
	}, http.WithLog(log), http.WithMetrics(prometheus.NewRegistry()), http.WithReady(func() bool { return true }))

	client, err := http.NewClient(srv.URL, http.WithAuthToken(adminToken))
	require.NoError(t, err)
	return &server{srv: srv, r: r, entries: entries, client: client}
}

func supplier(t *testing.T) *server {
	return newServer(t, replication.Identity{ID: 1, Role: replication.RoleSupplier, Suffix: suffix})
}

func consumer(t *testing.T) *server {
	return newServer(t, replication.Identity{ID: replication.ReadOnlyReplicaID, Role: replication.RoleConsumer, Suffix: suffix})
}

func link(t *testing.T, from, to *server, name string) {
	t.Helper()
	host, port := to.hostPort(t)
	created, err := from.client.CreateAgreement(context.Background(), replication.Agreement{
		Name: name, Suffix: suffix, Host: host, Port: port,
		BindDN: managerDN, Credentials: password,
		BackoffMin: toml.Duration(5 * time.Millisecond), BackoffMax: toml.Duration(20 * time.Millisecond),
		Enabled: true,
	})
	require.NoError(t, err)
	require.Equal(t, "******", created.Credentials)
}

var people = "ou=people," + suffix

func TestReplicationOverHTTP(t *testing.T) {
	ctx := context.Background()
	a, b := supplier(t), consumer(t)
	link(t, a, b, "a-to-b")

	_, err := a.r.OnLocalWrite(ctx, &replication.ChangelogEntry{
		Op: replication.OpAdd, TargetDN: people,
		Attrs: map[string][]string{"objectclass": {"organizationalUnit"}, "ou": {"people"}},
	})
	require.NoError(t, err)
	_, err = a.r.OnLocalWrite(ctx, &replication.ChangelogEntry{
		Op: replication.OpModify, TargetDN: people,
		Mods: []replication.Mod{{Type: replication.ModReplace, Attr: "description", Values: []string{"staff"}}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e, err := b.entries.ReadEntry(ctx, people)
		return err == nil && len(e.Values("description")) == 1 && e.Values("description")[0] == "staff"
	}, 10*time.Second, 10*time.Millisecond)

	var reports []topology.Report
	require.Eventually(t, func() bool {
		reports, err = a.client.Status(ctx)
		return err == nil && len(reports) == 1 && len(reports[0].Agreements) == 1 && reports[0].Agreements[0].InSync()
	}, 10*time.Second, 10*time.Millisecond)
	require.True(t, reports[0].Agreements[0].Reachable)

	tree, err := a.client.StatusTree(ctx)
	require.NoError(t, err)
	require.Contains(t, tree, "a-to-b")
	require.Contains(t, tree, "in sync")

	rv, err := b.client.RUV(ctx, suffix)
	require.NoError(t, err)
	require.True(t, rv.Equal(a.r.Changelog().RUV()))

	st, err := a.client.AgreementStatus(ctx, suffix, "a-to-b")
	require.NoError(t, err)
	require.GreaterOrEqual(t, st.ChangesSent, uint64(2))
}

func TestTotalInitOverHTTP(t *testing.T) {
	ctx := context.Background()
	a, b := supplier(t), consumer(t)

	_, err := a.r.OnLocalWrite(ctx, &replication.ChangelogEntry{
		Op: replication.OpAdd, TargetDN: people,
		Attrs: map[string][]string{"objectclass": {"organizationalUnit"}, "ou": {"people"}},
	})
	require.NoError(t, err)

	host, port := b.hostPort(t)
	_, err = a.client.CreateAgreement(ctx, replication.Agreement{
		Name: "a-to-b", Suffix: suffix, Host: host, Port: port,
		BindDN: managerDN, Credentials: password,
		BackoffMin: toml.Duration(5 * time.Millisecond), BackoffMax: toml.Duration(20 * time.Millisecond),
		Enabled: true,
	})
	require.NoError(t, err)
	require.NoError(t, a.client.InitializeAgreement(ctx, suffix, "a-to-b"))

	st, err := a.client.AgreementStatus(ctx, suffix, "a-to-b")
	require.NoError(t, err)
	require.Equal(t, "succeeded", st.InitStatus)

	e, err := b.entries.ReadEntry(ctx, people)
	require.NoError(t, err)
	require.Equal(t, []string{"people"}, e.Values("ou"))
}

func TestConsumerErrors(t *testing.T) {
	ctx := context.Background()
	b := consumer(t)
	c, err := http.NewClient(b.srv.URL)
	require.NoError(t, err)

	req := &replication.AcquireRequest{
		Suffix: suffix, Agreement: "x", SupplierID: 1,
		BindMethod: replication.BindSimple, BindDN: managerDN, Credentials: "wrong",
	}
	_, err = c.Acquire(ctx, req)
	require.Equal(t, errors.EUnauthorized, errors.ErrorCode(err))

	req.Credentials = password
	resp, err := c.Acquire(ctx, req)
	require.NoError(t, err)
	require.Equal(t, replication.ReadOnlyReplicaID, resp.ReplicaID)

	other := *req
	other.SupplierID = 2
	_, err = c.Acquire(ctx, &other)
	require.Equal(t, errors.EBusy, errors.ErrorCode(err))
	require.True(t, errors.IsTransient(err))

	_, err = c.Update(ctx, suffix, "no-such-session", nil)
	require.Equal(t, errors.EConflict, errors.ErrorCode(err))

	ack, err := c.Update(ctx, suffix, resp.Session, nil)
	require.NoError(t, err)
	require.Zero(t, ack.Applied)

	_, err = c.Release(ctx, suffix, resp.Session)
	require.NoError(t, err)

	_, err = c.RUV(ctx, "dc=other")
	require.Equal(t, errors.ENotFound, errors.ErrorCode(err))

	b.srv.Close()
	_, err = c.RUV(ctx, suffix)
	require.Equal(t, errors.EUnavailable, errors.ErrorCode(err))
}

func TestAdminAuth(t *testing.T) {
	ctx := context.Background()
	a := supplier(t)

	anon, err := http.NewClient(a.srv.URL)
	require.NoError(t, err)
	_, err = anon.Tasks(ctx)
	require.Equal(t, errors.EUnauthorized, errors.ErrorCode(err))

	wrong, err := http.NewClient(a.srv.URL, http.WithAuthToken("nope"))
	require.NoError(t, err)
	_, err = wrong.ListAgreements(ctx, suffix)
	require.Equal(t, errors.EUnauthorized, errors.ErrorCode(err))

	// the replication protocol authenticates with the bind of Acquire
	_, err = anon.RUV(ctx, suffix)
	require.NoError(t, err)
}

func TestAgreementAdmin(t *testing.T) {
	ctx := context.Background()
	a, b := supplier(t), consumer(t)
	link(t, a, b, "a-to-b")

	got, err := a.client.GetAgreement(ctx, suffix, "a-to-b")
	require.NoError(t, err)
	require.Equal(t, "******", got.Credentials)
	require.True(t, got.Enabled)

	disabled := false
	desc := "to the consumer"
	got, err = a.client.UpdateAgreement(ctx, suffix, "a-to-b", replication.UpdateAgreementRequest{Enabled: &disabled, Description: &desc})
	require.NoError(t, err)
	require.False(t, got.Enabled)
	require.Equal(t, desc, got.Description)

	as, err := a.client.ListAgreements(ctx, suffix)
	require.NoError(t, err)
	require.Len(t, as, 1)

	_, err = a.client.CreateAgreement(ctx, replication.Agreement{Name: "bad", Suffix: "dc=other", Host: "x"})
	require.Equal(t, errors.EInvalid, errors.ErrorCode(err))

	require.NoError(t, a.client.DeleteAgreement(ctx, suffix, "a-to-b"))
	_, err = a.client.GetAgreement(ctx, suffix, "a-to-b")
	require.Equal(t, errors.ENotFound, errors.ErrorCode(err))
}

func TestCleanAllRUVOverHTTP(t *testing.T) {
	ctx := context.Background()
	a, b := supplier(t), consumer(t)
	link(t, a, b, "a-to-b")

	_, err := a.client.CleanAllRUV(ctx, replication.CleanRequest{Suffix: suffix})
	require.Equal(t, errors.EInvalid, errors.ErrorCode(err))

	st, err := a.client.CleanAllRUV(ctx, replication.CleanRequest{Suffix: suffix, ReplicaID: 7})
	require.NoError(t, err)
	require.Equal(t, replication.TaskClean, st.Kind)

	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err = a.client.WaitTask(wctx, st.ID, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, replication.TaskFinished, st.State, st.Message)
	require.Equal(t, replication.AttrList{"a-to-b"}, st.Confirmed)

	// the consumer ran a task of its own for the directive
	ts, err := b.client.Tasks(ctx)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	require.Equal(t, st.ID, ts[0].Origin)

	ts, err = a.client.Tasks(ctx)
	require.NoError(t, err)
	require.Len(t, ts, 1)

	_, err = a.client.Task(ctx, "no-such-task")
	require.Equal(t, errors.ENotFound, errors.ErrorCode(err))

	ab, err := a.client.AbortCleanAllRUV(ctx, replication.AbortRequest{Suffix: suffix, ReplicaID: 7})
	require.NoError(t, err)
	require.Equal(t, replication.TaskAbort, ab.Kind)
}

func TestPromoteDemoteOverHTTP(t *testing.T) {
	ctx := context.Background()
	b := consumer(t)

	id, err := b.client.Promote(ctx, suffix, replication.RoleSupplier, 4)
	require.NoError(t, err)
	require.Equal(t, replication.RoleSupplier, id.Role)
	require.Equal(t, replication.ReplicaID(4), id.ID)

	id, err = b.client.Demote(ctx, suffix, replication.RoleHub)
	require.NoError(t, err)
	require.Equal(t, replication.RoleHub, id.Role)

	_, err = b.client.Demote(ctx, suffix, replication.RoleSupplier)
	require.Equal(t, errors.EInvalid, errors.ErrorCode(err))
}

func TestMetricsAndReady(t *testing.T) {
	a := supplier(t)
	_, err := a.client.Tasks(context.Background())
	require.NoError(t, err)

	for path, want := range map[string]string{
		"/metrics": `http_api_requests_total{handler="replicad",method="GET",path="/api/v1/tasks"`,
		"/ready":   `"status":"ready"`,
	} {
		resp, err := nethttp.Get(a.srv.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		require.Equal(t, 200, resp.StatusCode)
		require.Contains(t, string(body), want)
	}
}
