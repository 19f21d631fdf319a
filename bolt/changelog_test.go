package bolt_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/changelog"
	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/ruv"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const suffix = "dc=example,dc=com"

func modify(dn, value string) *replication.ChangelogEntry {
	return &replication.ChangelogEntry{
		Op:       replication.OpModify,
		TargetDN: dn,
		Mods:     []replication.Mod{{Type: replication.ModReplace, Attr: "description", Values: []string{value}}},
	}
}

func openChangelog(t *testing.T, store changelog.Store) *changelog.Changelog {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_600_000_000, 0))
	cl := changelog.New(suffix, changelog.NewConfig(), csn.NewGenerator(1, mock), store, zaptest.NewLogger(t), changelog.WithClock(mock))
	require.NoError(t, cl.Open(context.Background()))
	return cl
}

func TestChangelogStore_Reopen(t *testing.T) {
	c, closeFn, err := NewTestClient(t)
	require.NoError(t, err)
	defer closeFn()
	ctx := context.Background()

	store, err := c.ChangelogStore(suffix)
	require.NoError(t, err)

	cl := openChangelog(t, store)
	var csns []csn.CSN
	for _, v := range []string{"a", "b", "c"} {
		got, err := cl.Append(ctx, modify("cn=x,"+suffix, v))
		require.NoError(t, err)
		csns = append(csns, got)
	}
	remote := modify("cn=y,"+suffix, "remote")
	remote.CSN = csn.CSN{Time: 1_500_000_000, ReplicaID: 7}
	_, err = cl.Record(ctx, remote)
	require.NoError(t, err)
	require.NoError(t, cl.SetURL(ctx, 1, "ldap://s1.example.com:389"))
	require.Equal(t, 4, store.Len())

	// a second handle on the same suffix sees the same data
	store2, err := c.ChangelogStore(strings.ToUpper(suffix))
	require.NoError(t, err)
	reopened := openChangelog(t, store2)

	require.True(t, cl.RUV().Equal(reopened.RUV()))
	require.Equal(t, 4, reopened.Len())

	cur := reopened.ReadSince(csn.CSN{})
	e, ok := cur.Next()
	require.True(t, ok)
	require.Equal(t, remote.CSN, e.CSN)
	for _, want := range csns {
		e, ok := cur.Next()
		require.True(t, ok)
		require.Equal(t, want, e.CSN)
	}
	_, ok = cur.Next()
	require.False(t, ok)
}

func TestChangelogStore_PurgeAndReset(t *testing.T) {
	c, closeFn, err := NewTestClient(t)
	require.NoError(t, err)
	defer closeFn()
	ctx := context.Background()

	store, err := c.ChangelogStore(suffix)
	require.NoError(t, err)
	cl := openChangelog(t, store)

	_, err = cl.Append(ctx, modify("cn=x,"+suffix, "local"))
	require.NoError(t, err)
	for i := uint16(0); i < 2; i++ {
		e := modify("cn=y,"+suffix, "remote")
		e.CSN = csn.CSN{Time: 1_500_000_000, Seq: i, ReplicaID: 9}
		_, err := cl.Record(ctx, e)
		require.NoError(t, err)
	}
	require.NoError(t, cl.SetCleaning(ctx, 9, true))

	n, err := cl.Purge(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 1, store.Len())
	require.False(t, openChangelog(t, store).RUV().Contains(9))

	supplier := ruv.New()
	supplier.AdvanceCSN(csn.CSN{Time: 1_700_000_000, ReplicaID: 2})
	require.NoError(t, cl.Reset(ctx, supplier))
	require.Zero(t, store.Len())
	require.True(t, openChangelog(t, store).RUV().Equal(supplier))
}

func TestClient_Collector(t *testing.T) {
	c, closeFn, err := NewTestClient(t)
	require.NoError(t, err)
	defer closeFn()

	store, err := c.ChangelogStore(suffix)
	require.NoError(t, err)
	cl := openChangelog(t, store)
	_, err = cl.Append(context.Background(), modify("cn=x,"+suffix, "v"))
	require.NoError(t, err)

	// reads, writes and one per-suffix gauge
	require.Equal(t, 3, testutil.CollectAndCount(c))
}
