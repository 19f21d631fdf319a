package changelog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/changelog"
	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/ruv"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const suffix = "dc=example,dc=com"

func modify(dn string) *replication.ChangelogEntry {
	return &replication.ChangelogEntry{
		Op:       replication.OpModify,
		TargetDN: dn,
		Mods:     []replication.Mod{{Type: replication.ModReplace, Attr: "description", Values: []string{"x"}}},
	}
}

func newTestChangelog(t *testing.T, cfg changelog.Config, store changelog.Store) (*changelog.Changelog, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_600_000_000, 0))
	gen := csn.NewGenerator(1, mock)
	cl := changelog.New(suffix, cfg, gen, store, zaptest.NewLogger(t), changelog.WithClock(mock))
	require.NoError(t, cl.Open(context.Background()))
	return cl, mock
}

func TestAppend_StampsAndAdvancesRUV(t *testing.T) {
	cl, _ := newTestChangelog(t, changelog.NewConfig(), nil)
	ctx := context.Background()

	c1, err := cl.Append(ctx, modify("cn=a,"+suffix))
	require.NoError(t, err)
	c2, err := cl.Append(ctx, modify("cn=b,"+suffix))
	require.NoError(t, err)

	require.True(t, c2.After(c1))
	max, ok := cl.MaxCSN(1)
	require.True(t, ok)
	require.Equal(t, c2, max)
	require.Equal(t, 2, cl.Len())

	_, err = cl.Append(ctx, &replication.ChangelogEntry{Op: replication.OpAdd, TargetDN: "cn=c"})
	require.Equal(t, errors.EInvalid, errors.ErrorCode(err))
}

func TestRecord_ReplayIsIdempotent(t *testing.T) {
	cl, _ := newTestChangelog(t, changelog.NewConfig(), nil)
	ctx := context.Background()

	e := modify("cn=a," + suffix)
	e.CSN = csn.CSN{Time: 1_600_000_100, ReplicaID: 2}

	stored, err := cl.Record(ctx, e)
	require.NoError(t, err)
	require.True(t, stored)
	before := cl.RUV()

	stored, err = cl.Record(ctx, e)
	require.NoError(t, err)
	require.False(t, stored)
	require.Equal(t, 1, cl.Len())
	require.True(t, before.Equal(cl.RUV()))

	// local CSNs now sort after the observed remote change
	local, err := cl.Append(ctx, modify("cn=b,"+suffix))
	require.NoError(t, err)
	require.True(t, local.After(e.CSN))
}

func TestReadSince_SnapshotAndResume(t *testing.T) {
	cl, _ := newTestChangelog(t, changelog.NewConfig(), nil)
	ctx := context.Background()

	var csns []csn.CSN
	for i := 0; i < 5; i++ {
		c, err := cl.Append(ctx, modify("cn=a,"+suffix))
		require.NoError(t, err)
		csns = append(csns, c)
	}

	cur := cl.ReadSince(csn.CSN{})
	e, ok := cur.Next()
	require.True(t, ok)
	require.Equal(t, csns[0], e.CSN)
	e, ok = cur.Next()
	require.True(t, ok)
	require.Equal(t, csns[1], e.CSN)

	// writes after the snapshot are not visible to the cursor
	late, err := cl.Append(ctx, modify("cn=a,"+suffix))
	require.NoError(t, err)

	var rest []csn.CSN
	for e, ok := cur.Next(); ok; e, ok = cur.Next() {
		rest = append(rest, e.CSN)
	}
	require.Equal(t, csns[2:], rest)

	// a fresh cursor resumes after the last CSN seen
	resumed := cl.ReadSince(cur.Last())
	e, ok = resumed.Next()
	require.True(t, ok)
	require.Equal(t, late, e.CSN)
	_, ok = resumed.Next()
	require.False(t, ok)
}

func TestReadSince_ConcurrentWriters(t *testing.T) {
	cl, _ := newTestChangelog(t, changelog.NewConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := cl.Append(ctx, modify("cn=a,"+suffix))
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		read    int
		ordered = true
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, _ = cl.Append(ctx, modify("cn=b,"+suffix))
		}
	}()
	go func() {
		defer wg.Done()
		cur := cl.ReadSince(csn.CSN{})
		var prev csn.CSN
		for e, ok := cur.Next(); ok; e, ok = cur.Next() {
			if !e.CSN.After(prev) {
				ordered = false
			}
			prev = e.CSN
			read++
		}
	}()
	wg.Wait()

	require.True(t, ordered)
	require.GreaterOrEqual(t, read, 100)
	require.Equal(t, 200, cl.Len())
}

// A changelog holding 150 entries with a limit of 100 must keep everything
// a lagging consumer has not received yet.
func TestTrim_RetainsWhatLaggingConsumerNeeds(t *testing.T) {
	cfg := changelog.NewConfig()
	cfg.MaxEntries = 100

	tests := []struct {
		name        string
		covered     int // entries the lagging consumer has received
		wantTrimmed int
	}{
		{name: "consumer has nothing", covered: 0, wantTrimmed: 0},
		{name: "consumer lags inside the excess", covered: 30, wantTrimmed: 30},
		{name: "consumer past the excess", covered: 120, wantTrimmed: 50},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cl, _ := newTestChangelog(t, cfg, nil)
			ctx := context.Background()

			var csns []csn.CSN
			for i := 0; i < 150; i++ {
				c, err := cl.Append(ctx, modify("cn=a,"+suffix))
				require.NoError(t, err)
				csns = append(csns, c)
			}

			lagging := ruv.New()
			if tt.covered > 0 {
				lagging.AdvanceCSN(csns[tt.covered-1])
			}
			upToDate := cl.RUV()

			n, err := cl.Trim(ctx, []changelog.ConsumerState{
				{Name: "lagging", ReplicaID: 65535, RUV: lagging},
				{Name: "current", ReplicaID: 65535, RUV: upToDate},
			})
			require.NoError(t, err)
			require.Equal(t, tt.wantTrimmed, n)
			require.Equal(t, 150-tt.wantTrimmed, cl.Len())

			// every entry the lagging consumer still needs is readable
			cur := cl.ReadSince(csn.CSN{})
			first, ok := cur.Next()
			require.True(t, ok)
			require.Equal(t, csns[tt.wantTrimmed], first.CSN)
		})
	}
}

func TestTrim_MaxAge(t *testing.T) {
	cfg := changelog.NewConfig()
	cfg.MaxAge = time.Hour
	cl, mock := newTestChangelog(t, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cl.Append(ctx, modify("cn=old,"+suffix))
		require.NoError(t, err)
	}
	mock.Add(2 * time.Hour)
	fresh, err := cl.Append(ctx, modify("cn=new,"+suffix))
	require.NoError(t, err)

	n, err := cl.Trim(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	oldest, ok := cl.Oldest()
	require.True(t, ok)
	require.Equal(t, fresh, oldest)
}

func TestTrim_CleaningConsumerDoesNotHoldBack(t *testing.T) {
	cfg := changelog.NewConfig()
	cfg.MaxEntries = 1
	cl, _ := newTestChangelog(t, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := cl.Append(ctx, modify("cn=a,"+suffix))
		require.NoError(t, err)
	}

	dead := []changelog.ConsumerState{{Name: "retired", ReplicaID: 5, RUV: ruv.New()}}
	n, err := cl.Trim(ctx, dead)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, cl.SetCleaning(ctx, 5, true))
	n, err = cl.Trim(ctx, dead)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestCanServe(t *testing.T) {
	cfg := changelog.NewConfig()
	cfg.MaxEntries = 2
	cl, _ := newTestChangelog(t, cfg, nil)
	ctx := context.Background()

	var csns []csn.CSN
	for i := 0; i < 5; i++ {
		c, err := cl.Append(ctx, modify("cn=a,"+suffix))
		require.NoError(t, err)
		csns = append(csns, c)
	}
	n, err := cl.Trim(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	behind := ruv.New()
	behind.AdvanceCSN(csns[1])
	require.Equal(t, errors.ENeedsInit, errors.ErrorCode(cl.CanServe(behind)))
	require.Equal(t, errors.ENeedsInit, errors.ErrorCode(cl.CanServe(ruv.New())))

	caughtUp := ruv.New()
	caughtUp.AdvanceCSN(csns[2])
	require.NoError(t, cl.CanServe(caughtUp))
}

func TestStartFor(t *testing.T) {
	cl, _ := newTestChangelog(t, changelog.NewConfig(), nil)
	ctx := context.Background()

	local, err := cl.Append(ctx, modify("cn=a,"+suffix))
	require.NoError(t, err)
	remote := modify("cn=b," + suffix)
	remote.CSN = csn.CSN{Time: 1_600_000_000, Seq: 9, ReplicaID: 2}
	_, err = cl.Record(ctx, remote)
	require.NoError(t, err)

	require.True(t, cl.StartFor(ruv.New()).IsZero())

	consumer := ruv.New()
	consumer.AdvanceCSN(local)
	require.True(t, cl.StartFor(consumer).IsZero(), "replica 2 unknown to the consumer")

	consumer.AdvanceCSN(remote.CSN)
	require.Equal(t, local, cl.StartFor(consumer))
}

func TestPurge(t *testing.T) {
	store := changelog.NewMemStore()
	cl, _ := newTestChangelog(t, changelog.NewConfig(), store)
	ctx := context.Background()

	_, err := cl.Append(ctx, modify("cn=a,"+suffix))
	require.NoError(t, err)
	for i := uint16(0); i < 3; i++ {
		e := modify("cn=b," + suffix)
		e.CSN = csn.CSN{Time: 1_500_000_000, Seq: i, ReplicaID: 5}
		_, err := cl.Record(ctx, e)
		require.NoError(t, err)
	}
	require.NoError(t, cl.SetCleaning(ctx, 5, true))

	// changes of a replica being cleaned are dropped
	late := modify("cn=b," + suffix)
	late.CSN = csn.CSN{Time: 1_500_000_001, ReplicaID: 5}
	stored, err := cl.Record(ctx, late)
	require.NoError(t, err)
	require.False(t, stored)

	n, err := cl.Purge(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.False(t, cl.RUV().Contains(5))
	require.False(t, cl.Cleaning(5))
	require.Equal(t, 1, store.Len())

	// the purge survives a reopen
	reopened, _ := newTestChangelog(t, changelog.NewConfig(), store)
	require.False(t, reopened.RUV().Contains(5))
	require.True(t, reopened.RUV().Contains(1))
	require.Equal(t, 1, reopened.Len())
}

func TestOpen_RestoresGenerator(t *testing.T) {
	store := changelog.NewMemStore()
	cl, _ := newTestChangelog(t, changelog.NewConfig(), store)
	ctx := context.Background()

	var last csn.CSN
	for i := 0; i < 3; i++ {
		c, err := cl.Append(ctx, modify("cn=a,"+suffix))
		require.NoError(t, err)
		last = c
	}

	// the reopened changelog runs on a clock set back in time
	mock := clock.NewMock()
	mock.Set(time.Unix(1_500_000_000, 0))
	gen := csn.NewGenerator(1, mock)
	reopened := changelog.New(suffix, changelog.NewConfig(), gen, store, zaptest.NewLogger(t))
	require.NoError(t, reopened.Open(ctx))

	next, err := reopened.Append(ctx, modify("cn=a,"+suffix))
	require.NoError(t, err)
	require.True(t, next.After(last))
}

func TestReset(t *testing.T) {
	cl, _ := newTestChangelog(t, changelog.NewConfig(), nil)
	ctx := context.Background()

	_, err := cl.Append(ctx, modify("cn=a,"+suffix))
	require.NoError(t, err)

	supplier := ruv.New()
	supplier.AdvanceCSN(csn.CSN{Time: 1_700_000_000, ReplicaID: 2})
	require.NoError(t, cl.Reset(ctx, supplier))

	require.Zero(t, cl.Len())
	require.True(t, cl.RUV().Equal(supplier))
	require.Equal(t, errors.ENeedsInit, errors.ErrorCode(cl.CanServe(ruv.New())))
	require.NoError(t, cl.CanServe(supplier))
}

func TestSubscribe(t *testing.T) {
	cl, _ := newTestChangelog(t, changelog.NewConfig(), nil)
	ch, cancel := cl.Subscribe()
	defer cancel()

	_, err := cl.Append(context.Background(), modify("cn=a,"+suffix))
	require.NoError(t, err)
	select {
	case <-ch:
	default:
		t.Fatal("expected a notification")
	}
}

func TestMetrics(t *testing.T) {
	m := changelog.NewMetrics()
	mock := clock.NewMock()
	cl := changelog.New(suffix, changelog.Config{MaxEntries: 1}, csn.NewGenerator(1, mock), nil,
		zaptest.NewLogger(t), changelog.WithMetrics(m), changelog.WithClock(mock))
	require.NoError(t, cl.Open(context.Background()))

	for i := 0; i < 3; i++ {
		_, err := cl.Append(context.Background(), modify("cn=a,"+suffix))
		require.NoError(t, err)
	}
	_, err := cl.Trim(context.Background(), nil)
	require.NoError(t, err)

	require.Equal(t, float64(3), testutil.ToFloat64(m.Appends.WithLabelValues(suffix, "local")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.Trimmed.WithLabelValues(suffix)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Entries.WithLabelValues(suffix)))
}
