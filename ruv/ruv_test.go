package ruv_test

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/ruv"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func c(t uint32, seq uint16, rid csn.ReplicaID) csn.CSN {
	return csn.CSN{Time: t, Seq: seq, ReplicaID: rid}
}

func TestAdvance(t *testing.T) {
	r := ruv.New()

	require.True(t, r.Advance(1, c(100, 0, 1)))
	require.True(t, r.Advance(1, c(101, 0, 1)))

	// replay of an older or identical CSN is a no-op
	require.False(t, r.Advance(1, c(101, 0, 1)))
	require.False(t, r.Advance(1, c(100, 5, 1)))

	max, ok := r.MaxCSN(1)
	require.True(t, ok)
	require.Equal(t, c(101, 0, 1), max)

	min, _ := r.MinCSN(1)
	require.Equal(t, c(100, 0, 1), min)
}

func TestCovers(t *testing.T) {
	r := ruv.New()
	r.AdvanceCSN(c(100, 3, 1))

	require.True(t, r.Covers(c(100, 3, 1)))
	require.True(t, r.Covers(c(99, 9, 1)))
	require.False(t, r.Covers(c(100, 4, 1)))
	require.False(t, r.Covers(c(1, 0, 2)), "unknown replica is never covered")

	var empty *ruv.RUV
	require.False(t, empty.Covers(c(1, 0, 1)))
}

func randomRUV(r *rand.Rand) *ruv.RUV {
	v := ruv.New()
	for i := 0; i < r.Intn(5); i++ {
		v.AdvanceCSN(c(uint32(r.Intn(10)), uint16(r.Intn(3)), csn.ReplicaID(1+r.Intn(4))))
	}
	return v
}

func TestMergeCoversProperty(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		r1, r2 := randomRUV(rnd), randomRUV(rnd)
		merged := r1.Clone()
		merged.Merge(r2)

		for j := 0; j < 20; j++ {
			probe := c(uint32(rnd.Intn(12)), uint16(rnd.Intn(3)), csn.ReplicaID(1+rnd.Intn(5)))
			require.Equal(t, r1.Covers(probe) || r2.Covers(probe), merged.Covers(probe),
				"r1=%s r2=%s probe=%s", r1, r2, probe)
		}
	}
}

func TestMergeMinAndUnion(t *testing.T) {
	a := ruv.New()
	a.AdvanceCSN(c(10, 0, 1))
	a.AdvanceCSN(c(20, 0, 1))

	b := ruv.New()
	b.AdvanceCSN(c(5, 0, 1))
	b.AdvanceCSN(c(7, 0, 2))

	a.Merge(b)
	require.Equal(t, []csn.ReplicaID{1, 2}, a.ReplicaIDs())

	min, _ := a.MinCSN(1)
	require.Equal(t, c(5, 0, 1), min)
	max, _ := a.MaxCSN(1)
	require.Equal(t, c(20, 0, 1), max)
}

func TestPurge(t *testing.T) {
	r := ruv.New()
	r.AdvanceCSN(c(1, 0, 5))
	r.AdvanceCSN(c(1, 0, 6))

	require.True(t, r.Purge(5))
	require.False(t, r.Purge(5))
	require.False(t, r.Contains(5))
	require.True(t, r.Contains(6))
	require.False(t, r.Covers(c(1, 0, 5)))
}

func TestDominates(t *testing.T) {
	a := ruv.New()
	a.AdvanceCSN(c(10, 0, 1))
	a.AdvanceCSN(c(10, 0, 2))

	b := ruv.New()
	b.AdvanceCSN(c(9, 0, 1))
	require.True(t, a.Dominates(b))

	b.AdvanceCSN(c(11, 0, 2))
	require.False(t, a.Dominates(b))
}

func TestStringRoundTrip(t *testing.T) {
	r := ruv.New()
	r.AdvanceCSN(c(0x5f3a1b2c, 0, 1))
	r.AdvanceCSN(c(0x5f3a1b3f, 4, 1))
	r.SetURL(1, "ldap://supplier1:389")
	r.AdvanceCSN(c(0x5f3a1b30, 0, 2))
	r.SetURL(3, "ldap://hub:389")

	s := r.String()
	require.Equal(t,
		"{replica 1 ldap://supplier1:389} 5f3a1b2c000000010000 5f3a1b3f000400010000\n"+
			"{replica 2} 5f3a1b30000000020000 5f3a1b30000000020000\n"+
			"{replica 3 ldap://hub:389}",
		s)

	parsed, err := ruv.Parse(s)
	require.NoError(t, err)
	if diff := cmp.Diff(r.Elements(), parsed.Elements()); diff != "" {
		t.Fatal(diff)
	}

	_, err = ruv.Parse("{replica x} 1 2")
	require.Error(t, err)
}

func TestJSON(t *testing.T) {
	r := ruv.New()
	r.AdvanceCSN(c(100, 1, 4))

	b, err := json.Marshal(r)
	require.NoError(t, err)

	out := ruv.New()
	require.NoError(t, json.Unmarshal(b, out))
	require.True(t, r.Equal(out))
}
