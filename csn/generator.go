package csn

import (
	"math"
	"sync"

	"github.com/benbjohnson/clock"
)

// Generator issues CSNs for one replica. It never issues the same CSN twice
// and never goes backwards, even when the wall clock does.
type Generator struct {
	mu    sync.Mutex
	id    ReplicaID
	last  CSN
	clock clock.Clock
}

// NewGenerator returns a generator for id. A nil clock means the real time clock.
func NewGenerator(id ReplicaID, clk clock.Clock) *Generator {
	if clk == nil {
		clk = clock.New()
	}
	return &Generator{id: id, clock: clk}
}

// ReplicaID returns the replica the generator stamps CSNs for.
func (g *Generator) ReplicaID() ReplicaID {
	return g.id
}

// Next returns a CSN strictly greater than every CSN previously issued or
// observed by g.
//
// When the wall clock has moved past the last issued second the new CSN
// carries the current time with a zero sequence. Otherwise (clock stalled or
// regressed) the last second is kept and the sequence bumped; a sequence
// overflow moves the time forward by one second.
func (g *Generator) Next() CSN {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := uint32(g.clock.Now().Unix())
	next := CSN{ReplicaID: g.id}
	switch {
	case now > g.last.Time:
		next.Time = now
	case g.last.Seq == math.MaxUint16:
		next.Time = g.last.Time + 1
	default:
		next.Time = g.last.Time
		next.Seq = g.last.Seq + 1
	}
	g.last = next
	return next
}

// Observe moves the generator past a CSN seen from another replica so that
// later local changes sort after it.
func (g *Generator) Observe(c CSN) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c.Time > g.last.Time || (c.Time == g.last.Time && c.Seq > g.last.Seq) {
		g.last = CSN{Time: c.Time, Seq: c.Seq, ReplicaID: g.id}
	}
}

// Restore seeds the generator with the last CSN issued before a restart.
func (g *Generator) Restore(last CSN) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last.After(g.last) {
		g.last = CSN{Time: last.Time, Seq: last.Seq, ReplicaID: g.id}
	}
}

// Last returns the most recent CSN issued, or the zero CSN.
func (g *Generator) Last() CSN {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
