// Package changelog implements the per-suffix ordered log of directory
// writes. The changelog owns the suffix RUV: every append, record, trim and
// purge serializes through one mutex, while readers stream from a
// copy-on-write snapshot of the index.
package changelog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/ruv"
	"github.com/google/btree"
	"go.uber.org/zap"
)

const btreeDegree = 32

// Config is the trimming policy of a changelog. Zero MaxEntries or MaxAge
// disables that policy.
type Config struct {
	MaxEntries   int
	MaxAge       time.Duration
	TrimInterval time.Duration
}

// NewConfig returns the default policy: no limits, trimmed every 5 minutes.
func NewConfig() Config {
	return Config{TrimInterval: 5 * time.Minute}
}

// ConsumerState is what the changelog knows about one consumer when
// deciding what it may trim.
type ConsumerState struct {
	Name      string
	ReplicaID replication.ReplicaID
	RUV       *ruv.RUV
}

type item struct {
	csn   csn.CSN
	entry *replication.ChangelogEntry
}

func itemLess(a, b item) bool { return a.csn.Less(b.csn) }

// Changelog is the changelog of one suffix.
type Changelog struct {
	suffix  string
	config  Config
	gen     *csn.Generator
	store   Store
	clock   clock.Clock
	log     *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	index    *btree.BTreeG[item]
	ruv      *ruv.RUV
	purge    *ruv.RUV
	cleaning map[replication.ReplicaID]bool
	subs     map[int]chan struct{}
	nextSub  int
}

// Option configures a Changelog.
type Option func(*Changelog)

// WithClock sets the clock trimming ages are measured with.
func WithClock(clk clock.Clock) Option {
	return func(c *Changelog) { c.clock = clk }
}

// WithMetrics publishes the changelog's counters to m.
func WithMetrics(m *Metrics) Option {
	return func(c *Changelog) { c.metrics = m }
}

// New returns a changelog for suffix. gen stamps local writes; it is moved
// forward past every CSN recorded from other replicas.
func New(suffix string, config Config, gen *csn.Generator, store Store, log *zap.Logger, opts ...Option) *Changelog {
	if store == nil {
		store = NewMemStore()
	}
	c := &Changelog{
		suffix:   suffix,
		config:   config,
		gen:      gen,
		store:    store,
		clock:    clock.New(),
		log:      log.With(zap.String("service", "changelog")),
		index:    btree.NewG[item](btreeDegree, itemLess),
		ruv:      ruv.New(),
		purge:    ruv.New(),
		cleaning: make(map[replication.ReplicaID]bool),
		subs:     make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Suffix returns the suffix the changelog belongs to.
func (c *Changelog) Suffix() string { return c.suffix }

// Open loads the stored entries and state and seeds the generator so that
// CSNs issued after a restart sort after everything stored.
func (c *Changelog) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var last csn.CSN
	st, err := c.store.Load(ctx, func(e *replication.ChangelogEntry) error {
		c.index.ReplaceOrInsert(item{csn: e.CSN, entry: e})
		last = csn.Max(last, e.CSN)
		return nil
	})
	if err != nil {
		return &errors.Error{Code: errors.EInternal, Op: "changelog.Open", Msg: "loading changelog", Err: err}
	}
	if st != nil {
		if st.RUV != nil {
			c.ruv = st.RUV
		}
		if st.PurgeRUV != nil {
			c.purge = st.PurgeRUV
		}
		for _, id := range st.Cleaning {
			c.cleaning[id] = true
		}
	}
	for _, el := range c.ruv.Elements() {
		last = csn.Max(last, el.MaxCSN)
	}
	if c.gen != nil && !last.IsZero() {
		c.gen.Restore(last)
	}
	c.setEntriesGauge()

	c.log.Info("Changelog opened", zap.Int("entries", c.index.Len()), zap.Stringer("ruv", c.ruv))
	return nil
}

func (c *Changelog) stateLocked() *State {
	st := &State{RUV: c.ruv.Clone(), PurgeRUV: c.purge.Clone()}
	for id := range c.cleaning {
		st.Cleaning = append(st.Cleaning, id)
	}
	return st
}

// Append stores a change made on this replica. An entry with a zero CSN is
// stamped by the generator. It returns the entry's CSN.
func (c *Changelog) Append(ctx context.Context, e *replication.ChangelogEntry) (csn.CSN, error) {
	if err := e.Validate(); err != nil {
		return csn.CSN{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.CSN.IsZero() {
		if c.gen == nil {
			return csn.CSN{}, &errors.Error{Code: errors.EForbidden, Op: "changelog.Append", Msg: "changelog has no csn generator"}
		}
		e.CSN = c.gen.Next()
	}
	if c.cleaning[e.CSN.ReplicaID] {
		return csn.CSN{}, &errors.Error{
			Code: errors.EConflict,
			Op:   "changelog.Append",
			Msg:  fmt.Sprintf("replica id %d is being cleaned", e.CSN.ReplicaID),
		}
	}
	if err := c.insertLocked(ctx, e); err != nil {
		return csn.CSN{}, err
	}
	c.countAppend("local")
	return e.CSN, nil
}

// Record stores a change received from another replica. It is a no-op,
// returning false, when the RUV already covers the change or its replica id
// is being cleaned.
func (c *Changelog) Record(ctx context.Context, e *replication.ChangelogEntry) (bool, error) {
	if e.CSN.IsZero() {
		return false, &errors.Error{Code: errors.EInvalid, Op: "changelog.Record", Msg: "replicated change without csn"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ruv.Covers(e.CSN) || c.cleaning[e.CSN.ReplicaID] {
		return false, nil
	}
	if err := c.insertLocked(ctx, e); err != nil {
		return false, err
	}
	if c.gen != nil {
		c.gen.Observe(e.CSN)
	}
	c.countAppend("replicated")
	return true, nil
}

func (c *Changelog) insertLocked(ctx context.Context, e *replication.ChangelogEntry) error {
	e = e.Clone()
	next := c.ruv.Clone()
	next.AdvanceCSN(e.CSN)

	st := c.stateLocked()
	st.RUV = next
	if err := c.store.Append(ctx, e, st); err != nil {
		return &errors.Error{Code: errors.EInternal, Op: "changelog.Append", Msg: "writing changelog entry", Err: err}
	}
	c.ruv = next
	c.index.ReplaceOrInsert(item{csn: e.CSN, entry: e})
	c.setEntriesGauge()
	c.notifyLocked()
	return nil
}

// Covers reports whether the changelog RUV covers c.
func (c *Changelog) Covers(x csn.CSN) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ruv.Covers(x)
}

// RUV returns a copy of the suffix RUV.
func (c *Changelog) RUV() *ruv.RUV {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ruv.Clone()
}

// PurgeRUV returns a copy of the highest trimmed CSN per replica.
func (c *Changelog) PurgeRUV() *ruv.RUV {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purge.Clone()
}

// MaxCSN returns the newest CSN of replica id known to the changelog.
func (c *Changelog) MaxCSN(id replication.ReplicaID) (csn.CSN, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ruv.MaxCSN(id)
}

// SetGenerator replaces the generator local writes are stamped with, as
// when a read-only replica is promoted to supplier. The generator is moved
// past every CSN the changelog knows.
func (c *Changelog) SetGenerator(gen *csn.Generator) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen = gen
	if gen == nil {
		return
	}
	for _, el := range c.ruv.Elements() {
		gen.Observe(el.MaxCSN)
	}
}

// SetURL records the purl of replica id in the RUV.
func (c *Changelog) SetURL(ctx context.Context, id replication.ReplicaID, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ruv.SetURL(id, url)
	return c.store.SaveState(ctx, c.stateLocked())
}

// Len returns the number of entries held.
func (c *Changelog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Len()
}

// Oldest returns the CSN of the oldest entry held.
func (c *Changelog) Oldest() (csn.CSN, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.index.Min()
	return it.csn, ok
}

// ReadSince returns a cursor over the entries with a CSN after since, in
// CSN order. The cursor reads a snapshot: entries written later are not
// returned, and the cursor never blocks writers.
func (c *Changelog) ReadSince(since csn.CSN) *Cursor {
	c.mu.Lock()
	snap := c.index.Clone()
	c.mu.Unlock()
	return &Cursor{tree: snap, last: since}
}

// StartFor returns the CSN after which a consumer with RUV consumer has
// changes to receive. Entries at or before it are covered by consumer.
func (c *Changelog) StartFor(consumer *ruv.RUV) csn.CSN {
	c.mu.Lock()
	defer c.mu.Unlock()

	var start csn.CSN
	first := true
	for _, el := range c.ruv.Elements() {
		max, ok := consumer.MaxCSN(el.ReplicaID)
		if !ok {
			return csn.CSN{}
		}
		if first || max.Less(start) {
			start = max
			first = false
		}
	}
	return start
}

// CanServe reports whether every change consumer is missing is still in
// the changelog. It returns an ENeedsInit error when trimming already
// removed changes the consumer has not seen.
func (c *Changelog) CanServe(consumer *ruv.RUV) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, el := range c.purge.Elements() {
		if el.MaxCSN.IsZero() || c.cleaning[el.ReplicaID] {
			continue
		}
		if !consumer.Covers(el.MaxCSN) {
			return &errors.Error{
				Code: errors.ENeedsInit,
				Op:   "changelog.CanServe",
				Msg: fmt.Sprintf("changes of replica %d up to %s were trimmed before the consumer received them; the consumer needs a total initialization",
					el.ReplicaID, el.MaxCSN),
			}
		}
	}
	return nil
}

// SetCleaning marks replica id as being retired, or clears the mark. While
// marked, changes of id are neither recorded nor appended and consumers
// with that id do not hold back trimming.
func (c *Changelog) SetCleaning(ctx context.Context, id replication.ReplicaID, cleaning bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cleaning[id] == cleaning {
		return nil
	}
	if cleaning {
		c.cleaning[id] = true
	} else {
		delete(c.cleaning, id)
	}
	return c.store.SaveState(ctx, c.stateLocked())
}

// Cleaning reports whether replica id is being retired.
func (c *Changelog) Cleaning(id replication.ReplicaID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleaning[id]
}

// Purge removes replica id from the RUV, the purge RUV and the changelog
// and clears its cleaning mark. It reports how many entries were removed.
func (c *Changelog) Purge(ctx context.Context, id replication.ReplicaID) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doomed []csn.CSN
	c.index.Ascend(func(it item) bool {
		if it.csn.ReplicaID == id {
			doomed = append(doomed, it.csn)
		}
		return true
	})

	nextRUV, nextPurge := c.ruv.Clone(), c.purge.Clone()
	nextRUV.Purge(id)
	nextPurge.Purge(id)

	st := &State{RUV: nextRUV, PurgeRUV: nextPurge}
	for cid := range c.cleaning {
		if cid != id {
			st.Cleaning = append(st.Cleaning, cid)
		}
	}
	if err := c.store.Delete(ctx, doomed, st); err != nil {
		return 0, &errors.Error{Code: errors.EInternal, Op: "changelog.Purge", Msg: "purging replica id", Err: err}
	}

	for _, x := range doomed {
		c.index.Delete(item{csn: x})
	}
	c.ruv, c.purge = nextRUV, nextPurge
	delete(c.cleaning, id)
	c.setEntriesGauge()
	if c.metrics != nil {
		c.metrics.Purged.WithLabelValues(c.suffix).Add(float64(len(doomed)))
	}

	c.log.Info("Purged replica id from changelog", zap.Uint16("rid", uint16(id)), zap.Int("entries", len(doomed)))
	return len(doomed), nil
}

// Reset drops every entry and adopts the RUV of the supplier that totally
// initialized this replica. Changes older than that RUV are no longer
// available to downstream consumers.
func (c *Changelog) Reset(ctx context.Context, supplier *ruv.RUV) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := supplier.Clone()
	for id := range c.cleaning {
		next.Purge(id)
	}
	st := &State{RUV: next, PurgeRUV: next.Clone()}
	for id := range c.cleaning {
		st.Cleaning = append(st.Cleaning, id)
	}
	if err := c.store.Reset(ctx, st); err != nil {
		return &errors.Error{Code: errors.EInternal, Op: "changelog.Reset", Msg: "resetting changelog", Err: err}
	}
	c.index.Clear(false)
	c.ruv, c.purge = st.RUV, st.PurgeRUV
	if c.gen != nil {
		for _, el := range c.ruv.Elements() {
			c.gen.Observe(el.MaxCSN)
		}
	}
	c.setEntriesGauge()
	c.notifyLocked()
	return nil
}

// Trim removes entries beyond the configured age or count, oldest first.
// It stops at the first entry some consumer still needs: an entry is kept
// until every consumer RUV covers it, unless that consumer's replica id is
// being cleaned. It returns the number of entries removed.
func (c *Changelog) Trim(ctx context.Context, consumers []ConsumerState) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.MaxEntries <= 0 && c.config.MaxAge <= 0 {
		return 0, nil
	}

	now := c.clock.Now()
	excess := 0
	if c.config.MaxEntries > 0 && c.index.Len() > c.config.MaxEntries {
		excess = c.index.Len() - c.config.MaxEntries
	}

	var (
		doomed  []csn.CSN
		blocker string
	)
	nextPurge := c.purge.Clone()
	c.index.Ascend(func(it item) bool {
		expired := c.config.MaxAge > 0 && now.Sub(it.csn.Timestamp()) > c.config.MaxAge
		if !expired && len(doomed) >= excess {
			return false
		}
		for _, cs := range consumers {
			if c.cleaning[cs.ReplicaID] {
				continue
			}
			if !cs.RUV.Covers(it.csn) {
				blocker = cs.Name
				return false
			}
		}
		doomed = append(doomed, it.csn)
		nextPurge.AdvanceCSN(it.csn)
		return true
	})

	if blocker != "" {
		c.log.Debug("Changelog trimming held back by consumer", zap.String("consumer", blocker), zap.Int("trimmable", len(doomed)))
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	st := c.stateLocked()
	st.PurgeRUV = nextPurge
	if err := c.store.Delete(ctx, doomed, st); err != nil {
		return 0, &errors.Error{Code: errors.EInternal, Op: "changelog.Trim", Msg: "trimming changelog", Err: err}
	}
	for _, x := range doomed {
		c.index.Delete(item{csn: x})
	}
	c.purge = nextPurge
	c.setEntriesGauge()
	if c.metrics != nil {
		c.metrics.Trimmed.WithLabelValues(c.suffix).Add(float64(len(doomed)))
	}

	c.log.Info("Trimmed changelog", zap.Int("trimmed", len(doomed)), zap.Int("remaining", c.index.Len()))
	return len(doomed), nil
}

// Run trims the changelog every TrimInterval until ctx is done. consumers
// is called before each pass for the current consumer RUVs.
func (c *Changelog) Run(ctx context.Context, consumers func() []ConsumerState) error {
	if c.config.TrimInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := c.clock.Ticker(c.config.TrimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Trim(ctx, consumers()); err != nil {
				c.log.Error("Changelog trimming failed", zap.Error(err))
			}
		}
	}
}

// Subscribe returns a channel that receives a value whenever entries are
// added. Notifications coalesce. The returned func unsubscribes.
func (c *Changelog) Subscribe() (<-chan struct{}, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan struct{}, 1)
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Changelog) notifyLocked() {
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (c *Changelog) countAppend(origin string) {
	if c.metrics != nil {
		c.metrics.Appends.WithLabelValues(c.suffix, origin).Inc()
	}
}

func (c *Changelog) setEntriesGauge() {
	if c.metrics != nil {
		c.metrics.Entries.WithLabelValues(c.suffix).Set(float64(c.index.Len()))
	}
}

// Cursor iterates over a snapshot of the changelog in CSN order.
type Cursor struct {
	tree *btree.BTreeG[item]
	last csn.CSN
}

// Next returns the next entry, or false when the snapshot is exhausted.
// Returned entries are shared and must not be modified.
func (cur *Cursor) Next() (*replication.ChangelogEntry, bool) {
	var (
		found *replication.ChangelogEntry
		last  = cur.last
	)
	cur.tree.AscendGreaterOrEqual(item{csn: last}, func(it item) bool {
		if !it.csn.After(last) {
			return true
		}
		found = it.entry
		return false
	})
	if found == nil {
		return nil, false
	}
	cur.last = found.CSN
	return found, true
}

// Last returns the CSN of the last entry returned by Next, or the starting
// CSN. ReadSince(cur.Last()) resumes the iteration.
func (cur *Cursor) Last() csn.CSN {
	return cur.last
}
