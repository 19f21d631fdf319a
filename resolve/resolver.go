// Package resolve merges replicated operations into the entry store. Every
// decision is a function of the CSNs involved and the operation kind, so
// replicas that apply the same set of operations in different orders end up
// with the same entries.
package resolve

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Defaults for Config.
const (
	DefaultPurgeDelay             = 7 * 24 * time.Hour
	DefaultTombstonePurgeInterval = 24 * time.Hour
)

// conflictPrefix starts the nsds5ReplConflict value of a naming conflict loser.
const conflictPrefix = "namingConflict "

// Config controls tombstone retention.
type Config struct {
	PurgeDelay             time.Duration
	TombstonePurgeInterval time.Duration
	FastTombstonePurging   bool
}

// NewConfig returns a Config with the defaults.
func NewConfig() Config {
	return Config{
		PurgeDelay:             DefaultPurgeDelay,
		TombstonePurgeInterval: DefaultTombstonePurgeInterval,
	}
}

// AttributeSideEffect is implemented by plugins that react to replicated
// changes, such as referential integrity or memberOf maintenance.
type AttributeSideEffect interface {
	// Attributes lists the attributes the side effect watches. Nil means
	// every operation.
	Attributes() []string
	// AfterApply runs after op changed e. Errors are logged; they never
	// undo the apply.
	AfterApply(ctx context.Context, e *replication.Entry, op *replication.ChangelogEntry, o Outcome) error
}

// UniqueIDFor derives the nsuniqueid of an entry added without one. The ID
// is a UUIDv5 of the add CSN so every replica derives the same value.
func UniqueIDFor(c csn.CSN) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, c.Bytes()).String()
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock sets the clock used for tombstone ages.
func WithClock(clk clock.Clock) Option {
	return func(r *Resolver) { r.clock = clk }
}

// WithMetrics sets the collectors outcomes are counted in.
func WithMetrics(m *Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithSideEffects registers post-apply hooks.
func WithSideEffects(effects ...AttributeSideEffect) Option {
	return func(r *Resolver) { r.effects = append(r.effects, effects...) }
}

// Resolver applies changelog entries to an entry store.
type Resolver struct {
	mu sync.Mutex

	suffix  string
	store   replication.EntryStore
	config  Config
	clock   clock.Clock
	log     *zap.Logger
	metrics *Metrics
	effects []AttributeSideEffect
}

// New returns a resolver for suffix. The store must index nsuniqueid: the
// resolver locates every target by unique ID.
func New(ctx context.Context, suffix string, store replication.EntryStore, config Config, log *zap.Logger, opts ...Option) (*Resolver, error) {
	attrs, err := store.ListIndexedAttrs(ctx)
	if err != nil {
		return nil, err
	}
	indexed := false
	for _, a := range attrs {
		if strings.EqualFold(a, replication.AttrUniqueID) {
			indexed = true
			break
		}
	}
	if !indexed {
		return nil, &errors.Error{
			Code: errors.EInvalid,
			Op:   "resolve.New",
			Msg:  "entry store does not index " + replication.AttrUniqueID,
		}
	}

	r := &Resolver{
		suffix: suffix,
		store:  store,
		config: config,
		clock:  clock.New(),
		log:    log.With(zap.String("service", "resolver")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Apply merges op into the entry store.
func (r *Resolver) Apply(ctx context.Context, op *replication.ChangelogEntry) (Outcome, error) {
	if err := op.Validate(); err != nil {
		return Outcome{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		o   Outcome
		e   *replication.Entry
		err error
	)
	switch op.Op {
	case replication.OpAdd:
		o, e, err = r.add(ctx, op)
	case replication.OpModify:
		o, e, err = r.modify(ctx, op)
	case replication.OpDelete:
		o, e, err = r.delete(ctx, op)
	case replication.OpModRDN:
		o, e, err = r.modrdn(ctx, op)
	}
	if err != nil {
		return Outcome{}, &errors.Error{
			Code: errors.ErrorCode(err),
			Op:   "resolve.Apply",
			Msg:  "applying " + op.Op.String() + " " + op.CSN.String() + " to " + op.TargetDN,
			Err:  err,
		}
	}
	o.CSN = op.CSN

	if r.metrics != nil {
		r.metrics.Outcomes.WithLabelValues(r.suffix, op.Op.String(), o.Kind.String()).Inc()
	}
	switch o.Kind {
	case Conflict:
		r.log.Warn("Naming conflict",
			zap.Stringer("csn", op.CSN),
			zap.String("dn", o.DN),
			zap.String("conflict_dn", o.ConflictDN))
	case Superseded, Skipped:
		r.log.Debug("Operation not applied",
			zap.Stringer("csn", op.CSN),
			zap.Stringer("op", op.Op),
			zap.String("dn", op.TargetDN),
			zap.Stringer("outcome", o.Kind),
			zap.String("detail", o.Detail))
	}

	if o.Changed() && e != nil {
		r.afterApply(ctx, e, op, o)
	}
	return o, nil
}

func (r *Resolver) afterApply(ctx context.Context, e *replication.Entry, op *replication.ChangelogEntry, o Outcome) {
	for _, fx := range r.effects {
		if !watches(fx.Attributes(), op) {
			continue
		}
		if err := fx.AfterApply(ctx, e.Clone(), op, o); err != nil {
			r.log.Error("Side effect failed",
				zap.Stringer("csn", op.CSN),
				zap.String("dn", e.DN),
				zap.Error(err))
		}
	}
}

func watches(attrs []string, op *replication.ChangelogEntry) bool {
	if attrs == nil {
		return true
	}
	has := func(name string) bool {
		for _, a := range attrs {
			if strings.EqualFold(a, name) {
				return true
			}
		}
		return false
	}
	switch op.Op {
	case replication.OpAdd:
		for name := range op.Attrs {
			if has(name) {
				return true
			}
		}
		return false
	case replication.OpModify:
		for _, m := range op.Mods {
			if has(m.Attr) {
				return true
			}
		}
		return false
	}
	return true
}

// locate finds the target of op by unique ID, falling back to its DN when
// the operation carries none.
func (r *Resolver) locate(ctx context.Context, op *replication.ChangelogEntry) (*replication.Entry, error) {
	var (
		e   *replication.Entry
		err error
	)
	if op.UniqueID != "" {
		e, err = r.store.FindByUniqueID(ctx, op.UniqueID)
	} else {
		e, err = r.store.ReadEntry(ctx, op.TargetDN)
	}
	if errors.ErrorCode(err) == errors.ENotFound {
		return nil, nil
	}
	return e, err
}

// occupant returns the entry other than uid stored at dn.
func (r *Resolver) occupant(ctx context.Context, dn, uid string) (*replication.Entry, error) {
	e, err := r.store.ReadEntry(ctx, dn)
	if errors.ErrorCode(err) == errors.ENotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if e.UniqueID == uid {
		return nil, nil
	}
	return e, nil
}

// displace moves a tombstone out of the way of a live entry.
func (r *Resolver) displace(ctx context.Context, tomb *replication.Entry) error {
	tomb.DN = replication.TombstoneDN(tomb.UniqueID, tomb.DN)
	return r.store.WriteEntry(ctx, tomb)
}

// markConflict renames the loser of a naming conflict over dn.
func markConflict(loser *replication.Entry, dn string, c csn.CSN) {
	loser.DN = replication.ConflictDN(loser.UniqueID, dn)
	loser.ReplaceAttr(replication.AttrReplConflict, []string{conflictPrefix + dn}, c)
}

func (r *Resolver) add(ctx context.Context, op *replication.ChangelogEntry) (Outcome, *replication.Entry, error) {
	uid := op.UniqueID
	if uid == "" {
		uid = UniqueIDFor(op.CSN)
	}
	o := Outcome{Kind: Applied, UniqueID: uid, DN: op.TargetDN}

	existing, err := r.store.FindByUniqueID(ctx, uid)
	switch {
	case err == nil:
		o.Kind, o.DN = Replayed, existing.DN
		return o, existing, nil
	case errors.ErrorCode(err) != errors.ENotFound:
		return o, nil, err
	}

	e := replication.NewEntry(op.TargetDN, uid, op.CSN, op.Attrs)
	e.AddValue(replication.AttrUniqueID, uid, op.CSN)

	occ, err := r.occupant(ctx, op.TargetDN, uid)
	if err != nil {
		return o, nil, err
	}
	switch {
	case occ == nil:
	case occ.Tombstone():
		if err := r.displace(ctx, occ); err != nil {
			return o, nil, err
		}
	case op.CSN.Less(occ.AddCSN):
		// the stored entry was added later and gives way
		markConflict(occ, op.TargetDN, occ.AddCSN)
		if err := r.store.WriteEntry(ctx, occ); err != nil {
			return o, nil, err
		}
		o.Kind, o.ConflictDN = Conflict, occ.DN
		o.Detail = "existing entry " + occ.UniqueID + " renamed"
	default:
		markConflict(e, op.TargetDN, op.CSN)
		o.Kind, o.DN, o.ConflictDN = Conflict, op.TargetDN, e.DN
		o.Detail = "incoming entry renamed"
	}

	if err := r.store.WriteEntry(ctx, e); err != nil {
		return o, nil, err
	}
	return o, e, nil
}

func (r *Resolver) modify(ctx context.Context, op *replication.ChangelogEntry) (Outcome, *replication.Entry, error) {
	o := Outcome{UniqueID: op.UniqueID, DN: op.TargetDN}
	e, err := r.locate(ctx, op)
	if err != nil {
		return o, nil, err
	}
	if e == nil {
		o.Kind, o.Detail = Skipped, "no such entry"
		return o, nil, nil
	}
	o.UniqueID, o.DN = e.UniqueID, e.DN
	wasTombstone := e.Tombstone()
	before := touched(e, op.Mods)

	changed := false
	for i, m := range op.Mods {
		if strings.EqualFold(m.Attr, replication.AttrUniqueID) {
			continue
		}
		// mods of one operation apply in order
		c := op.CSN
		c.SubSeq = uint16(i)
		switch m.Type {
		case replication.ModAdd:
			for _, v := range m.Values {
				changed = e.AddValue(m.Attr, v, c) || changed
			}
		case replication.ModDelete:
			if len(m.Values) == 0 {
				changed = e.DeleteAttr(m.Attr, c) || changed
				continue
			}
			for _, v := range m.Values {
				changed = e.DeleteValue(m.Attr, v, c) || changed
			}
		case replication.ModReplace:
			changed = e.ReplaceAttr(m.Attr, m.Values, c) || changed
		}
	}
	newer := op.CSN.After(e.ModifyCSN)
	if newer {
		e.ModifyCSN = op.CSN
	}

	switch {
	case !changed && !newer:
		if op.CSN == e.ModifyCSN {
			o.Kind = Replayed
		} else {
			o.Kind, o.Detail = Superseded, "newer values already recorded"
		}
		return o, e, nil
	case wasTombstone && !e.Tombstone():
		o.Kind = Resurrected
	case e.Tombstone():
		o.Kind, o.Detail = Superseded, "entry deleted by a later operation"
	case !newer && reflect.DeepEqual(before, touched(e, op.Mods)):
		o.Kind, o.Detail = Superseded, "newer values already recorded"
	default:
		o.Kind = Applied
	}
	if err := r.store.WriteEntry(ctx, e); err != nil {
		return o, nil, err
	}
	return o, e, nil
}

// touched returns the visible values of the attributes mods refer to.
func touched(e *replication.Entry, mods []replication.Mod) map[string][]string {
	out := make(map[string][]string, len(mods))
	for _, m := range mods {
		name := strings.ToLower(m.Attr)
		out[name] = e.Values(name)
	}
	return out
}

func (r *Resolver) delete(ctx context.Context, op *replication.ChangelogEntry) (Outcome, *replication.Entry, error) {
	o := Outcome{UniqueID: op.UniqueID, DN: op.TargetDN}
	e, err := r.locate(ctx, op)
	if err != nil {
		return o, nil, err
	}
	if e == nil {
		o.Kind, o.Detail = Skipped, "no such entry"
		return o, nil, nil
	}
	o.UniqueID, o.DN = e.UniqueID, e.DN

	if !op.CSN.After(e.DeleteCSN) {
		o.Kind = Replayed
		return o, e, nil
	}
	e.DeleteCSN = op.CSN
	if e.Tombstone() {
		o.Kind = Tombstoned
	} else {
		o.Kind, o.Detail = Superseded, "entry modified by a later operation"
	}
	if err := r.store.WriteEntry(ctx, e); err != nil {
		return o, nil, err
	}
	return o, e, nil
}

func (r *Resolver) modrdn(ctx context.Context, op *replication.ChangelogEntry) (Outcome, *replication.Entry, error) {
	o := Outcome{UniqueID: op.UniqueID, DN: op.TargetDN}
	e, err := r.locate(ctx, op)
	if err != nil {
		return o, nil, err
	}
	if e == nil {
		o.Kind, o.Detail = Skipped, "no such entry"
		return o, nil, nil
	}
	o.UniqueID, o.DN = e.UniqueID, e.DN

	switch c := csn.Compare(op.CSN, e.DNCSN); {
	case c == 0:
		o.Kind = Replayed
		return o, e, nil
	case c < 0:
		o.Kind, o.Detail = Superseded, "entry renamed by a later operation"
		return o, e, nil
	}

	oldDN := e.DN
	wasConflict := e.Values(replication.AttrReplConflict) != nil
	if wasConflict {
		// a conflict entry is renamed relative to the DN it lost
		oldDN = strings.TrimPrefix(e.Get(replication.AttrReplConflict), conflictPrefix)
	}
	parent := op.NewSuperior
	if parent == "" {
		parent = replication.ParentDN(oldDN)
	}
	newDN := replication.JoinDN(op.NewRDN, parent)

	if op.DeleteOldRDN {
		if attr, val, ok := replication.SplitRDN(replication.LeadingRDN(oldDN)); ok {
			e.DeleteValue(attr, val, op.CSN)
		}
	}
	if attr, val, ok := replication.SplitRDN(op.NewRDN); ok {
		e.AddValue(attr, val, op.CSN)
	}
	e.DNCSN = op.CSN
	e.DN = newDN
	o.DN = newDN
	o.Kind = Applied

	occ, err := r.occupant(ctx, newDN, e.UniqueID)
	if err != nil {
		return o, nil, err
	}
	switch {
	case occ != nil && !occ.Tombstone():
		markConflict(e, newDN, op.CSN)
		o.Kind, o.ConflictDN = Conflict, e.DN
		o.Detail = "rename target exists"
	default:
		if occ != nil {
			if err := r.displace(ctx, occ); err != nil {
				return o, nil, err
			}
		}
		if wasConflict {
			e.DeleteAttr(replication.AttrReplConflict, op.CSN)
		}
	}

	if err := r.store.WriteEntry(ctx, e); err != nil {
		return o, nil, err
	}
	return o, e, nil
}
