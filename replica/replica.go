// Package replica wires the replication components of one suffix together:
// the replica identity, its changelog, the conflict resolver applying
// changes to the entry store, the agreement sessions pushing changes to
// consumers and the CleanAllRUV coordinator. A Replica is also the consumer
// end of the replication protocol for its suffix.
package replica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/agreement"
	"github.com/dirsrv/replication/changelog"
	"github.com/dirsrv/replication/cleanallruv"
	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/resolve"
	"github.com/dirsrv/replication/sqlite"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// keepaliveMinGap bounds how often the keep alive entry is rewritten,
// whatever triggers it.
const keepaliveMinGap = time.Minute

// keepaliveTimeFormat is the generalized time syntax of keepalivetimestamp.
const keepaliveTimeFormat = "20060102150405Z"

// Option configures a Replica.
type Option func(*options)

type options struct {
	clock   clock.Clock
	metrics *Metrics
	effects []resolve.AttributeSideEffect
}

// WithClock sets the clock every component of the replica uses.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithMetrics reports to m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSideEffects registers post-apply hooks with the resolver.
func WithSideEffects(effects ...resolve.AttributeSideEffect) Option {
	return func(o *options) { o.effects = append(o.effects, effects...) }
}

// Replica is the replica of one suffix.
type Replica struct {
	cfg        Config
	suffix     string
	entries    replication.EntryStore
	changelog  *changelog.Changelog
	resolver   *resolve.Resolver
	manager    *agreement.Manager
	agreements *agreement.Service
	coord      *cleanallruv.Coordinator
	transport  agreement.Transport
	clock      clock.Clock
	log        *zap.Logger
	metrics    *Metrics
	limiter    *rate.Limiter
	bindDNs    map[string]string

	mu       sync.RWMutex
	identity replication.Identity

	// writeMu serializes local writes so that existence checks hold until
	// the write is applied.
	writeMu sync.Mutex

	lockMu sync.Mutex
	holder *inbound

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the replica of cfg.Identity.Suffix. clStore persists the
// changelog; nil keeps it in memory. Agreements of the suffix are stored in
// and started through agreements once the replica is opened.
func New(ctx context.Context, cfg Config, entries replication.EntryStore, clStore changelog.Store, sqlStore *sqlite.SqlStore, agreements *agreement.Service, t agreement.Transport, log *zap.Logger, opts ...Option) (*Replica, error) {
	if err := cfg.Identity.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}

	id := cfg.Identity
	suffix := replication.NormalizeDN(id.Suffix)
	// every component below logs through this suffix-scoped logger
	log = log.With(zap.String("suffix", suffix))

	var gen *csn.Generator
	if id.Role == replication.RoleSupplier {
		gen = csn.NewGenerator(id.ID, o.clock)
	}

	clOpts := []changelog.Option{changelog.WithClock(o.clock)}
	resOpts := []resolve.Option{resolve.WithClock(o.clock), resolve.WithSideEffects(o.effects...)}
	agmtOpts := []agreement.Option{agreement.WithClock(o.clock)}
	coordOpts := []cleanallruv.Option{cleanallruv.WithClock(o.clock)}
	if m := o.metrics; m != nil {
		clOpts = append(clOpts, changelog.WithMetrics(m.Changelog))
		resOpts = append(resOpts, resolve.WithMetrics(m.Resolver))
		agmtOpts = append(agmtOpts, agreement.WithMetrics(m.Agreements))
		coordOpts = append(coordOpts, cleanallruv.WithMetrics(m.CleanAllRUV))
	}

	cl := changelog.New(suffix, cfg.Changelog, gen, clStore, log, clOpts...)
	res, err := resolve.New(ctx, suffix, entries, cfg.Resolver, log, resOpts...)
	if err != nil {
		return nil, err
	}

	sessionCfg := cfg.Session
	sessionCfg.SupplierID = id.ID
	sessionCfg.SupplierURL = cfg.URL

	r := &Replica{
		cfg:        cfg,
		suffix:     suffix,
		entries:    entries,
		changelog:  cl,
		resolver:   res,
		manager:    agreement.NewManager(sessionCfg, cl, entries, t, log, agmtOpts...),
		agreements: agreements,
		transport:  t,
		clock:      o.clock,
		log:        log.With(zap.String("service", "replica")),
		metrics:    o.metrics,
		limiter:    rate.NewLimiter(rate.Every(keepaliveMinGap), 1),
		bindDNs:    make(map[string]string, len(cfg.BindDNs)),
		identity:   id,
	}
	for dn, hash := range cfg.BindDNs {
		r.bindDNs[replication.NormalizeDN(dn)] = hash
	}
	r.coord = cleanallruv.New(id.ID, cfg.CleanAllRUV, cl, r.links, sqlStore, log, coordOpts...)
	return r, nil
}

// Open loads the changelog, resumes interrupted CleanAllRUV tasks, starts
// the stored agreements and the background loops: changelog trimming,
// tombstone purging and keep alive updates.
func (r *Replica) Open(ctx context.Context) error {
	if err := r.changelog.Open(ctx); err != nil {
		return err
	}
	id := r.Identity()
	if id.Role == replication.RoleSupplier && r.cfg.URL != "" {
		if err := r.changelog.SetURL(ctx, id.ID, r.cfg.URL); err != nil {
			return err
		}
	}
	if err := r.coord.Open(ctx); err != nil {
		return err
	}
	if id.Role != replication.RoleConsumer {
		if err := r.agreements.Register(ctx, r.manager); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		_ = r.changelog.Run(loopCtx, r.manager.ConsumerStates)
	}()
	go func() {
		defer r.wg.Done()
		_ = r.resolver.Run(loopCtx, r.changelog.RUV)
	}()
	go func() {
		defer r.wg.Done()
		r.keepAliveLoop(loopCtx)
	}()

	r.log.Info("Replica opened",
		zap.Stringer("role", id.Role),
		zap.Uint16("rid", uint16(id.ID)),
		zap.Stringer("ruv", r.changelog.RUV()))
	return nil
}

// Close stops the sessions, the background loops and the coordinator, and
// drops a supplier holding the replica lock.
func (r *Replica) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.agreements.Unregister(r.suffix)

	r.lockMu.Lock()
	in := r.holder
	r.holder = nil
	r.lockMu.Unlock()
	if in != nil {
		in.stop()
	}

	var errs error
	errs = multierr.Append(errs, r.coord.Close())
	return errs
}

// Suffix returns the normalized suffix of the replica.
func (r *Replica) Suffix() string { return r.suffix }

// Identity returns the current identity of the replica.
func (r *Replica) Identity() replication.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity
}

// Changelog returns the changelog of the suffix.
func (r *Replica) Changelog() *changelog.Changelog { return r.changelog }

// Agreements returns the manager running the agreement sessions.
func (r *Replica) Agreements() *agreement.Manager { return r.manager }

// Coordinator returns the CleanAllRUV coordinator of the suffix.
func (r *Replica) Coordinator() *cleanallruv.Coordinator { return r.coord }

func (r *Replica) checkDN(op, dn string) error {
	if !replication.IsDescendant(dn, r.suffix) {
		return &errors.Error{Code: errors.EInvalid, Op: op, Msg: fmt.Sprintf("%q is not within %q", dn, r.suffix)}
	}
	return nil
}

// OnLocalWrite stamps a write made through this server with a new CSN,
// records it in the changelog and applies it. Hubs and consumers reject
// local writes.
func (r *Replica) OnLocalWrite(ctx context.Context, op *replication.ChangelogEntry) (c csn.CSN, err error) {
	const opName = "replica.OnLocalWrite"
	defer func() {
		if r.metrics != nil {
			result := "success"
			if err != nil {
				result = errors.ErrorCode(err)
			}
			r.metrics.LocalWrites.WithLabelValues(r.suffix, op.Op.String(), result).Inc()
		}
	}()

	if r.Identity().ReadOnly() {
		return csn.CSN{}, &errors.Error{Code: errors.EForbidden, Op: opName, Err: replication.ErrReadOnlyReplica}
	}
	if err := op.Validate(); err != nil {
		return csn.CSN{}, err
	}
	if err := r.checkDN(opName, op.TargetDN); err != nil {
		return csn.CSN{}, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	op = op.Clone()
	op.CSN = csn.CSN{}
	existing, err := r.entries.ReadEntry(ctx, op.TargetDN)
	switch {
	case errors.ErrorCode(err) == errors.ENotFound:
		existing = nil
	case err != nil:
		return csn.CSN{}, err
	case existing.Tombstone():
		existing = nil
	}

	if op.Op == replication.OpAdd {
		if existing != nil {
			return csn.CSN{}, &errors.Error{Code: errors.EConflict, Op: opName, Msg: fmt.Sprintf("entry %q already exists", op.TargetDN)}
		}
	} else {
		if existing == nil {
			return csn.CSN{}, &errors.Error{Code: errors.ENotFound, Op: opName, Msg: fmt.Sprintf("no such entry %q", op.TargetDN)}
		}
		if op.UniqueID == "" {
			op.UniqueID = existing.UniqueID
		}
	}

	c, err = r.changelog.Append(ctx, op)
	if err != nil {
		return csn.CSN{}, err
	}
	if _, err := r.resolver.Apply(ctx, op); err != nil {
		r.log.Error("Local write recorded but not applied", zap.Stringer("csn", c), zap.String("dn", op.TargetDN), zap.Error(err))
		return c, err
	}
	return c, nil
}

// ApplyUpdate applies a change received from a supplier and records it in
// the changelog, which advances the RUV. A change the RUV already covers is
// not applied again; a change of a replica id being cleaned is dropped.
func (r *Replica) ApplyUpdate(ctx context.Context, e *replication.ChangelogEntry) (resolve.Outcome, error) {
	if e == nil || e.CSN.IsZero() {
		return resolve.Outcome{}, &errors.Error{Code: errors.EInvalid, Op: "replica.ApplyUpdate", Msg: "update without csn"}
	}
	if err := r.checkDN("replica.ApplyUpdate", e.TargetDN); err != nil {
		return resolve.Outcome{}, err
	}

	skipped := resolve.Outcome{CSN: e.CSN, UniqueID: e.UniqueID, DN: e.TargetDN}
	switch {
	case r.changelog.Covers(e.CSN):
		skipped.Kind = resolve.Replayed
		return skipped, nil
	case r.changelog.Cleaning(e.CSN.ReplicaID):
		skipped.Kind, skipped.Detail = resolve.Skipped, "replica id is being cleaned"
		return skipped, nil
	}

	o, err := r.resolver.Apply(ctx, e)
	if err != nil {
		return o, err
	}
	if _, err := r.changelog.Record(ctx, e); err != nil {
		return o, err
	}
	return o, nil
}

// Promote raises the role of the replica. A replica becoming a supplier
// takes id, which must not be known to its RUV; hubs keep the read-only id.
func (r *Replica) Promote(ctx context.Context, role replication.Role, id replication.ReplicaID) error {
	cur := r.Identity()
	if role <= cur.Role {
		return &errors.Error{Code: errors.EInvalid, Op: "replica.Promote", Msg: fmt.Sprintf("cannot promote a %s to %s", cur.Role, role)}
	}
	if role != replication.RoleSupplier {
		id = replication.ReadOnlyReplicaID
	}
	next := replication.Identity{ID: id, Role: role, Suffix: cur.Suffix}
	if err := next.Validate(); err != nil {
		return err
	}
	if role == replication.RoleSupplier && (r.changelog.RUV().Contains(id) || r.changelog.Cleaning(id)) {
		return &errors.Error{Code: errors.EConflict, Op: "replica.Promote", Msg: fmt.Sprintf("replica id %d is already in use in the topology", id)}
	}
	return r.setIdentity(ctx, cur, next)
}

// Demote lowers the role of the replica. A demoted supplier gives up its
// replica id; it should be retired from the topology with CleanAllRUV.
func (r *Replica) Demote(ctx context.Context, role replication.Role) error {
	cur := r.Identity()
	if role >= cur.Role {
		return &errors.Error{Code: errors.EInvalid, Op: "replica.Demote", Msg: fmt.Sprintf("cannot demote a %s to %s", cur.Role, role)}
	}
	next := replication.Identity{ID: replication.ReadOnlyReplicaID, Role: role, Suffix: cur.Suffix}
	return r.setIdentity(ctx, cur, next)
}

func (r *Replica) setIdentity(ctx context.Context, cur, next replication.Identity) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if next.Role == replication.RoleSupplier {
		r.changelog.SetGenerator(csn.NewGenerator(next.ID, r.clock))
		if r.cfg.URL != "" {
			if err := r.changelog.SetURL(ctx, next.ID, r.cfg.URL); err != nil {
				return err
			}
		}
	} else {
		r.changelog.SetGenerator(nil)
	}
	r.coord.SetReplicaID(next.ID)

	r.mu.Lock()
	r.identity = next
	r.mu.Unlock()

	var err error
	switch {
	case next.Role == replication.RoleConsumer:
		r.agreements.Unregister(r.suffix)
	case cur.Role == replication.RoleConsumer:
		if err = r.manager.SetSupplierID(next.ID); err == nil {
			err = r.agreements.Register(ctx, r.manager)
		}
	default:
		err = r.manager.SetSupplierID(next.ID)
	}

	r.log.Info("Replica role changed",
		zap.Stringer("from", cur.Role), zap.Uint16("from_rid", uint16(cur.ID)),
		zap.Stringer("to", next.Role), zap.Uint16("to_rid", uint16(next.ID)))
	if cur.Role == replication.RoleSupplier {
		r.log.Warn("Former replica id stays in the RUV until cleaned", zap.Uint16("rid", uint16(cur.ID)))
	}
	return err
}

// KeepAlive rewrites the keep alive entry of a supplier so that its element
// advances in every consumer RUV even when it takes no writes. Calls closer
// together than a minute are skipped. It reports whether it wrote.
func (r *Replica) KeepAlive(ctx context.Context) (bool, error) {
	id := r.Identity()
	if id.ReadOnly() {
		return false, nil
	}
	if !r.limiter.AllowN(r.clock.Now(), 1) {
		return false, nil
	}

	dn := replication.KeepAliveDN(id.ID, r.suffix)
	stamp := r.clock.Now().UTC().Format(keepaliveTimeFormat)
	op := &replication.ChangelogEntry{
		Op:       replication.OpModify,
		TargetDN: dn,
		Mods: []replication.Mod{{
			Type:   replication.ModReplace,
			Attr:   replication.AttrKeepAliveTime,
			Values: []string{stamp},
		}},
	}
	e, err := r.entries.ReadEntry(ctx, dn)
	switch {
	case errors.ErrorCode(err) == errors.ENotFound || (err == nil && e.Tombstone()):
		op = &replication.ChangelogEntry{
			Op:       replication.OpAdd,
			TargetDN: dn,
			Attrs: map[string][]string{
				replication.AttrObjectClass:   {"top", "ldapsubentry", "extensibleObject"},
				"cn":                          {"repl keep alive " + id.ID.String()},
				replication.AttrKeepAliveTime: {stamp},
			},
		}
	case err != nil:
		return false, err
	}

	if _, err := r.OnLocalWrite(ctx, op); err != nil {
		return false, err
	}
	if r.metrics != nil {
		r.metrics.Keepalives.WithLabelValues(r.suffix).Inc()
	}
	return true, nil
}

func (r *Replica) keepAliveLoop(ctx context.Context) {
	if r.cfg.KeepaliveInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := r.clock.Ticker(r.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.KeepAlive(ctx); err != nil {
				r.log.Warn("Keep alive update failed", zap.Error(err))
			}
		}
	}
}
