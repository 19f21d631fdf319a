package replica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/ruv"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var _ replication.Consumer = (*Replica)(nil)

// Group membership attributes checked for BindDNGroups.
var memberAttrs = []string{"member", "uniquemember"}

const attrUserPassword = "userpassword"

// inbound is the session of the supplier holding the replica lock.
// Incremental updates are applied in order by one goroutine.
type inbound struct {
	id        string
	supplier  replication.ReplicaID
	agreement string
	total     bool
	cancel    context.CancelFunc
	done      chan struct{}
	wake      chan struct{}

	mu       sync.Mutex
	queue    []replication.Update
	queued   uint64
	applied  uint64
	err      error
	closing  bool
	lastSeen time.Time
	// initStarted is set once the first batch of a total update dropped
	// the old content.
	initStarted bool
}

func (in *inbound) signal() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

func (in *inbound) stop() {
	in.cancel()
	<-in.done
}

func (in *inbound) ackLocked() *replication.UpdateAck {
	ack := &replication.UpdateAck{Applied: in.applied}
	if in.err != nil {
		ack.ErrorCode = errors.ErrorCode(in.err)
		ack.Error = in.err.Error()
	}
	return ack
}

func (r *Replica) checkSuffix(op, suffix string) error {
	if replication.NormalizeDN(suffix) != r.suffix {
		return &errors.Error{
			Code: errors.ENotFound,
			Op:   op,
			Msg:  fmt.Sprintf("suffix %q is not replicated here", suffix),
			Err:  replication.ErrSuffixNotFound,
		}
	}
	return nil
}

// verifyBind checks the replication bind of a supplier: the DN must be one
// of the replica's bind DNs or a member of one of its bind DN groups.
func (r *Replica) verifyBind(ctx context.Context, req *replication.AcquireRequest) error {
	dn := replication.NormalizeDN(req.BindDN)
	if dn == "" {
		return replication.ErrBindFailed
	}
	hash, ok := r.bindDNs[dn]
	if !ok {
		var err error
		if hash, ok, err = r.groupMember(ctx, dn); err != nil {
			return err
		}
	}
	if !ok {
		return replication.ErrBindFailed
	}
	if req.BindMethod == replication.BindSSLClientAuth {
		// the transport verified the client certificate mapped to dn
		return nil
	}
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Credentials)) != nil {
		return replication.ErrBindFailed
	}
	return nil
}

// groupMember reports whether dn is listed by a bind DN group and returns
// the password hash of its entry.
func (r *Replica) groupMember(ctx context.Context, dn string) (string, bool, error) {
	for _, group := range r.cfg.BindDNGroups {
		g, err := r.entries.ReadEntry(ctx, group)
		if errors.ErrorCode(err) == errors.ENotFound {
			continue
		}
		if err != nil {
			return "", false, err
		}
		if g.Tombstone() || !hasMember(g, dn) {
			continue
		}
		member, err := r.entries.ReadEntry(ctx, dn)
		if errors.ErrorCode(err) == errors.ENotFound {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		if member.Tombstone() {
			return "", false, nil
		}
		return member.Get(attrUserPassword), true, nil
	}
	return "", false, nil
}

func hasMember(g *replication.Entry, dn string) bool {
	for _, attr := range memberAttrs {
		for _, v := range g.Values(attr) {
			if replication.NormalizeDN(v) == dn {
				return true
			}
		}
	}
	return false
}

// Acquire grants the replica lock to a supplier. Only one supplier updates
// a replica at a time; the others get EBusy and back off. A supplier that
// reacquires for the same agreement takes its stale session over, and a
// session idle for longer than the session timeout is evicted.
func (r *Replica) Acquire(ctx context.Context, req *replication.AcquireRequest) (resp *replication.AcquireResponse, err error) {
	const op = "replica.Acquire"
	defer func() {
		if r.metrics != nil {
			result := "granted"
			if err != nil {
				result = errors.ErrorCode(err)
			}
			r.metrics.Acquires.WithLabelValues(r.suffix, result).Inc()
		}
	}()

	if err := r.checkSuffix(op, req.Suffix); err != nil {
		return nil, err
	}
	if err := r.verifyBind(ctx, req); err != nil {
		r.log.Warn("Replication bind rejected", zap.String("bind_dn", req.BindDN), zap.String("agreement", req.Agreement))
		return nil, err
	}
	id := r.Identity()
	if id.Role == replication.RoleSupplier && req.SupplierID == id.ID {
		return nil, &errors.Error{
			Code: errors.EConflict,
			Op:   op,
			Msg:  fmt.Sprintf("supplier uses replica id %d, the id of this replica", req.SupplierID),
		}
	}

	in, err := r.lock(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.SupplierURL != "" && req.SupplierID != replication.ReadOnlyReplicaID && !r.changelog.Cleaning(req.SupplierID) {
		if url := r.changelog.RUV().URL(req.SupplierID); url != req.SupplierURL {
			if err := r.changelog.SetURL(ctx, req.SupplierID, req.SupplierURL); err != nil {
				r.log.Warn("Failed to record supplier url", zap.Uint16("rid", uint16(req.SupplierID)), zap.Error(err))
			}
		}
	}

	r.log.Debug("Replica acquired",
		zap.String("session", in.id),
		zap.String("agreement", req.Agreement),
		zap.Uint16("supplier", uint16(req.SupplierID)),
		zap.Bool("total", req.Total))
	return &replication.AcquireResponse{
		Session:   in.id,
		ReplicaID: id.ID,
		RUV:       r.changelog.RUV(),
	}, nil
}

// lock installs a new inbound session as the lock holder.
func (r *Replica) lock(ctx context.Context, req *replication.AcquireRequest) (*inbound, error) {
	for {
		r.lockMu.Lock()
		old := r.holder
		if old == nil {
			in := r.newInbound(req)
			r.holder = in
			r.lockMu.Unlock()
			return in, nil
		}

		old.mu.Lock()
		idle := r.clock.Now().Sub(old.lastSeen)
		old.mu.Unlock()
		takeover := old.supplier == req.SupplierID && old.agreement == req.Agreement
		if !takeover && idle < r.cfg.SessionTimeout {
			r.lockMu.Unlock()
			return nil, replication.ErrReplicaBusy
		}
		r.holder = nil
		r.lockMu.Unlock()

		r.log.Info("Dropping stale replication session",
			zap.String("session", old.id),
			zap.String("agreement", old.agreement),
			zap.Duration("idle", idle))
		old.cancel()
		select {
		case <-old.done:
		case <-ctx.Done():
			return nil, &errors.Error{Code: errors.ETimeout, Op: "replica.Acquire", Err: ctx.Err()}
		}
	}
}

func (r *Replica) newInbound(req *replication.AcquireRequest) *inbound {
	ctx, cancel := context.WithCancel(context.Background())
	in := &inbound{
		id:        uuid.NewString(),
		supplier:  req.SupplierID,
		agreement: req.Agreement,
		total:     req.Total,
		cancel:    cancel,
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		lastSeen:  r.clock.Now(),
	}
	if in.total {
		go func() {
			defer close(in.done)
			<-ctx.Done()
		}()
	} else {
		go r.applyLoop(ctx, in)
	}
	return in
}

// unlock drops in if it still holds the lock.
func (r *Replica) unlock(in *inbound) {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	if r.holder == in {
		r.holder = nil
	}
}

// session returns the held session id and marks it active.
func (r *Replica) session(op, suffix, id string) (*inbound, error) {
	if err := r.checkSuffix(op, suffix); err != nil {
		return nil, err
	}
	r.lockMu.Lock()
	in := r.holder
	r.lockMu.Unlock()
	if in == nil || in.id != id {
		return nil, &errors.Error{Code: errors.EConflict, Op: op, Err: replication.ErrUnknownSession}
	}
	in.mu.Lock()
	in.lastSeen = r.clock.Now()
	in.mu.Unlock()
	return in, nil
}

// applyLoop applies the queued updates of in, in sequence order, until the
// session is released or an update fails.
func (r *Replica) applyLoop(ctx context.Context, in *inbound) {
	defer close(in.done)
	defer func() {
		in.mu.Lock()
		closing := in.closing
		in.mu.Unlock()
		if closing {
			r.unlock(in)
		}
	}()

	for {
		in.mu.Lock()
		batch := in.queue
		in.queue = nil
		stop := in.err != nil || (len(batch) == 0 && in.closing)
		in.mu.Unlock()
		if stop {
			return
		}

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				in.mu.Lock()
				if in.err == nil {
					in.err = &errors.Error{Code: errors.ECancelled, Op: "replica.Update", Msg: "replication session dropped"}
				}
				in.mu.Unlock()
				return
			case <-in.wake:
			}
			continue
		}

		for _, u := range batch {
			_, err := r.ApplyUpdate(ctx, u.Entry)
			in.mu.Lock()
			if err != nil {
				in.err = &errors.Error{
					Code: errors.ERejected,
					Op:   "replica.Update",
					Msg:  fmt.Sprintf("update %d (%s) failed", u.Seq, u.Entry.CSN),
					Err:  err,
				}
				in.mu.Unlock()
				r.log.Error("Replicated update failed",
					zap.String("agreement", in.agreement),
					zap.Stringer("csn", u.Entry.CSN),
					zap.String("dn", u.Entry.TargetDN),
					zap.Error(err))
				break
			}
			in.applied = u.Seq
			in.mu.Unlock()
		}
	}
}

// Update queues updates of an incremental session. Updates already queued
// are ignored so a supplier may resend after a timeout.
func (r *Replica) Update(ctx context.Context, suffix, session string, updates []replication.Update) (*replication.UpdateAck, error) {
	const op = "replica.Update"
	in, err := r.session(op, suffix, session)
	if err != nil {
		return nil, err
	}
	if in.total {
		return nil, &errors.Error{Code: errors.EInvalid, Op: op, Msg: "session was acquired for a total update"}
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closing {
		return nil, &errors.Error{Code: errors.EConflict, Op: op, Err: replication.ErrUnknownSession}
	}
	for _, u := range updates {
		if u.Seq <= in.queued {
			continue
		}
		if u.Seq != in.queued+1 {
			return nil, &errors.Error{Code: errors.EInvalid, Op: op, Msg: fmt.Sprintf("update %d out of order, expected %d", u.Seq, in.queued+1)}
		}
		if u.Entry == nil {
			return nil, &errors.Error{Code: errors.EInvalid, Op: op, Msg: fmt.Sprintf("update %d has no entry", u.Seq)}
		}
		in.queue = append(in.queue, u)
		in.queued = u.Seq
	}
	in.signal()
	return in.ackLocked(), nil
}

// Initialize receives a batch of a total update. The first batch empties the
// RUV and drops the content of the suffix; the last adopts the supplier RUV.
// An init that never completes leaves an empty RUV, so suppliers resend
// every change or start another total update.
func (r *Replica) Initialize(ctx context.Context, suffix, session string, batch *replication.InitBatch) error {
	const op = "replica.Initialize"
	in, err := r.session(op, suffix, session)
	if err != nil {
		return err
	}
	if !in.total {
		return &errors.Error{Code: errors.EInvalid, Op: op, Msg: "session was acquired for incremental updates"}
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.initStarted {
		if err := r.changelog.Reset(ctx, ruv.New()); err != nil {
			return err
		}
		n, err := r.clearEntries(ctx)
		if err != nil {
			return err
		}
		in.initStarted = true
		r.log.Info("Total update started", zap.String("agreement", in.agreement), zap.Int("dropped", n))
	}
	for _, e := range batch.Entries {
		if err := r.checkDN(op, e.DN); err != nil {
			return err
		}
		if err := r.entries.WriteEntry(ctx, e); err != nil {
			return err
		}
	}
	if !batch.Done {
		return nil
	}

	if err := r.changelog.Reset(ctx, batch.RUV); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.Inits.WithLabelValues(r.suffix).Inc()
	}
	r.log.Info("Total update done", zap.String("agreement", in.agreement), zap.Stringer("ruv", batch.RUV))
	return nil
}

func (r *Replica) clearEntries(ctx context.Context) (int, error) {
	var dns []string
	err := r.entries.WalkEntries(ctx, func(e *replication.Entry) error {
		if replication.IsDescendant(e.DN, r.suffix) {
			dns = append(dns, e.DN)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, dn := range dns {
		if err := r.entries.DeleteEntry(ctx, dn); err != nil {
			return 0, err
		}
	}
	return len(dns), nil
}

// Release waits for the queued updates to be applied and frees the lock.
func (r *Replica) Release(ctx context.Context, suffix, session string) (*replication.ReleaseResponse, error) {
	const op = "replica.Release"
	in, err := r.session(op, suffix, session)
	if err != nil {
		return nil, err
	}

	in.mu.Lock()
	in.closing = true
	in.mu.Unlock()
	in.signal()
	if in.total {
		in.cancel()
	}

	select {
	case <-in.done:
	case <-ctx.Done():
		return nil, &errors.Error{Code: errors.ETimeout, Op: op, Msg: "waiting for updates to be applied", Err: ctx.Err()}
	}
	r.unlock(in)

	in.mu.Lock()
	failed := in.err
	in.mu.Unlock()
	if failed != nil {
		r.log.Warn("Session released after failed update", zap.String("agreement", in.agreement), zap.Error(failed))
	}
	return &replication.ReleaseResponse{RUV: r.changelog.RUV()}, nil
}

// RUV returns the RUV of the replica.
func (r *Replica) RUV(ctx context.Context, suffix string) (*ruv.RUV, error) {
	if err := r.checkSuffix("replica.RUV", suffix); err != nil {
		return nil, err
	}
	return r.changelog.RUV(), nil
}

// CleanRUV runs a CleanAllRUV directive from a peer.
func (r *Replica) CleanRUV(ctx context.Context, d *replication.CleanDirective) (*replication.DirectiveReply, error) {
	if err := r.checkSuffix("replica.CleanRUV", d.Suffix); err != nil {
		return nil, err
	}
	return r.coord.HandleClean(ctx, d)
}

// AbortCleanRUV runs an abort directive from a peer.
func (r *Replica) AbortCleanRUV(ctx context.Context, d *replication.AbortDirective) (*replication.DirectiveReply, error) {
	if err := r.checkSuffix("replica.AbortCleanRUV", d.Suffix); err != nil {
		return nil, err
	}
	return r.coord.HandleAbort(ctx, d)
}
