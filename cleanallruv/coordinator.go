// Package cleanallruv retires a decommissioned replica ID from every RUV of
// a replication topology.
//
// A clean task marks the ID as being cleaned so no new change of it is
// accepted. Once a consumer holds the newest change of the ID it is sent a
// clean directive; once every consumer does, the ID is purged from the
// local RUV and changelog. Each peer runs its own task for the directive
// and passes it on. Forced tasks send directives and purge at once.
//
// The task finishes when every consumer confirmed that it purged the ID; an
// unreachable consumer keeps it running unless it was forced.
//
// An abort task cancels the clean tasks of an ID and sends an abort
// directive the same way. With certify it keeps running until every
// consumer acknowledged the abort.
package cleanallruv

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/changelog"
	"github.com/dirsrv/replication/cleanallruv/internal"
	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Link is an outgoing agreement directives are sent over.
type Link interface {
	Name() string
	Connect(ctx context.Context) (replication.Consumer, error)
}

// Config tunes the task loops.
type Config struct {
	// PollInterval is the pause between two rounds of directives.
	PollInterval time.Duration
	// ProtocolTimeout bounds every request to a consumer.
	ProtocolTimeout time.Duration
	// MaxTasks bounds the clean and abort tasks running at once.
	MaxTasks int
}

func NewConfig() Config {
	return Config{
		PollInterval:    10 * time.Second,
		ProtocolTimeout: 2 * time.Minute,
		MaxTasks:        replication.MaxConcurrentTasks,
	}
}

type Option func(*Coordinator)

func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator runs the clean and abort tasks of one suffix, those started
// by an administrator and those started by directives from peers.
type Coordinator struct {
	suffix    string
	localID   atomic.Uint32
	cfg       Config
	changelog *changelog.Changelog
	links     func() []Link
	store     *internal.Store
	clock     clock.Clock
	log       *zap.Logger
	metrics   *Metrics

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a coordinator for the suffix of cl. links is called at the
// start of every round for the current agreements.
func New(localID replication.ReplicaID, cfg Config, cl *changelog.Changelog, links func() []Link, sqlStore *sqlite.SqlStore, log *zap.Logger, opts ...Option) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = NewConfig().PollInterval
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = replication.MaxConcurrentTasks
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		suffix:    cl.Suffix(),
		cfg:       cfg,
		changelog: cl,
		links:     links,
		store:     internal.NewStore(sqlStore),
		clock:     clock.New(),
		log:       log.With(zap.String("service", "cleanallruv")),
		tasks:     make(map[string]*Task),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.localID.Store(uint32(localID))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetReplicaID changes the ID of the local replica, which can never be
// cleaned from here.
func (c *Coordinator) SetReplicaID(id replication.ReplicaID) {
	c.localID.Store(uint32(id))
}

func (c *Coordinator) replicaID() replication.ReplicaID {
	return replication.ReplicaID(c.localID.Load())
}

// Open resumes the tasks a previous run left in progress.
func (c *Coordinator) Open(ctx context.Context) error {
	running, err := c.store.ListTasks(ctx, internal.Filter{Suffix: c.suffix, State: replication.TaskRunning})
	if err != nil {
		return &errors.Error{Code: errors.EInternal, Op: "cleanallruv.Open", Msg: "loading tasks", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range running {
		maxCSN, _ := c.changelog.MaxCSN(st.ReplicaID)
		t := newTask(st, maxCSN)
		c.tasks[st.ID] = t
		c.start(t)
		c.log.Info("Resumed task", zap.String("task", st.ID), zap.String("kind", string(st.Kind)), zap.Uint16("rid", uint16(st.ReplicaID)))
	}
	return nil
}

// Close stops every task loop. Tasks still in progress stay so in the store
// and resume on the next Open.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

func (c *Coordinator) checkTarget(op, suffix string, id replication.ReplicaID) error {
	if replication.NormalizeDN(suffix) != replication.NormalizeDN(c.suffix) {
		return &errors.Error{Code: errors.EInvalid, Op: op, Msg: fmt.Sprintf("suffix %q is not %q", suffix, c.suffix)}
	}
	if id == c.replicaID() {
		return &errors.Error{Code: errors.EInvalid, Op: op, Msg: fmt.Sprintf("replica id %d is the id of this replica", id)}
	}
	return nil
}

// Clean starts a task retiring req.ReplicaID. A clean already running for
// the ID is returned instead of a new one.
func (c *Coordinator) Clean(ctx context.Context, req *replication.CleanRequest) (*Task, error) {
	if err := req.OK(); err != nil {
		return nil, err
	}
	if err := c.checkTarget("cleanallruv.Clean", req.Suffix, req.ReplicaID); err != nil {
		return nil, err
	}
	return c.startClean(ctx, "", req.ReplicaID, req.Force, csn.CSN{})
}

// Abort cancels the clean tasks of req.ReplicaID and starts a task sending
// the abort to every consumer. It is safe without a clean in progress.
func (c *Coordinator) Abort(ctx context.Context, req *replication.AbortRequest) (*Task, error) {
	if err := req.OK(); err != nil {
		return nil, err
	}
	if err := c.checkTarget("cleanallruv.Abort", req.Suffix, req.ReplicaID); err != nil {
		return nil, err
	}
	return c.startAbort(ctx, "", req.ReplicaID, req.Certify)
}

// Task returns the handle of a task started or resumed by this process.
func (c *Coordinator) Task(id string) (*Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	return t, ok
}

// TaskStatus returns the status of task id, looking in the store for tasks
// of previous runs.
func (c *Coordinator) TaskStatus(ctx context.Context, id string) (replication.TaskStatus, error) {
	if t, ok := c.Task(id); ok {
		return t.Status(), nil
	}
	st, err := c.store.GetTask(ctx, id)
	if err != nil {
		return replication.TaskStatus{}, err
	}
	return *st, nil
}

// Tasks returns every stored task of the suffix, oldest first.
func (c *Coordinator) Tasks(ctx context.Context) ([]replication.TaskStatus, error) {
	ts, err := c.store.ListTasks(ctx, internal.Filter{Suffix: c.suffix})
	if err != nil {
		return nil, err
	}
	for i := range ts {
		if t, ok := c.Task(ts[i].ID); ok {
			ts[i] = t.Status()
		}
	}
	return ts, nil
}

// HandleClean answers a clean directive from a supplier, starting a task
// for it the first time it arrives.
func (c *Coordinator) HandleClean(ctx context.Context, d *replication.CleanDirective) (*replication.DirectiveReply, error) {
	if d.ReplicaID == c.replicaID() {
		return &replication.DirectiveReply{Message: fmt.Sprintf("replica id %d is the id of this replica", d.ReplicaID)}, nil
	}
	if err := c.checkTarget("cleanallruv.HandleClean", d.Suffix, d.ReplicaID); err != nil {
		return nil, err
	}
	local, _ := c.changelog.MaxCSN(d.ReplicaID)

	if t := c.find(replication.TaskClean, d.Origin, d.ReplicaID); t != nil {
		return cleanReply(t, local), nil
	}
	stored, err := c.store.ListTasks(ctx, internal.Filter{Suffix: c.suffix, Kind: replication.TaskClean, Origin: d.Origin})
	if err != nil {
		return nil, err
	}
	for _, st := range stored {
		if st.State == replication.TaskFinished {
			return &replication.DirectiveReply{Accepted: true, Cleaned: true, MaxCSN: local}, nil
		}
	}

	t, err := c.startClean(ctx, d.Origin, d.ReplicaID, d.Force, d.MaxCSN)
	if err != nil {
		return nil, err
	}
	return cleanReply(t, local), nil
}

func cleanReply(t *Task, local csn.CSN) *replication.DirectiveReply {
	st := t.Status()
	switch st.State {
	case replication.TaskAborted, replication.TaskFailed:
		return &replication.DirectiveReply{MaxCSN: local, Message: st.Message}
	}
	t.mu.Lock()
	cleaned := t.purged || st.State == replication.TaskFinished
	t.mu.Unlock()
	return &replication.DirectiveReply{Accepted: true, Cleaned: cleaned, MaxCSN: local, Message: st.Message}
}

// HandleAbort answers an abort directive from a supplier: the clean tasks
// of the ID stop at once and an abort task passes the directive on.
func (c *Coordinator) HandleAbort(ctx context.Context, d *replication.AbortDirective) (*replication.DirectiveReply, error) {
	if d.ReplicaID == c.replicaID() {
		return &replication.DirectiveReply{Accepted: true}, nil
	}
	if err := c.checkTarget("cleanallruv.HandleAbort", d.Suffix, d.ReplicaID); err != nil {
		return nil, err
	}
	if _, err := c.startAbort(ctx, d.Origin, d.ReplicaID, d.Certify); err != nil {
		if errors.ErrorCode(err) != errors.ETooMany {
			return nil, err
		}
		// the clean tasks are stopped even when the abort cannot be passed on
		return &replication.DirectiveReply{Accepted: true, Message: err.Error()}, nil
	}
	return &replication.DirectiveReply{Accepted: true}, nil
}

// find returns the task of kind started for origin, or the running task of
// kind for id.
func (c *Coordinator) find(kind replication.TaskKind, origin string, id replication.ReplicaID) *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	if origin != "" {
		for _, t := range c.tasks {
			st := t.Status()
			if st.Kind == kind && st.Origin == origin {
				return t
			}
		}
	}
	return c.runningLocked(kind, id)
}

func (c *Coordinator) runningLocked(kind replication.TaskKind, id replication.ReplicaID) *Task {
	for _, t := range c.tasks {
		st := t.Status()
		if st.Kind == kind && st.ReplicaID == id && st.State == replication.TaskRunning {
			return t
		}
	}
	return nil
}

func (c *Coordinator) newTaskLocked(ctx context.Context, kind replication.TaskKind, origin string, id replication.ReplicaID, force, certify bool, maxCSN csn.CSN) (*Task, error) {
	if c.closed {
		return nil, &errors.Error{Code: errors.EUnavailable, Op: "cleanallruv.Start", Msg: "coordinator closed"}
	}
	running := 0
	for _, t := range c.tasks {
		if t.running() {
			running++
		}
	}
	if running >= c.cfg.MaxTasks {
		return nil, replication.ErrTooManyTasks
	}

	st := replication.TaskStatus{
		ID:        uuid.NewString(),
		Kind:      kind,
		Suffix:    c.suffix,
		ReplicaID: id,
		Force:     force,
		Certify:   certify,
		Origin:    origin,
		State:     replication.TaskRunning,
		Started:   c.clock.Now().UTC(),
	}
	if st.Origin == "" {
		st.Origin = st.ID
	}
	if err := c.store.CreateTask(ctx, st); err != nil {
		return nil, &errors.Error{Code: errors.EInternal, Op: "cleanallruv.Start", Msg: "storing task", Err: err}
	}

	t := newTask(st, maxCSN)
	c.tasks[st.ID] = t
	c.start(t)
	c.log.Info("Task started",
		zap.String("task", st.ID),
		zap.String("kind", string(kind)),
		zap.Uint16("rid", uint16(id)),
		zap.String("origin", st.Origin),
		zap.Bool("force", force),
		zap.Bool("certify", certify))
	return t, nil
}

func (c *Coordinator) startClean(ctx context.Context, origin string, id replication.ReplicaID, force bool, maxCSN csn.CSN) (*Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t := c.runningLocked(replication.TaskClean, id); t != nil {
		return t, nil
	}
	if local, ok := c.changelog.MaxCSN(id); ok {
		maxCSN = csn.Max(maxCSN, local)
	}
	return c.newTaskLocked(ctx, replication.TaskClean, origin, id, force, false, maxCSN)
}

func (c *Coordinator) startAbort(ctx context.Context, origin string, id replication.ReplicaID, certify bool) (*Task, error) {
	c.stopCleans(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if origin != "" {
		for _, t := range c.tasks {
			st := t.Status()
			if st.Kind == replication.TaskAbort && st.Origin == origin {
				return t, nil
			}
		}
	}
	if t := c.runningLocked(replication.TaskAbort, id); t != nil {
		return t, nil
	}
	return c.newTaskLocked(ctx, replication.TaskAbort, origin, id, false, certify, csn.CSN{})
}

// stopCleans aborts the running clean tasks of id and waits for them.
func (c *Coordinator) stopCleans(id replication.ReplicaID) {
	c.mu.Lock()
	var victims []*Task
	for _, t := range c.tasks {
		st := t.Status()
		if st.Kind == replication.TaskClean && st.ReplicaID == id && st.State == replication.TaskRunning {
			victims = append(victims, t)
		}
	}
	c.mu.Unlock()

	for _, t := range victims {
		t.mu.Lock()
		t.aborted = true
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		<-t.done
	}
	// a clean that never ran here still leaves no mark behind
	if err := c.changelog.SetCleaning(context.Background(), id, false); err != nil {
		c.log.Error("Failed to clear cleaning mark", zap.Uint16("rid", uint16(id)), zap.Error(err))
	}
}

// start runs the loop of t. c.mu must be held.
func (c *Coordinator) start(t *Task) {
	ctx, cancel := context.WithCancel(c.ctx)
	t.mu.Lock()
	t.cancel = cancel
	kind := t.status.Kind
	t.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Running.WithLabelValues(c.suffix, string(kind)).Inc()
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(t.done)
		defer cancel()
		if c.metrics != nil {
			defer c.metrics.Running.WithLabelValues(c.suffix, string(kind)).Dec()
		}

		if kind == replication.TaskClean {
			c.runClean(ctx, t)
		} else {
			c.runAbort(ctx, t)
		}

		t.mu.Lock()
		aborted := t.aborted
		t.mu.Unlock()
		if aborted {
			c.finish(t, replication.TaskAborted, "aborted")
		}
	}()
}

func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.ProtocolTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.ProtocolTimeout)
	}
	return context.WithCancel(ctx)
}

// finish moves t to a terminal state. It does nothing when t is already in
// one.
func (c *Coordinator) finish(t *Task, state replication.TaskState, msg string) {
	t.mu.Lock()
	if t.status.State.Done() {
		t.mu.Unlock()
		return
	}
	t.status.State = state
	t.status.Message = msg
	t.status.Finished = c.clock.Now().UTC()
	st := t.status
	t.mu.Unlock()

	ctx := context.Background()
	if st.Kind == replication.TaskClean {
		if err := c.changelog.SetCleaning(ctx, st.ReplicaID, false); err != nil {
			c.log.Error("Failed to clear cleaning mark", zap.Uint16("rid", uint16(st.ReplicaID)), zap.Error(err))
		}
	}
	c.persist(ctx, st)
	if c.metrics != nil {
		c.metrics.Completed.WithLabelValues(c.suffix, string(st.Kind), string(state)).Inc()
	}
	c.log.Info("Task done",
		zap.String("task", st.ID),
		zap.String("kind", string(st.Kind)),
		zap.String("state", string(state)),
		zap.String("message", msg))
}

func (c *Coordinator) persist(ctx context.Context, st replication.TaskStatus) {
	if err := c.store.UpdateTask(ctx, st); err != nil {
		c.log.Error("Failed to store task progress", zap.String("task", st.ID), zap.Error(err))
	}
}

// loop runs round until it reports that the task is over or ctx ends.
func (c *Coordinator) loop(ctx context.Context, round func() bool) {
	ticker := c.clock.Ticker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if round() || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) runClean(ctx context.Context, t *Task) {
	st := t.Status()
	if err := c.changelog.SetCleaning(ctx, st.ReplicaID, true); err != nil {
		c.finish(t, replication.TaskFailed, "marking replica id as cleaned: "+err.Error())
		return
	}

	confirmed := make(map[string]bool, len(st.Confirmed))
	caughtUp := make(map[string]bool)
	for _, name := range st.Confirmed {
		confirmed[name] = true
	}
	c.loop(ctx, func() bool {
		return c.cleanRound(ctx, t, confirmed, caughtUp)
	})
}

func (c *Coordinator) cleanRound(ctx context.Context, t *Task, confirmed, caughtUp map[string]bool) bool {
	st := t.Status()
	t.mu.Lock()
	if local, ok := c.changelog.MaxCSN(st.ReplicaID); ok {
		t.maxCSN = csn.Max(t.maxCSN, local)
	}
	maxCSN := t.maxCSN
	t.mu.Unlock()

	links := c.links()
	var contact []Link
	for _, l := range links {
		if !confirmed[l.Name()] {
			contact = append(contact, l)
		}
	}

	var (
		mu                   sync.Mutex
		unreachable, waiting []string
		g                    errgroup.Group
	)
	directive := &replication.CleanDirective{
		Origin:    st.Origin,
		Suffix:    c.suffix,
		ReplicaID: st.ReplicaID,
		MaxCSN:    maxCSN,
		Force:     st.Force,
	}
	for _, l := range contact {
		l := l
		g.Go(func() error {
			reply, caught, err := c.sendClean(ctx, l, directive)
			name := l.Name()

			mu.Lock()
			defer mu.Unlock()
			if caught {
				caughtUp[name] = true
			}
			switch {
			case err != nil:
				unreachable = append(unreachable, name)
				c.log.Info("Consumer unreachable", zap.String("task", st.ID), zap.String("agreement", name), zap.Error(err))
			case reply.Accepted && reply.Cleaned:
				confirmed[name] = true
			default:
				waiting = append(waiting, name)
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return true
	}

	var behind []string
	for _, l := range links {
		if !confirmed[l.Name()] && !caughtUp[l.Name()] {
			behind = append(behind, l.Name())
		}
	}

	t.mu.Lock()
	purged := t.purged
	t.mu.Unlock()
	if !purged && (st.Force || len(behind) == 0) {
		if err := c.purge(ctx, st.ReplicaID); err != nil {
			c.log.Error("Failed to purge replica id", zap.String("task", st.ID), zap.Error(err))
		} else {
			purged = true
			t.mu.Lock()
			t.purged = true
			t.mu.Unlock()
		}
	}

	pending := append(append([]string(nil), unreachable...), waiting...)
	var msg string
	switch {
	case !purged:
		msg = fmt.Sprintf("waiting for %s to receive changes up to %s", strings.Join(behind, ", "), maxCSN)
	case len(pending) == 0:
		t.progress(confirmed, nil, "")
		c.finish(t, replication.TaskFinished, fmt.Sprintf("replica id %d cleaned", st.ReplicaID))
		return true
	case st.Force && len(waiting) == 0:
		t.progress(confirmed, pending, "")
		c.finish(t, replication.TaskFinished, fmt.Sprintf("replica id %d cleaned; not confirmed by unreachable consumers: %s",
			st.ReplicaID, strings.Join(pending, ", ")))
		return true
	default:
		msg = "waiting for confirmation from " + strings.Join(pending, ", ")
	}
	c.persist(ctx, t.progress(confirmed, pending, msg))
	return false
}

func (c *Coordinator) sendClean(ctx context.Context, l Link, d *replication.CleanDirective) (*replication.DirectiveReply, bool, error) {
	cctx, cancel := c.withTimeout(ctx)
	defer cancel()

	consumer, err := l.Connect(cctx)
	if err != nil {
		return nil, false, err
	}
	caught := d.MaxCSN.IsZero()
	if !caught {
		r, err := consumer.RUV(cctx, c.suffix)
		if err != nil {
			return nil, false, err
		}
		caught = r.Covers(d.MaxCSN)
	}
	if !caught && !d.Force {
		// the peer stops accepting the id once it runs the task
		return &replication.DirectiveReply{}, false, nil
	}
	reply, err := consumer.CleanRUV(cctx, d)
	if err != nil {
		return nil, caught, err
	}
	return reply, caught || reply.Cleaned, nil
}

// purge removes id from the RUV and changelog. The cleaning mark stays until
// the task finishes so that peers still holding changes of id cannot bring
// it back.
func (c *Coordinator) purge(ctx context.Context, id replication.ReplicaID) error {
	n, err := c.changelog.Purge(ctx, id)
	if err != nil {
		return err
	}
	if err := c.changelog.SetCleaning(ctx, id, true); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.Purged.WithLabelValues(c.suffix).Inc()
	}
	c.log.Info("Replica id purged", zap.Uint16("rid", uint16(id)), zap.Int("entries", n))
	return nil
}

func (c *Coordinator) runAbort(ctx context.Context, t *Task) {
	st := t.Status()
	acked := make(map[string]bool, len(st.Confirmed))
	for _, name := range st.Confirmed {
		acked[name] = true
	}
	c.loop(ctx, func() bool {
		return c.abortRound(ctx, t, acked)
	})
}

func (c *Coordinator) abortRound(ctx context.Context, t *Task, acked map[string]bool) bool {
	st := t.Status()
	directive := &replication.AbortDirective{
		Origin:    st.Origin,
		Suffix:    c.suffix,
		ReplicaID: st.ReplicaID,
		Certify:   st.Certify,
	}

	var contact []Link
	for _, l := range c.links() {
		if !acked[l.Name()] {
			contact = append(contact, l)
		}
	}

	var (
		mu      sync.Mutex
		pending []string
		g       errgroup.Group
	)
	for _, l := range contact {
		l := l
		g.Go(func() error {
			cctx, cancel := c.withTimeout(ctx)
			defer cancel()

			var reply *replication.DirectiveReply
			consumer, err := l.Connect(cctx)
			if err == nil {
				reply, err = consumer.AbortCleanRUV(cctx, directive)
			}

			mu.Lock()
			defer mu.Unlock()
			if err == nil && reply.Accepted {
				acked[l.Name()] = true
				return nil
			}
			pending = append(pending, l.Name())
			if err != nil {
				c.log.Info("Consumer unreachable", zap.String("task", st.ID), zap.String("agreement", l.Name()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return true
	}

	switch {
	case len(pending) == 0:
		t.progress(acked, nil, "")
		c.finish(t, replication.TaskFinished, "abort acknowledged by every consumer")
		return true
	case !st.Certify:
		t.progress(acked, pending, "")
		c.finish(t, replication.TaskFinished, "abort not acknowledged by: "+strings.Join(pending, ", "))
		return true
	}
	c.persist(ctx, t.progress(acked, pending, "waiting for every consumer to acknowledge the abort"))
	return false
}
