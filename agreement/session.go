package agreement

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/changelog"
	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/ruv"
	"go.uber.org/zap"
)

// Defaults for SessionConfig.
const (
	DefaultProtocolTimeout = 2 * time.Minute
	DefaultReleaseTimeout  = 60 * time.Second
	DefaultBatchSize       = 100
)

// SessionConfig holds the replica-wide settings every session of a suffix
// shares.
type SessionConfig struct {
	SupplierID  replication.ReplicaID
	SupplierURL string
	// ProtocolTimeout bounds every request to the consumer.
	ProtocolTimeout time.Duration
	// ReleaseTimeout is how long a drained session keeps the consumer
	// before releasing it.
	ReleaseTimeout time.Duration
	// BatchSize is the number of updates sent per request.
	BatchSize int
}

// NewSessionConfig returns a SessionConfig with the defaults.
func NewSessionConfig(id replication.ReplicaID, url string) SessionConfig {
	return SessionConfig{
		SupplierID:      id,
		SupplierURL:     url,
		ProtocolTimeout: DefaultProtocolTimeout,
		ReleaseTimeout:  DefaultReleaseTimeout,
		BatchSize:       DefaultBatchSize,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock timers and timestamps come from.
func WithClock(clk clock.Clock) Option {
	return func(s *Session) { s.clock = clk }
}

// WithMetrics sets the collectors the session reports to.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithStateObserver registers fn to be called on every state change.
func WithStateObserver(fn func(replication.AgreementState)) Option {
	return func(s *Session) { s.observer = fn }
}

type initRequest struct {
	result chan error
}

// Session drives one agreement: it acquires the consumer, streams the
// changes the consumer lacks and releases it, backing off when the
// consumer is busy or unreachable. Each running session owns one goroutine.
type Session struct {
	suffix    string
	cfg       SessionConfig
	changelog *changelog.Changelog
	entries   replication.EntryStore
	transport Transport
	clock     clock.Clock
	log       *zap.Logger
	metrics   *Metrics
	observer  func(replication.AgreementState)

	mu        sync.Mutex
	agreement replication.Agreement
	schedule  Schedule
	status    replication.AgreementStatus
	cancel    context.CancelFunc
	done      chan struct{}

	poke  chan struct{}
	inits chan initRequest
}

// NewSession validates a and returns a stopped session for it.
func NewSession(a replication.Agreement, cfg SessionConfig, cl *changelog.Changelog, entries replication.EntryStore, t Transport, log *zap.Logger, opts ...Option) (*Session, error) {
	a = a.WithDefaults()
	if err := a.Validate(); err != nil {
		return nil, err
	}
	sch, err := ParseSchedule(a.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	s := &Session{
		suffix:    cl.Suffix(),
		cfg:       cfg,
		changelog: cl,
		entries:   entries,
		transport: t,
		clock:     clock.New(),
		log: log.With(
			zap.String("service", "agreement"),
			zap.String("agreement", a.Name),
			zap.String("consumer", a.Consumer())),
		agreement: a,
		schedule:  sch,
		status: replication.AgreementStatus{
			Name:     a.Name,
			Suffix:   a.Suffix,
			Consumer: a.Consumer(),
			Enabled:  a.Enabled,
			State:    replication.StateDisabled,
		},
		poke:  make(chan struct{}, 1),
		inits: make(chan initRequest),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Agreement returns the agreement the session runs.
func (s *Session) Agreement() replication.Agreement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agreement
}

// Status returns a snapshot of the session status.
func (s *Session) Status() replication.AgreementStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.ConsumerRUV = s.status.ConsumerRUV.Clone()
	return st
}

// ConsumerState returns what the changelog needs to know about the
// consumer to trim safely.
func (s *Session) ConsumerState() changelog.ConsumerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return changelog.ConsumerState{
		Name:      s.agreement.Name,
		ReplicaID: s.status.ConsumerReplicaID,
		RUV:       s.status.ConsumerRUV.Clone(),
	}
}

// inherit takes over what old learned about the consumer when both
// sessions replicate to the same consumer.
func (s *Session) inherit(old *Session) {
	prev := old.Status()
	if prev.Consumer != s.status.Consumer {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.ConsumerReplicaID = prev.ConsumerReplicaID
	s.status.ConsumerRUV = prev.ConsumerRUV
	s.status.ChangesSent = prev.ChangesSent
	s.status.ChangesSkipped = prev.ChangesSkipped
	s.status.LastUpdateStart = prev.LastUpdateStart
	s.status.LastUpdateEnd = prev.LastUpdateEnd
}

// Start moves an enabled session from Disabled to Idle and starts its
// goroutine. It does nothing for a disabled agreement or a running session.
func (s *Session) Start() {
	s.mu.Lock()
	if s.cancel != nil || !s.agreement.Enabled {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	s.log.Info("Agreement started")
	s.setState(replication.StateIdle)
	go s.run(ctx, done)
}

// Stop cancels the session, waits for its goroutine and leaves it Disabled.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		s.log.Info("Agreement stopped")
	}
	s.setState(replication.StateDisabled)
}

// Poke asks an idle session to start an update now.
func (s *Session) Poke() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// Initialize runs a total initialization of the consumer and returns when
// it finished. The session must be running.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return &errors.Error{
			Code: errors.EUnavailable,
			Op:   "agreement.Initialize",
			Msg:  fmt.Sprintf("agreement %q is disabled", s.Agreement().Name),
		}
	}

	req := initRequest{result: make(chan error, 1)}
	select {
	case s.inits <- req:
	case <-done:
		return &errors.Error{Code: errors.ECancelled, Op: "agreement.Initialize", Msg: "agreement stopped"}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setState(st replication.AgreementState) {
	s.mu.Lock()
	changed := s.status.State != st
	s.status.State = st
	if st != replication.StateBackoff {
		s.status.NextAttempt = time.Time{}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.State.WithLabelValues(s.suffix, s.status.Name).Set(float64(st))
	}
	if changed {
		s.log.Debug("Agreement state changed", zap.Stringer("state", st))
		if s.observer != nil {
			s.observer(st)
		}
	}
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LastErrorCode = errors.ErrorCode(err)
	s.status.LastError = err.Error()
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	notify, unsubscribe := s.changelog.Subscribe()
	defer unsubscribe()

	a := s.Agreement()
	bo := newBackoff(time.Duration(a.BackoffMin), time.Duration(a.BackoffMax))
	// the first update learns the consumer RUV
	pending := true

	for {
		s.setState(replication.StateIdle)
		for !pending || !s.schedule.Open(s.clock.Now()) {
			var (
				window <-chan time.Time
				timer  *clock.Timer
			)
			if pending {
				now := s.clock.Now()
				if next, ok := s.schedule.NextOpen(now); ok {
					timer = s.clock.Timer(next.Sub(now))
					window = timer.C
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-notify:
				pending = true
			case <-s.poke:
				pending = true
			case req := <-s.inits:
				req.result <- s.totalInit(ctx)
				s.setState(replication.StateIdle)
			case <-window:
			}
			if timer != nil {
				timer.Stop()
			}
		}

		for {
			err := s.update(ctx, notify)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				bo.Reset()
				pending = false
				break
			}

			wait := bo.Next()
			s.mu.Lock()
			s.status.NextAttempt = s.clock.Now().Add(wait)
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.Backoffs.WithLabelValues(s.suffix, a.Name).Inc()
			}
			s.setState(replication.StateBackoff)
			logf := s.log.Warn
			if errors.IsTransient(err) {
				logf = s.log.Info
			}
			logf("Backing off",
				zap.Duration("wait", wait),
				zap.String("code", errors.ErrorCode(err)),
				zap.Error(err))

			timer := s.clock.Timer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case req := <-s.inits:
				timer.Stop()
				req.result <- s.totalInit(ctx)
			case <-timer.C:
			}
		}
	}
}

func (s *Session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.ProtocolTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.ProtocolTimeout)
	}
	return context.WithCancel(ctx)
}

// linkError gives transport failures that carry no code a link error code.
func linkError(op string, err error) error {
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		return err
	}
	code := errors.EUnavailable
	if stderrors.Is(err, context.DeadlineExceeded) {
		code = errors.ETimeout
	}
	return &errors.Error{Code: code, Op: op, Err: err}
}

func (s *Session) acquire(ctx context.Context, a *replication.Agreement, total bool) (replication.Consumer, *replication.AcquireResponse, error) {
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()

	consumer, err := s.transport.Connect(cctx, a)
	if err == nil {
		var resp *replication.AcquireResponse
		resp, err = consumer.Acquire(cctx, &replication.AcquireRequest{
			Suffix:      s.suffix,
			Agreement:   a.Name,
			SupplierID:  s.cfg.SupplierID,
			SupplierURL: s.cfg.SupplierURL,
			BindMethod:  a.BindMethod,
			BindDN:      a.BindDN,
			Credentials: a.Credentials,
			Total:       total,
		})
		if err == nil {
			return consumer, resp, nil
		}
	}

	err = linkError("agreement.Acquire", err)
	s.recordError(err)
	if s.metrics != nil {
		s.metrics.AcquireFailures.WithLabelValues(s.suffix, a.Name, errors.ErrorCode(err)).Inc()
	}
	return nil, nil, err
}

// release ends the consumer session. It runs on its own context so that a
// stopping session still hands the consumer back.
func (s *Session) release(consumer replication.Consumer, session string) (*replication.ReleaseResponse, error) {
	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()
	resp, err := consumer.Release(ctx, s.suffix, session)
	if err != nil {
		return nil, linkError("agreement.Release", err)
	}
	return resp, nil
}

// update runs one incremental update: Acquiring, Sending, then back to the
// caller, which moves to Idle or Backoff. Every failure but a busy consumer
// passes through Error first.
func (s *Session) update(ctx context.Context, notify <-chan struct{}) error {
	a := s.Agreement()
	s.setState(replication.StateAcquiring)

	consumer, resp, err := s.acquire(ctx, &a, false)
	if err != nil {
		if errors.ErrorCode(err) == errors.EBusy {
			return err
		}
		return s.fail(err)
	}
	consumerRUV := resp.RUV
	if consumerRUV == nil {
		consumerRUV = ruv.New()
	}

	s.mu.Lock()
	s.status.ConsumerReplicaID = resp.ReplicaID
	s.status.ConsumerRUV = consumerRUV.Clone()
	s.status.LastUpdateStart = s.clock.Now()
	s.mu.Unlock()

	if err := s.changelog.CanServe(consumerRUV); err != nil {
		if _, relErr := s.release(consumer, resp.Session); relErr != nil {
			s.log.Warn("Failed to release consumer", zap.Error(relErr))
		}
		s.mu.Lock()
		s.status.InitStatus = "consumer needs a total initialization"
		s.mu.Unlock()
		return s.fail(err)
	}

	s.setState(replication.StateSending)
	sendErr := s.send(ctx, consumer, resp.Session, &a, consumerRUV, notify)
	rel, relErr := s.release(consumer, resp.Session)
	if sendErr != nil {
		return s.fail(sendErr)
	}
	if relErr != nil {
		return s.fail(relErr)
	}

	s.mu.Lock()
	if rel.RUV != nil {
		s.status.ConsumerRUV = rel.RUV.Clone()
	}
	s.status.LastUpdateEnd = s.clock.Now()
	s.status.LastErrorCode = ""
	s.status.LastError = ""
	s.mu.Unlock()
	return nil
}

// fail records err and moves to Error.
func (s *Session) fail(err error) error {
	s.recordError(err)
	s.setState(replication.StateError)
	s.log.Warn("Update failed", zap.String("code", errors.ErrorCode(err)), zap.Error(err))
	return err
}

// sender tracks the updates of one session that the consumer has not
// acknowledged yet.
type sender struct {
	s        *Session
	consumer replication.Consumer
	session  string
	known    *ruv.RUV

	seq, acked uint64
	inflight   []csn.CSN
	batch      []replication.Update
}

func (w *sender) flush(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}
	batch := w.batch
	w.batch = nil
	return w.call(ctx, batch)
}

// poll asks for the acknowledgement without sending anything.
func (w *sender) poll(ctx context.Context) error {
	return w.call(ctx, nil)
}

func (w *sender) call(ctx context.Context, batch []replication.Update) error {
	cctx, cancel := w.s.withTimeout(ctx)
	defer cancel()

	ack, err := w.consumer.Update(cctx, w.s.suffix, w.session, batch)
	if err != nil {
		return linkError("agreement.Update", err)
	}
	applied := 0
	for w.acked < ack.Applied && len(w.inflight) > 0 {
		w.known.AdvanceCSN(w.inflight[0])
		w.inflight = w.inflight[1:]
		w.acked++
		applied++
	}

	s := w.s
	s.mu.Lock()
	s.status.ChangesSent += uint64(applied)
	s.status.ConsumerRUV = w.known.Clone()
	s.mu.Unlock()
	if s.metrics != nil && applied > 0 {
		s.metrics.UpdatesSent.WithLabelValues(s.suffix, s.status.Name).Add(float64(applied))
	}

	if ack.Error != "" {
		code := ack.ErrorCode
		if code == "" {
			code = errors.EInternal
		}
		return &errors.Error{
			Code: code,
			Op:   "agreement.Update",
			Msg:  fmt.Sprintf("consumer stopped applying after update %d: %s", ack.Applied, ack.Error),
		}
	}
	return nil
}

func (w *sender) outstanding() uint64 {
	return w.seq - w.acked
}

func (w *sender) wait(ctx context.Context, d time.Duration) error {
	timer := w.s.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// drain waits until the consumer acknowledged everything sent.
func (w *sender) drain(ctx context.Context, pause time.Duration) error {
	if err := w.flush(ctx); err != nil {
		return err
	}
	for w.outstanding() > 0 {
		if err := w.wait(ctx, pause); err != nil {
			return err
		}
		if err := w.poll(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) send(ctx context.Context, consumer replication.Consumer, session string, a *replication.Agreement, consumerRUV *ruv.RUV, notify <-chan struct{}) error {
	w := &sender{s: s, consumer: consumer, session: session, known: consumerRUV.Clone()}
	window := uint64(a.FlowControlWindow)
	pause := time.Duration(a.FlowControlPause)
	if pause <= 0 {
		pause = replication.DefaultFlowControlPause
	}

	cur := s.changelog.ReadSince(s.changelog.StartFor(consumerRUV))
	// entries up to scanned were visited by an earlier pass
	var scanned csn.CSN
	for {
		e, ok := cur.Next()
		if !ok {
			if err := w.drain(ctx, pause); err != nil {
				return err
			}
			timer := s.clock.Timer(s.cfg.ReleaseTimeout)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-notify:
				timer.Stop()
				// a replicated change may sort before the cursor
				if scanned.Less(cur.Last()) {
					scanned = cur.Last()
				}
				cur = s.changelog.ReadSince(s.changelog.StartFor(w.known))
				continue
			case <-timer.C:
				return nil
			}
		}

		if w.known.Covers(e.CSN) {
			if !scanned.Less(e.CSN) {
				continue
			}
			s.mu.Lock()
			s.status.ChangesSkipped++
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.UpdatesSkipped.WithLabelValues(s.suffix, a.Name).Inc()
			}
			continue
		}
		if !s.schedule.Open(s.clock.Now()) {
			s.log.Info("Update window closed")
			return w.drain(ctx, pause)
		}

		w.seq++
		w.batch = append(w.batch, replication.Update{Seq: w.seq, Entry: e.Fractional(a.FracList)})
		w.inflight = append(w.inflight, e.CSN)
		if len(w.batch) >= s.cfg.BatchSize {
			if err := w.flush(ctx); err != nil {
				return err
			}
		}

		if w.outstanding() >= window {
			if err := w.flush(ctx); err != nil {
				return err
			}
			for w.outstanding() >= window {
				s.log.Debug("Flow control window full", zap.Uint64("outstanding", w.outstanding()))
				if err := w.wait(ctx, pause); err != nil {
					return err
				}
				if err := w.poll(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// totalInit replaces the consumer's content with every entry of the suffix
// and hands it this replica's RUV.
func (s *Session) totalInit(ctx context.Context) (err error) {
	a := s.Agreement()
	s.mu.Lock()
	s.status.InitStatus = "in progress"
	s.mu.Unlock()
	s.log.Info("Total initialization started")

	defer func() {
		result := "succeeded"
		s.mu.Lock()
		if err != nil {
			result = "failed"
			s.status.InitStatus = "failed: " + err.Error()
		} else {
			s.status.InitStatus = "succeeded"
		}
		s.status.LastInitEnd = s.clock.Now()
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.TotalInits.WithLabelValues(s.suffix, a.Name, result).Inc()
		}
		if err != nil {
			s.fail(err)
			return
		}
		s.log.Info("Total initialization finished")
	}()

	s.setState(replication.StateAcquiring)
	consumer, resp, err := s.acquire(ctx, &a, true)
	if err != nil {
		return err
	}
	s.setState(replication.StateSending)

	// entries written during the walk are sent again incrementally
	supplierRUV := s.changelog.RUV()

	var batch []*replication.Entry
	sendBatch := func(done bool) error {
		b := &replication.InitBatch{Entries: batch, Done: done}
		if done {
			b.RUV = supplierRUV
		}
		batch = nil
		cctx, cancel := s.withTimeout(ctx)
		defer cancel()
		if err := consumer.Initialize(cctx, s.suffix, resp.Session, b); err != nil {
			return linkError("agreement.Initialize", err)
		}
		return nil
	}

	err = s.entries.WalkEntries(ctx, func(e *replication.Entry) error {
		if !replication.IsDescendant(e.DN, s.suffix) {
			return nil
		}
		batch = append(batch, e.Strip(a.FracListTotal))
		if len(batch) >= s.cfg.BatchSize {
			return sendBatch(false)
		}
		return nil
	})
	if err == nil {
		err = sendBatch(true)
	}

	rel, relErr := s.release(consumer, resp.Session)
	if err != nil {
		return err
	}
	if relErr != nil {
		return relErr
	}

	s.mu.Lock()
	s.status.ConsumerReplicaID = resp.ReplicaID
	if rel.RUV != nil {
		s.status.ConsumerRUV = rel.RUV.Clone()
	}
	s.status.LastErrorCode = ""
	s.status.LastError = ""
	s.mu.Unlock()
	return nil
}
