package agreement

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/changelog"
	"github.com/dirsrv/replication/kit/platform/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func errNoAgreement(name string) error {
	return &errors.Error{
		Code: errors.ENotFound,
		Msg:  fmt.Sprintf("agreement %q not found", name),
		Err:  replication.ErrAgreementNotFound,
	}
}

// Manager runs the sessions of the agreements of one suffix.
type Manager struct {
	cfg       SessionConfig
	changelog *changelog.Changelog
	entries   replication.EntryStore
	transport Transport
	log       *zap.Logger
	opts      []Option

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager returns a Manager whose sessions read cl and, for total
// initializations, entries. opts apply to every session.
func NewManager(cfg SessionConfig, cl *changelog.Changelog, entries replication.EntryStore, t Transport, log *zap.Logger, opts ...Option) *Manager {
	return &Manager{
		cfg:       cfg,
		changelog: cl,
		entries:   entries,
		transport: t,
		log:       log,
		opts:      opts,
		sessions:  make(map[string]*Session),
	}
}

// Suffix returns the suffix the manager replicates.
func (m *Manager) Suffix() string {
	return m.changelog.Suffix()
}

// Start creates and starts the session of a, replacing a running session
// of the same name.
func (m *Manager) Start(a replication.Agreement) error {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	s, err := NewSession(a, cfg, m.changelog, m.entries, m.transport, m.log, m.opts...)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.sessions[a.Name]
	m.sessions[a.Name] = s
	m.mu.Unlock()

	if old != nil {
		old.Stop()
		s.inherit(old)
	}
	s.Start()
	return nil
}

// Update restarts the session of a with its new settings.
func (m *Manager) Update(a replication.Agreement) error {
	return m.Start(a)
}

// SetSupplierID changes the replica ID the sessions acquire consumers with
// and restarts every session.
func (m *Manager) SetSupplierID(id replication.ReplicaID) error {
	m.mu.Lock()
	m.cfg.SupplierID = id
	m.mu.Unlock()

	var errs error
	for _, a := range m.Agreements() {
		errs = multierr.Append(errs, m.Start(a))
	}
	return errs
}

// Remove stops and forgets the session of name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	s := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()

	if s != nil {
		s.Stop()
	}
}

func (m *Manager) session(name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	if !ok {
		return nil, errNoAgreement(name)
	}
	return s, nil
}

// Status returns the status of the session of name.
func (m *Manager) Status(name string) (replication.AgreementStatus, error) {
	s, err := m.session(name)
	if err != nil {
		return replication.AgreementStatus{}, err
	}
	return s.Status(), nil
}

// Statuses returns the status of every session, ordered by name.
func (m *Manager) Statuses() []replication.AgreementStatus {
	m.mu.RLock()
	out := make([]replication.AgreementStatus, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Agreements returns the agreements of every session, ordered by name.
func (m *Manager) Agreements() []replication.Agreement {
	m.mu.RLock()
	out := make([]replication.Agreement, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Agreement())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Poke wakes every idle session.
func (m *Manager) Poke() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		s.Poke()
	}
}

// Initialize runs a total initialization through the session of name.
func (m *Manager) Initialize(ctx context.Context, name string) error {
	s, err := m.session(name)
	if err != nil {
		return err
	}
	return s.Initialize(ctx)
}

// ConsumerStates returns what the changelog needs to trim safely: one
// state per agreement. A disabled agreement still holds back trimming with
// the last RUV its consumer reported.
func (m *Manager) ConsumerStates() []changelog.ConsumerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]changelog.ConsumerState, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.ConsumerState())
	}
	return out
}

// CloseAll stops every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}
