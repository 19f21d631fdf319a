package agreement

import (
	"context"
	"fmt"
	"sync"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/agreement/internal"
	ierrors "github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/sqlite"
	"go.uber.org/zap"
)

func errSuffixNotReplicated(suffix string) error {
	return &ierrors.Error{
		Code: ierrors.ENotFound,
		Msg:  fmt.Sprintf("suffix %q is not replicated", suffix),
		Err:  replication.ErrSuffixNotFound,
	}
}

// ServiceStore persists agreement definitions.
type ServiceStore interface {
	Lock()
	Unlock()
	ListAgreements(ctx context.Context, suffix string) ([]replication.Agreement, error)
	CreateAgreement(ctx context.Context, a replication.Agreement) (*replication.Agreement, error)
	GetAgreement(ctx context.Context, suffix, name string) (*replication.Agreement, error)
	UpdateAgreement(ctx context.Context, a replication.Agreement) (*replication.Agreement, error)
	DeleteAgreement(ctx context.Context, suffix, name string) error
}

// Service keeps the stored agreements and the running sessions in step.
// Agreements of a suffix run once the suffix's Manager is registered.
type Service struct {
	store ServiceStore
	log   *zap.Logger

	mu       sync.RWMutex
	managers map[string]*Manager
}

func NewService(sqlStore *sqlite.SqlStore, log *zap.Logger) *Service {
	return &Service{
		store:    internal.NewStore(sqlStore),
		log:      log.With(zap.String("service", "agreements")),
		managers: make(map[string]*Manager),
	}
}

// Register attaches the manager running the sessions of its suffix and
// starts the stored agreements of that suffix.
func (s *Service) Register(ctx context.Context, m *Manager) error {
	suffix := replication.NormalizeDN(m.Suffix())
	s.mu.Lock()
	s.managers[suffix] = m
	s.mu.Unlock()

	as, err := s.store.ListAgreements(ctx, suffix)
	if err != nil {
		return err
	}
	for _, a := range as {
		if err := m.Start(a); err != nil {
			// a stored agreement that no longer validates must not keep the
			// others from running
			s.log.Error("Skipping invalid stored agreement", zap.String("agreement", a.Name), zap.Error(err))
			continue
		}
	}
	s.log.Info("Agreements started", zap.String("suffix", suffix), zap.Int("count", len(as)))
	return nil
}

// Unregister stops the sessions of suffix and detaches its manager. The
// stored agreements stay and run again on the next Register.
func (s *Service) Unregister(suffix string) {
	suffix = replication.NormalizeDN(suffix)
	s.mu.Lock()
	m := s.managers[suffix]
	delete(s.managers, suffix)
	s.mu.Unlock()

	if m != nil {
		m.CloseAll()
	}
}

// Manager returns the manager of suffix.
func (s *Service) Manager(suffix string) (*Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.managers[replication.NormalizeDN(suffix)]
	if !ok {
		return nil, errSuffixNotReplicated(suffix)
	}
	return m, nil
}

func validate(a *replication.Agreement) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if _, err := ParseSchedule(a.Schedule); err != nil {
		return err
	}
	return nil
}

// ListAgreements returns the stored agreements of suffix, or of every
// suffix when suffix is empty.
func (s *Service) ListAgreements(ctx context.Context, suffix string) ([]replication.Agreement, error) {
	return s.store.ListAgreements(ctx, suffix)
}

func (s *Service) CreateAgreement(ctx context.Context, a replication.Agreement) (*replication.Agreement, error) {
	s.store.Lock()
	defer s.store.Unlock()

	a = a.WithDefaults()
	if err := validate(&a); err != nil {
		return nil, err
	}
	m, err := s.Manager(a.Suffix)
	if err != nil {
		return nil, err
	}

	created, err := s.store.CreateAgreement(ctx, a)
	if err != nil {
		return nil, err
	}
	if err := m.Start(*created); err != nil {
		if cleanupErr := s.store.DeleteAgreement(ctx, created.Suffix, created.Name); cleanupErr != nil {
			s.log.Warn("Agreement remaining in store after start failure", zap.String("agreement", created.Name), zap.Error(cleanupErr))
		}
		return nil, err
	}
	return created, nil
}

func (s *Service) GetAgreement(ctx context.Context, suffix, name string) (*replication.Agreement, error) {
	return s.store.GetAgreement(ctx, suffix, name)
}

func (s *Service) UpdateAgreement(ctx context.Context, suffix, name string, req replication.UpdateAgreementRequest) (*replication.Agreement, error) {
	s.store.Lock()
	defer s.store.Unlock()

	cur, err := s.store.GetAgreement(ctx, suffix, name)
	if err != nil {
		return nil, err
	}
	next := req.Apply(*cur).WithDefaults()
	if err := validate(&next); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateAgreement(ctx, next)
	if err != nil {
		return nil, err
	}
	if m, err := s.Manager(suffix); err == nil {
		if err := m.Update(*updated); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

func (s *Service) DeleteAgreement(ctx context.Context, suffix, name string) error {
	s.store.Lock()
	defer s.store.Unlock()

	if err := s.store.DeleteAgreement(ctx, suffix, name); err != nil {
		return err
	}
	if m, err := s.Manager(suffix); err == nil {
		m.Remove(name)
	}
	return nil
}

// Status returns the runtime status of an agreement.
func (s *Service) Status(ctx context.Context, suffix, name string) (replication.AgreementStatus, error) {
	m, err := s.Manager(suffix)
	if err != nil {
		return replication.AgreementStatus{}, err
	}
	return m.Status(name)
}

// Initialize runs a total initialization of the agreement's consumer.
func (s *Service) Initialize(ctx context.Context, suffix, name string) error {
	m, err := s.Manager(suffix)
	if err != nil {
		return err
	}
	return m.Initialize(ctx, name)
}

// Close stops every session.
func (s *Service) Close() error {
	s.mu.Lock()
	managers := s.managers
	s.managers = make(map[string]*Manager)
	s.mu.Unlock()

	for _, m := range managers {
		m.CloseAll()
	}
	return nil
}
