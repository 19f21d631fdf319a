package changelog

import (
	"context"
	"sort"
	"sync"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/ruv"
)

// State is the changelog metadata persisted next to the entries.
type State struct {
	RUV      *ruv.RUV                `json:"ruv"`
	PurgeRUV *ruv.RUV                `json:"purgeRUV"`
	Cleaning []replication.ReplicaID `json:"cleaning,omitempty"`
}

// Store persists the changelog of one suffix. The changelog serializes all
// calls, so implementations need not be safe for concurrent use.
type Store interface {
	// Load calls fn for every stored entry in CSN order and returns the
	// stored state, or nil when nothing was stored yet.
	Load(ctx context.Context, fn func(*replication.ChangelogEntry) error) (*State, error)
	// Append stores e together with the new state.
	Append(ctx context.Context, e *replication.ChangelogEntry, st *State) error
	// Delete removes the entries with the given CSNs and stores the new state.
	Delete(ctx context.Context, csns []csn.CSN, st *State) error
	// SaveState stores st.
	SaveState(ctx context.Context, st *State) error
	// Reset removes every entry and stores st.
	Reset(ctx context.Context, st *State) error
}

// MemStore is a Store that keeps everything in memory. It lets a changelog
// be reopened within one process.
type MemStore struct {
	mu      sync.Mutex
	entries map[csn.CSN]*replication.ChangelogEntry
	state   *State
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[csn.CSN]*replication.ChangelogEntry)}
}

func cloneState(st *State) *State {
	if st == nil {
		return nil
	}
	return &State{
		RUV:      st.RUV.Clone(),
		PurgeRUV: st.PurgeRUV.Clone(),
		Cleaning: append([]replication.ReplicaID(nil), st.Cleaning...),
	}
}

func (s *MemStore) Load(ctx context.Context, fn func(*replication.ChangelogEntry) error) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]csn.CSN, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	for _, k := range keys {
		if err := fn(s.entries[k].Clone()); err != nil {
			return nil, err
		}
	}
	return cloneState(s.state), nil
}

func (s *MemStore) Append(ctx context.Context, e *replication.ChangelogEntry, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.CSN] = e.Clone()
	s.state = cloneState(st)
	return nil
}

func (s *MemStore) Delete(ctx context.Context, csns []csn.CSN, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range csns {
		delete(s.entries, c)
	}
	s.state = cloneState(st)
	return nil
}

func (s *MemStore) SaveState(ctx context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = cloneState(st)
	return nil
}

func (s *MemStore) Reset(ctx context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[csn.CSN]*replication.ChangelogEntry)
	s.state = cloneState(st)
	return nil
}

// Len returns the number of stored entries.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
