// Package inmem provides an in-memory entry store for replicas that do not
// bring their own storage engine, and for tests.
package inmem

import (
	"context"
	"sync"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/google/btree"
)

// OpPrefix is the op prefix.
const OpPrefix = "inmem/"

type dnItem struct {
	key   string
	entry *replication.Entry
}

func dnLess(a, b dnItem) bool { return a.key < b.key }

var _ replication.EntryStore = (*EntryStore)(nil)

// EntryStore keeps entries ordered by normalized DN with a secondary index
// on nsuniqueid.
type EntryStore struct {
	mu    sync.RWMutex
	byDN  *btree.BTreeG[dnItem]
	byUID map[string]string
}

// NewEntryStore returns an empty store.
func NewEntryStore() *EntryStore {
	return &EntryStore{
		byDN:  btree.NewG(16, dnLess),
		byUID: make(map[string]string),
	}
}

func notFound(op, what string) error {
	return &errors.Error{
		Code: errors.ENotFound,
		Op:   OpPrefix + op,
		Msg:  "entry not found: " + what,
	}
}

func (s *EntryStore) ReadEntry(ctx context.Context, dn string) (*replication.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.byDN.Get(dnItem{key: replication.NormalizeDN(dn)})
	if !ok {
		return nil, notFound("ReadEntry", dn)
	}
	return it.entry.Clone(), nil
}

func (s *EntryStore) FindByUniqueID(ctx context.Context, uniqueID string) (*replication.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byUID[uniqueID]
	if !ok {
		return nil, notFound("FindByUniqueID", uniqueID)
	}
	it, _ := s.byDN.Get(dnItem{key: key})
	return it.entry.Clone(), nil
}

func (s *EntryStore) WriteEntry(ctx context.Context, e *replication.Entry) error {
	if e.UniqueID == "" {
		return &errors.Error{Code: errors.EInvalid, Op: OpPrefix + "WriteEntry", Msg: "entry has no nsuniqueid: " + e.DN}
	}
	key := replication.NormalizeDN(e.DN)

	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.byDN.Get(dnItem{key: key}); ok && it.entry.UniqueID != e.UniqueID {
		return &errors.Error{
			Code: errors.EConflict,
			Op:   OpPrefix + "WriteEntry",
			Msg:  "another entry exists at " + e.DN,
		}
	}
	if old, ok := s.byUID[e.UniqueID]; ok && old != key {
		s.byDN.Delete(dnItem{key: old})
	}
	s.byDN.ReplaceOrInsert(dnItem{key: key, entry: e.Clone()})
	s.byUID[e.UniqueID] = key
	return nil
}

func (s *EntryStore) DeleteEntry(ctx context.Context, dn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byDN.Delete(dnItem{key: replication.NormalizeDN(dn)})
	if !ok {
		return notFound("DeleteEntry", dn)
	}
	delete(s.byUID, it.entry.UniqueID)
	return nil
}

func (s *EntryStore) ListIndexedAttrs(ctx context.Context) ([]string, error) {
	return []string{replication.AttrUniqueID, replication.AttrObjectClass}, nil
}

func (s *EntryStore) WalkEntries(ctx context.Context, fn func(*replication.Entry) error) error {
	s.mu.RLock()
	snapshot := s.byDN.Clone()
	s.mu.RUnlock()

	var err error
	snapshot.Ascend(func(it dnItem) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		err = fn(it.entry.Clone())
		return err == nil
	})
	return err
}

// Len returns the number of stored entries, tombstones included.
func (s *EntryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byDN.Len()
}
