package sqlite

import (
	"testing"

	"go.uber.org/zap/zaptest"
)

// NewTestStore returns an in-memory store closed when the test ends.
func NewTestStore(t *testing.T) *SqlStore {
	t.Helper()

	store, err := NewSqlStore(InmemPath, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("creating test sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}
