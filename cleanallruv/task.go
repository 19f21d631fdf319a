package cleanallruv

import (
	"context"
	"sort"
	"sync"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/csn"
)

// Task is the handle of a running or finished clean or abort task. The
// coordinator returns it at once; callers poll Status or wait on Done.
type Task struct {
	mu     sync.Mutex
	status replication.TaskStatus
	maxCSN csn.CSN
	purged bool

	aborted bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newTask(st replication.TaskStatus, maxCSN csn.CSN) *Task {
	return &Task{status: st, maxCSN: maxCSN, done: make(chan struct{})}
}

// ID returns the task ID.
func (t *Task) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.ID
}

// Status returns a snapshot of the task status.
func (t *Task) Status() replication.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.status
	st.Confirmed = append(replication.AttrList(nil), t.status.Confirmed...)
	st.Pending = append(replication.AttrList(nil), t.status.Pending...)
	return st
}

// Done is closed once the task reached a terminal state, or stopped because
// the coordinator closed.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task is done or ctx ends and returns the last status.
func (t *Task) Wait(ctx context.Context) (replication.TaskStatus, error) {
	select {
	case <-t.done:
		return t.Status(), nil
	case <-ctx.Done():
		return t.Status(), ctx.Err()
	}
}

func (t *Task) running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.State == replication.TaskRunning
}

// progress records which links confirmed and which are still pending.
func (t *Task) progress(confirmed map[string]bool, pending []string, msg string) replication.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Confirmed = t.status.Confirmed[:0]
	for name := range confirmed {
		t.status.Confirmed = append(t.status.Confirmed, name)
	}
	sort.Strings(t.status.Confirmed)
	sort.Strings(pending)
	t.status.Pending = append(replication.AttrList(nil), pending...)
	t.status.Message = msg
	return t.status
}
