package replica

import (
	"context"
	"fmt"
	"sync"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/agreement"
	"github.com/dirsrv/replication/kit/platform/errors"
)

// LocalTransport connects agreements to consumers running in the same
// process, keyed by the host:port the agreements point at. It serves
// embedded topologies and tests.
type LocalTransport struct {
	mu        sync.RWMutex
	consumers map[string]replication.Consumer
	down      map[string]bool
}

var _ agreement.Transport = (*LocalTransport)(nil)

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		consumers: make(map[string]replication.Consumer),
		down:      make(map[string]bool),
	}
}

// Handle registers the consumer reachable at addr.
func (t *LocalTransport) Handle(addr string, c replication.Consumer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumers[addr] = c
}

// SetDown makes addr unreachable, or reachable again.
func (t *LocalTransport) SetDown(addr string, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[addr] = down
}

func (t *LocalTransport) Connect(ctx context.Context, a *replication.Agreement) (replication.Consumer, error) {
	addr := a.Consumer()
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.consumers[addr]
	if !ok || t.down[addr] {
		return nil, &errors.Error{
			Code: errors.EUnavailable,
			Op:   "replica.LocalTransport",
			Msg:  fmt.Sprintf("consumer %s unreachable", addr),
		}
	}
	return c, nil
}
