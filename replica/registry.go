package replica

import (
	"context"
	"sort"
	"sync"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/ruv"
	"go.uber.org/multierr"
)

// Registry holds the replicas of one server, one per suffix, and routes
// consumer requests to the replica of their suffix.
type Registry struct {
	mu       sync.RWMutex
	replicas map[string]*Replica
}

var _ replication.Consumer = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{replicas: make(map[string]*Replica)}
}

// Add registers r under its suffix. A suffix has one replica.
func (g *Registry) Add(r *Replica) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.replicas[r.Suffix()]; ok {
		return &errors.Error{Code: errors.EConflict, Op: "replica.Registry.Add", Msg: "suffix " + r.Suffix() + " already has a replica"}
	}
	g.replicas[r.Suffix()] = r
	return nil
}

// Lookup returns the replica of suffix.
func (g *Registry) Lookup(suffix string) (*Replica, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.replicas[replication.NormalizeDN(suffix)]
	if !ok {
		return nil, &errors.Error{
			Code: errors.ENotFound,
			Op:   "replica.Registry.Lookup",
			Msg:  "suffix " + suffix + " is not replicated here",
			Err:  replication.ErrSuffixNotFound,
		}
	}
	return r, nil
}

// Replicas returns every replica ordered by suffix.
func (g *Registry) Replicas() []*Replica {
	g.mu.RLock()
	out := make([]*Replica, 0, len(g.replicas))
	for _, r := range g.replicas {
		out = append(out, r)
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Suffix() < out[j].Suffix() })
	return out
}

// Open opens every replica.
func (g *Registry) Open(ctx context.Context) error {
	for _, r := range g.Replicas() {
		if err := r.Open(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every replica.
func (g *Registry) Close() error {
	var errs error
	for _, r := range g.Replicas() {
		errs = multierr.Append(errs, r.Close())
	}
	return errs
}

func (g *Registry) Acquire(ctx context.Context, req *replication.AcquireRequest) (*replication.AcquireResponse, error) {
	r, err := g.Lookup(req.Suffix)
	if err != nil {
		return nil, err
	}
	return r.Acquire(ctx, req)
}

func (g *Registry) Update(ctx context.Context, suffix, session string, updates []replication.Update) (*replication.UpdateAck, error) {
	r, err := g.Lookup(suffix)
	if err != nil {
		return nil, err
	}
	return r.Update(ctx, suffix, session, updates)
}

func (g *Registry) Initialize(ctx context.Context, suffix, session string, batch *replication.InitBatch) error {
	r, err := g.Lookup(suffix)
	if err != nil {
		return err
	}
	return r.Initialize(ctx, suffix, session, batch)
}

func (g *Registry) Release(ctx context.Context, suffix, session string) (*replication.ReleaseResponse, error) {
	r, err := g.Lookup(suffix)
	if err != nil {
		return nil, err
	}
	return r.Release(ctx, suffix, session)
}

func (g *Registry) RUV(ctx context.Context, suffix string) (*ruv.RUV, error) {
	r, err := g.Lookup(suffix)
	if err != nil {
		return nil, err
	}
	return r.RUV(ctx, suffix)
}

func (g *Registry) CleanRUV(ctx context.Context, d *replication.CleanDirective) (*replication.DirectiveReply, error) {
	r, err := g.Lookup(d.Suffix)
	if err != nil {
		return nil, err
	}
	return r.CleanRUV(ctx, d)
}

func (g *Registry) AbortCleanRUV(ctx context.Context, d *replication.AbortDirective) (*replication.DirectiveReply, error) {
	r, err := g.Lookup(d.Suffix)
	if err != nil {
		return nil, err
	}
	return r.AbortCleanRUV(ctx, d)
}
