package agreement

import (
	"context"

	"github.com/dirsrv/replication"
)

//go:generate go run github.com/golang/mock/mockgen -package mock -destination ./mock/transport.go github.com/dirsrv/replication/agreement Transport

// Transport opens connections to consumers.
type Transport interface {
	// Connect returns a handle on the consumer a points at. Implementations
	// authenticate with the agreement's bind method and credentials.
	Connect(ctx context.Context, a *replication.Agreement) (replication.Consumer, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, a *replication.Agreement) (replication.Consumer, error)

func (f TransportFunc) Connect(ctx context.Context, a *replication.Agreement) (replication.Consumer, error) {
	return f(ctx, a)
}
