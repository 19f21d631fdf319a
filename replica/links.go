package replica

import (
	"context"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/agreement"
	"github.com/dirsrv/replication/cleanallruv"
)

// agreementLink carries CleanAllRUV directives over an agreement.
type agreementLink struct {
	agreement replication.Agreement
	transport agreement.Transport
}

func (l *agreementLink) Name() string { return l.agreement.Name }

func (l *agreementLink) Connect(ctx context.Context) (replication.Consumer, error) {
	return l.transport.Connect(ctx, &l.agreement)
}

// links returns a link per enabled agreement. Disabled agreements replicate
// nothing, so a clean task does not wait for their consumers.
func (r *Replica) links() []cleanallruv.Link {
	var out []cleanallruv.Link
	for _, a := range r.manager.Agreements() {
		if !a.Enabled {
			continue
		}
		out = append(out, &agreementLink{agreement: a, transport: r.transport})
	}
	return out
}
