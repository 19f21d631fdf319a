package replication

import (
	"context"

	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/ruv"
)

// AcquireRequest opens a replication session on a consumer.
type AcquireRequest struct {
	Suffix      string     `json:"suffix"`
	Agreement   string     `json:"agreement"`
	SupplierID  ReplicaID  `json:"supplierID"`
	SupplierURL string     `json:"supplierURL,omitempty"`
	BindMethod  BindMethod `json:"bindMethod"`
	BindDN      string     `json:"bindDN,omitempty"`
	Credentials string     `json:"credentials,omitempty"`
	// Total requests a total initialization: the consumer drops its
	// content and receives every entry of the supplier.
	Total bool `json:"total,omitempty"`
}

// AcquireResponse grants the consumer lock.
type AcquireResponse struct {
	Session   string    `json:"session"`
	ReplicaID ReplicaID `json:"replicaID"`
	RUV       *ruv.RUV  `json:"ruv"`
}

// Update is one changelog entry sent during an incremental update. Seq
// numbers the updates of a session from 1.
type Update struct {
	Seq   uint64          `json:"seq"`
	Entry *ChangelogEntry `json:"entry"`
}

// UpdateAck reports how far the consumer got through the updates of a
// session. Applied is the highest Seq applied in order. A non-empty Error
// means the consumer stopped applying.
type UpdateAck struct {
	Applied   uint64 `json:"applied"`
	ErrorCode string `json:"errorCode,omitempty"`
	Error     string `json:"error,omitempty"`
}

// InitBatch carries entries of a total initialization. The last batch has
// Done set and carries the supplier RUV the consumer adopts.
type InitBatch struct {
	Entries []*Entry `json:"entries,omitempty"`
	Done    bool     `json:"done,omitempty"`
	RUV     *ruv.RUV `json:"ruv,omitempty"`
}

// ReleaseResponse closes a session and returns the consumer RUV.
type ReleaseResponse struct {
	RUV *ruv.RUV `json:"ruv"`
}

// CleanDirective asks a peer to retire a replica ID.
type CleanDirective struct {
	Origin    string    `json:"origin"`
	Suffix    string    `json:"suffix"`
	ReplicaID ReplicaID `json:"replicaID"`
	MaxCSN    csn.CSN   `json:"maxCSN"`
	Force     bool      `json:"force"`
}

// AbortDirective asks a peer to stop cleaning a replica ID.
type AbortDirective struct {
	Origin    string    `json:"origin"`
	Suffix    string    `json:"suffix"`
	ReplicaID ReplicaID `json:"replicaID"`
	Certify   bool      `json:"certify"`
}

// DirectiveReply is a peer's answer to a clean or abort directive.
type DirectiveReply struct {
	// Accepted is set once the peer runs, or has run, a task for the
	// directive.
	Accepted bool `json:"accepted"`
	// Cleaned is set once the replica ID is gone from the peer's RUV.
	Cleaned bool `json:"cleaned,omitempty"`
	// MaxCSN is the newest CSN of the replica ID the peer holds.
	MaxCSN  csn.CSN `json:"maxCSN"`
	Message string  `json:"message,omitempty"`
}

// Consumer is the receiving end of replication for one server. Suppliers
// reach it through a transport; the replica package implements it.
type Consumer interface {
	Acquire(ctx context.Context, req *AcquireRequest) (*AcquireResponse, error)
	// Update queues updates for in-order application and returns at once.
	// An empty batch only polls the acknowledgement.
	Update(ctx context.Context, suffix, session string, updates []Update) (*UpdateAck, error)
	Initialize(ctx context.Context, suffix, session string, batch *InitBatch) error
	// Release waits for queued updates and ends the session.
	Release(ctx context.Context, suffix, session string) (*ReleaseResponse, error)
	RUV(ctx context.Context, suffix string) (*ruv.RUV, error)

	CleanRUV(ctx context.Context, d *CleanDirective) (*DirectiveReply, error)
	AbortCleanRUV(ctx context.Context, d *AbortDirective) (*DirectiveReply, error)
}
