// Package replication holds the domain types shared by the multi-supplier
// replication engine: replica identity, changelog entries, the entry state
// model, agreements, CleanAllRUV tasks and the supplier/consumer protocol.
package replication

import (
	"fmt"
	"strings"

	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/kit/platform/errors"
)

// ReplicaID identifies a replica within a suffix's topology.
type ReplicaID = csn.ReplicaID

const (
	MinReplicaID ReplicaID = 1
	MaxReplicaID ReplicaID = 65534

	// ReadOnlyReplicaID is shared by every hub and consumer. Such replicas
	// never originate changes so they never need a unique ID.
	ReadOnlyReplicaID ReplicaID = 65535
)

// Role is the part a replica plays in the topology.
type Role int

const (
	RoleConsumer Role = iota
	RoleHub
	RoleSupplier
)

func (r Role) String() string {
	switch r {
	case RoleSupplier:
		return "supplier"
	case RoleHub:
		return "hub"
	case RoleConsumer:
		return "consumer"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole accepts the role names used in the config file.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "supplier", "master":
		return RoleSupplier, nil
	case "hub":
		return RoleHub, nil
	case "consumer", "":
		return RoleConsumer, nil
	}
	return 0, &errors.Error{
		Code: errors.EInvalid,
		Msg:  fmt.Sprintf("unknown replica role %q", s),
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Identity is who a replica is within one suffix.
type Identity struct {
	ID     ReplicaID `json:"replicaID"`
	Role   Role      `json:"role"`
	Suffix string    `json:"suffix"`
}

// ReadOnly reports whether the replica rejects local writes.
func (i Identity) ReadOnly() bool {
	return i.Role != RoleSupplier
}

// Validate checks the identity against the replica id rules of its role.
func (i Identity) Validate() error {
	if i.Suffix == "" {
		return &errors.Error{Code: errors.EInvalid, Op: "replication.Identity", Msg: "replica suffix is required"}
	}
	if i.Role == RoleSupplier {
		if i.ID < MinReplicaID || i.ID > MaxReplicaID {
			return &errors.Error{
				Code: errors.EInvalid,
				Op:   "replication.Identity",
				Msg:  fmt.Sprintf("supplier replica id %d out of range %d..%d", i.ID, MinReplicaID, MaxReplicaID),
			}
		}
		return nil
	}
	if i.ID != ReadOnlyReplicaID {
		return &errors.Error{
			Code: errors.EInvalid,
			Op:   "replication.Identity",
			Msg:  fmt.Sprintf("%s must use replica id %d, got %d", i.Role, ReadOnlyReplicaID, i.ID),
		}
	}
	return nil
}
