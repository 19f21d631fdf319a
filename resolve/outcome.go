package resolve

import (
	"fmt"

	"github.com/dirsrv/replication/csn"
)

// Kind classifies what applying an operation did.
type Kind int

const (
	// Applied means the operation changed the entry.
	Applied Kind = iota
	// Replayed means the operation was already applied.
	Replayed
	// Superseded means newer state won and the operation had no visible effect.
	Superseded
	// Conflict means two entries claimed one DN; the loser was renamed.
	Conflict
	// Tombstoned means a delete turned the entry into a tombstone.
	Tombstoned
	// Resurrected means a modify newer than the delete brought a tombstone back.
	Resurrected
	// Skipped means the target entry does not exist on this replica.
	Skipped
)

var kindNames = [...]string{"applied", "replayed", "superseded", "conflict", "tombstoned", "resurrected", "skipped"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Outcome reports the result of applying one operation.
type Outcome struct {
	Kind     Kind    `json:"kind"`
	CSN      csn.CSN `json:"csn"`
	UniqueID string  `json:"nsuniqueid,omitempty"`
	DN       string  `json:"dn"`
	// ConflictDN is where the losing entry of a naming conflict now lives.
	ConflictDN string `json:"conflictDN,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Changed reports whether the entry store was written.
func (o Outcome) Changed() bool {
	switch o.Kind {
	case Applied, Conflict, Tombstoned, Resurrected:
		return true
	}
	return false
}
