package replication

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/kit/platform/errors"
)

// OpType is the kind of directory write recorded in a changelog entry.
type OpType uint8

const (
	OpAdd OpType = iota + 1
	OpModify
	OpDelete
	OpModRDN
)

var opNames = map[OpType]string{
	OpAdd:    "add",
	OpModify: "modify",
	OpDelete: "delete",
	OpModRDN: "modrdn",
}

func (o OpType) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// MarshalText implements encoding.TextMarshaler.
func (o OpType) MarshalText() ([]byte, error) {
	if _, ok := opNames[o]; !ok {
		return nil, fmt.Errorf("invalid op type %d", uint8(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *OpType) UnmarshalText(b []byte) error {
	for k, v := range opNames {
		if v == string(b) {
			*o = k
			return nil
		}
	}
	return fmt.Errorf("invalid op type %q", b)
}

// ModType is the kind of a single attribute modification.
type ModType uint8

const (
	ModAdd ModType = iota
	ModDelete
	ModReplace
)

var modNames = [...]string{"add", "delete", "replace"}

func (m ModType) String() string {
	if int(m) < len(modNames) {
		return modNames[m]
	}
	return fmt.Sprintf("mod(%d)", uint8(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m ModType) MarshalText() ([]byte, error) {
	if int(m) >= len(modNames) {
		return nil, fmt.Errorf("invalid mod type %d", uint8(m))
	}
	return []byte(modNames[m]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ModType) UnmarshalText(b []byte) error {
	for i, n := range modNames {
		if n == string(b) {
			*m = ModType(i)
			return nil
		}
	}
	return fmt.Errorf("invalid mod type %q", b)
}

// Mod is one attribute modification of a Modify operation. A ModDelete with
// no values removes the whole attribute.
type Mod struct {
	Type   ModType  `json:"type"`
	Attr   string   `json:"attr"`
	Values []string `json:"values,omitempty"`
}

// ChangelogEntry is one CSN-stamped directory write. It is immutable once
// written to a changelog.
type ChangelogEntry struct {
	CSN      csn.CSN `json:"csn"`
	Op       OpType  `json:"op"`
	TargetDN string  `json:"dn"`
	UniqueID string  `json:"nsuniqueid,omitempty"`

	// Add
	Attrs map[string][]string `json:"attrs,omitempty"`
	// Modify
	Mods []Mod `json:"mods,omitempty"`
	// ModRDN
	NewRDN       string `json:"newrdn,omitempty"`
	DeleteOldRDN bool   `json:"deleteoldrdn,omitempty"`
	NewSuperior  string `json:"newsuperior,omitempty"`

	// FractionalExcluded lists the attributes stripped from the entry before
	// it was sent to a consumer.
	FractionalExcluded []string `json:"fractionalExcluded,omitempty"`
}

// Validate checks that the entry carries what its operation needs.
func (e *ChangelogEntry) Validate() error {
	fail := func(msg string) error {
		return &errors.Error{Code: errors.EInvalid, Op: "replication.ChangelogEntry", Msg: msg}
	}
	if e.TargetDN == "" {
		return fail("target dn is required")
	}
	switch e.Op {
	case OpAdd:
		if len(e.Attrs) == 0 {
			return fail("add requires attributes")
		}
	case OpModify:
		for _, m := range e.Mods {
			if m.Attr == "" {
				return fail("modification without attribute name")
			}
			if m.Type > ModReplace {
				return fail(fmt.Sprintf("invalid modification type %d", m.Type))
			}
		}
	case OpDelete:
	case OpModRDN:
		if e.NewRDN == "" {
			return fail("modrdn requires a new rdn")
		}
		if _, _, ok := SplitRDN(e.NewRDN); !ok {
			return fail(fmt.Sprintf("invalid rdn %q", e.NewRDN))
		}
	default:
		return fail(fmt.Sprintf("invalid op type %d", e.Op))
	}
	return nil
}

// Clone returns a deep copy of e.
func (e *ChangelogEntry) Clone() *ChangelogEntry {
	out := *e
	if e.Attrs != nil {
		out.Attrs = make(map[string][]string, len(e.Attrs))
		for k, v := range e.Attrs {
			out.Attrs[k] = append([]string(nil), v...)
		}
	}
	if e.Mods != nil {
		out.Mods = make([]Mod, len(e.Mods))
		for i, m := range e.Mods {
			out.Mods[i] = Mod{Type: m.Type, Attr: m.Attr, Values: append([]string(nil), m.Values...)}
		}
	}
	out.FractionalExcluded = append([]string(nil), e.FractionalExcluded...)
	return &out
}

// Fractional returns a copy of e without the attributes in excluded. The
// CSN, target and operation are kept so the consumer still advances its RUV
// when every modification was stripped.
func (e *ChangelogEntry) Fractional(excluded []string) *ChangelogEntry {
	if len(excluded) == 0 {
		return e
	}
	drop := make(map[string]bool, len(excluded))
	for _, a := range excluded {
		drop[strings.ToLower(a)] = true
	}

	out := e.Clone()
	var stripped []string
	switch e.Op {
	case OpAdd:
		for k := range out.Attrs {
			if drop[strings.ToLower(k)] {
				delete(out.Attrs, k)
				stripped = append(stripped, k)
			}
		}
	case OpModify:
		mods := out.Mods[:0]
		for _, m := range out.Mods {
			if drop[strings.ToLower(m.Attr)] {
				stripped = append(stripped, m.Attr)
				continue
			}
			mods = append(mods, m)
		}
		out.Mods = mods
	}
	sort.Strings(stripped)
	out.FractionalExcluded = appendUnique(out.FractionalExcluded, stripped...)
	return out
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		found := false
		for _, d := range dst {
			if strings.EqualFold(d, v) {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
