package replication

import (
	"context"
	"sort"
	"strings"

	"github.com/dirsrv/replication/csn"
)

// Operational attributes the engine maintains on entries.
const (
	AttrUniqueID      = "nsuniqueid"
	AttrReplConflict  = "nsds5replconflict"
	AttrObjectClass   = "objectclass"
	AttrKeepAliveTime = "keepalivetimestamp"
)

// ValueState is one attribute value together with the CSN of the last
// operation that added or deleted it.
type ValueState struct {
	Value   string  `json:"v"`
	CSN     csn.CSN `json:"csn"`
	Deleted bool    `json:"deleted,omitempty"`
}

// Attribute is the replicated state of one attribute. DeleteCSN records the
// latest replace or delete-all: values stamped before it are not visible.
type Attribute struct {
	Values    []ValueState `json:"values,omitempty"`
	DeleteCSN csn.CSN      `json:"deleteCSN"`
}

func (a *Attribute) visible(v ValueState) bool {
	return !v.Deleted && !v.CSN.Less(a.DeleteCSN)
}

func (a *Attribute) find(value string) int {
	for i := range a.Values {
		if a.Values[i].Value == value {
			return i
		}
	}
	return -1
}

// Entry is a directory entry carrying the per-value CSNs the conflict
// resolver needs to merge concurrent writes in any order.
//
// An entry is a tombstone when its DeleteCSN is newer than both its AddCSN
// and its ModifyCSN; a later modify therefore resurrects it.
type Entry struct {
	DN        string                `json:"dn"`
	UniqueID  string                `json:"nsuniqueid"`
	AddCSN    csn.CSN               `json:"addCSN"`
	DNCSN     csn.CSN               `json:"dnCSN"`
	ModifyCSN csn.CSN               `json:"modifyCSN"`
	DeleteCSN csn.CSN               `json:"deleteCSN"`
	Attrs     map[string]*Attribute `json:"attrs"`
}

// NewEntry returns a live entry whose values are all stamped with add.
func NewEntry(dn, uniqueID string, add csn.CSN, attrs map[string][]string) *Entry {
	e := &Entry{
		DN:       dn,
		UniqueID: uniqueID,
		AddCSN:   add,
		DNCSN:    add,
		Attrs:    make(map[string]*Attribute, len(attrs)),
	}
	for name, vals := range attrs {
		for _, v := range vals {
			e.AddValue(name, v, add)
		}
	}
	return e
}

// UpdateCSN is the newest CSN that keeps the entry alive.
func (e *Entry) UpdateCSN() csn.CSN {
	return csn.Max(e.AddCSN, e.ModifyCSN)
}

// Tombstone reports whether the entry is deleted.
func (e *Entry) Tombstone() bool {
	return e.DeleteCSN.After(e.UpdateCSN())
}

func (e *Entry) attr(name string, create bool) *Attribute {
	key := strings.ToLower(name)
	a, ok := e.Attrs[key]
	if !ok && create {
		if e.Attrs == nil {
			e.Attrs = make(map[string]*Attribute)
		}
		a = &Attribute{}
		e.Attrs[key] = a
	}
	return a
}

// AddValue records value as present at c. The value state only moves
// forward: an add older than what is recorded for the value is ignored.
func (e *Entry) AddValue(name, value string, c csn.CSN) bool {
	return e.setValue(name, value, c, false)
}

// DeleteValue records value as deleted at c.
func (e *Entry) DeleteValue(name, value string, c csn.CSN) bool {
	return e.setValue(name, value, c, true)
}

func (e *Entry) setValue(name, value string, c csn.CSN, deleted bool) bool {
	a := e.attr(name, true)
	if i := a.find(value); i >= 0 {
		if !c.After(a.Values[i].CSN) {
			return false
		}
		a.Values[i] = ValueState{Value: value, CSN: c, Deleted: deleted}
		return true
	}
	a.Values = append(a.Values, ValueState{Value: value, CSN: c, Deleted: deleted})
	return true
}

// DeleteAttr hides every value of the attribute stamped before c.
func (e *Entry) DeleteAttr(name string, c csn.CSN) bool {
	a := e.attr(name, true)
	if !c.After(a.DeleteCSN) {
		return false
	}
	a.DeleteCSN = c
	return true
}

// ReplaceAttr is DeleteAttr followed by adding vals, all at c.
func (e *Entry) ReplaceAttr(name string, vals []string, c csn.CSN) bool {
	changed := e.DeleteAttr(name, c)
	for _, v := range vals {
		if e.AddValue(name, v, c) {
			changed = true
		}
	}
	return changed
}

// Values returns the visible values of an attribute in sorted order.
func (e *Entry) Values(name string) []string {
	a := e.attr(name, false)
	if a == nil {
		return nil
	}
	var out []string
	for _, v := range a.Values {
		if a.visible(v) {
			out = append(out, v.Value)
		}
	}
	sort.Strings(out)
	return out
}

// Get returns the first visible value of an attribute.
func (e *Entry) Get(name string) string {
	vals := e.Values(name)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Visible returns every attribute with at least one visible value.
func (e *Entry) Visible() map[string][]string {
	out := make(map[string][]string, len(e.Attrs))
	for name := range e.Attrs {
		if vals := e.Values(name); len(vals) > 0 {
			out[name] = vals
		}
	}
	return out
}

// Compact drops value state older than horizon that no longer affects
// what is visible. Every replica has seen every CSN below the horizon, so
// no late write can need the dropped state. It returns the number of value
// states removed.
func (e *Entry) Compact(horizon csn.CSN) int {
	removed := 0
	for name, a := range e.Attrs {
		keep := a.Values[:0]
		for _, v := range a.Values {
			stale := v.CSN.Less(horizon) && (v.Deleted || v.CSN.Less(a.DeleteCSN))
			if stale {
				removed++
				continue
			}
			keep = append(keep, v)
		}
		a.Values = keep
		if a.DeleteCSN.Less(horizon) {
			a.DeleteCSN = csn.CSN{}
		}
		if len(a.Values) == 0 && a.DeleteCSN.IsZero() {
			delete(e.Attrs, name)
		}
	}
	return removed
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	out := *e
	out.Attrs = make(map[string]*Attribute, len(e.Attrs))
	for k, a := range e.Attrs {
		out.Attrs[k] = &Attribute{
			Values:    append([]ValueState(nil), a.Values...),
			DeleteCSN: a.DeleteCSN,
		}
	}
	return &out
}

// Strip returns a copy of e without the attributes in excluded.
func (e *Entry) Strip(excluded []string) *Entry {
	out := e.Clone()
	for _, a := range excluded {
		delete(out.Attrs, strings.ToLower(a))
	}
	return out
}

// EntryStore is the storage engine the resolver applies changes to.
// Tombstones are stored like any other entry.
type EntryStore interface {
	// ReadEntry returns the entry at dn or an ENotFound error.
	ReadEntry(ctx context.Context, dn string) (*Entry, error)
	// FindByUniqueID returns the entry with the given nsuniqueid or an
	// ENotFound error.
	FindByUniqueID(ctx context.Context, uniqueID string) (*Entry, error)
	// WriteEntry stores e at e.DN, replacing whatever entry with the same
	// unique id was stored before, wherever it was.
	WriteEntry(ctx context.Context, e *Entry) error
	// DeleteEntry removes the entry at dn.
	DeleteEntry(ctx context.Context, dn string) error
	// ListIndexedAttrs returns the attributes the store can look up by.
	ListIndexedAttrs(ctx context.Context) ([]string, error)
	// WalkEntries calls fn for every stored entry in DN order. Entries
	// passed to fn are copies.
	WalkEntries(ctx context.Context, fn func(*Entry) error) error
}
