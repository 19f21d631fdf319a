// Package ruv implements the replica update vector: for every replica that
// ever originated a change in a suffix, the range of its CSNs this server has
// applied.
package ruv

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dirsrv/replication/csn"
)

// Element is the high-water mark of one replica.
type Element struct {
	ReplicaID    csn.ReplicaID `json:"replicaID"`
	URL          string        `json:"url,omitempty"`
	MinCSN       csn.CSN       `json:"minCSN"`
	MaxCSN       csn.CSN       `json:"maxCSN"`
	LastModified time.Time     `json:"lastModified,omitempty"`
}

// RUV is a replica update vector. It is not safe for concurrent use; the
// owner serializes access (the changelog does this with its suffix lock).
//
// Read methods accept a nil receiver and behave as an empty vector.
type RUV struct {
	elements map[csn.ReplicaID]*Element
}

// New returns an empty vector.
func New() *RUV {
	return &RUV{elements: make(map[csn.ReplicaID]*Element)}
}

// Advance raises the max CSN of replica id to c. It is a no-op, and returns
// false, when c is not newer than what is already recorded.
func (r *RUV) Advance(id csn.ReplicaID, c csn.CSN) bool {
	el, ok := r.elements[id]
	if !ok {
		r.elements[id] = &Element{
			ReplicaID:    id,
			MinCSN:       c,
			MaxCSN:       c,
			LastModified: c.Timestamp(),
		}
		return true
	}
	if !c.After(el.MaxCSN) {
		return false
	}
	el.MaxCSN = c
	el.LastModified = c.Timestamp()
	if el.MinCSN.IsZero() {
		el.MinCSN = c
	}
	return true
}

// AdvanceCSN advances the element of the replica that issued c.
func (r *RUV) AdvanceCSN(c csn.CSN) bool {
	return r.Advance(c.ReplicaID, c)
}

// SetURL records the purl of replica id, creating an empty element if needed.
func (r *RUV) SetURL(id csn.ReplicaID, url string) {
	el, ok := r.elements[id]
	if !ok {
		el = &Element{ReplicaID: id}
		r.elements[id] = el
	}
	el.URL = url
}

// Merge folds other into r: max of the max CSNs, min of the min CSNs and
// the union of the replica IDs.
func (r *RUV) Merge(other *RUV) {
	if other == nil {
		return
	}
	for id, o := range other.elements {
		el, ok := r.elements[id]
		if !ok {
			cp := *o
			r.elements[id] = &cp
			continue
		}
		if o.MaxCSN.After(el.MaxCSN) {
			el.MaxCSN = o.MaxCSN
			el.LastModified = o.LastModified
		}
		if !o.MinCSN.IsZero() && (el.MinCSN.IsZero() || o.MinCSN.Less(el.MinCSN)) {
			el.MinCSN = o.MinCSN
		}
		if el.URL == "" {
			el.URL = o.URL
		}
	}
}

// Covers reports whether the change c is already reflected in r.
func (r *RUV) Covers(c csn.CSN) bool {
	if r == nil {
		return false
	}
	el, ok := r.elements[c.ReplicaID]
	if !ok || el.MaxCSN.IsZero() {
		return false
	}
	return csn.Compare(el.MaxCSN, c) >= 0
}

// Dominates reports whether r covers the max CSN of every replica in other.
func (r *RUV) Dominates(other *RUV) bool {
	if other == nil {
		return true
	}
	for _, o := range other.elements {
		if o.MaxCSN.IsZero() {
			continue
		}
		if !r.Covers(o.MaxCSN) {
			return false
		}
	}
	return true
}

// Purge removes replica id from the vector. It reports whether an element
// was removed.
func (r *RUV) Purge(id csn.ReplicaID) bool {
	if _, ok := r.elements[id]; !ok {
		return false
	}
	delete(r.elements, id)
	return true
}

// Contains reports whether replica id has an element.
func (r *RUV) Contains(id csn.ReplicaID) bool {
	if r == nil {
		return false
	}
	_, ok := r.elements[id]
	return ok
}

// MaxCSN returns the max CSN recorded for replica id.
func (r *RUV) MaxCSN(id csn.ReplicaID) (csn.CSN, bool) {
	if r == nil {
		return csn.CSN{}, false
	}
	el, ok := r.elements[id]
	if !ok {
		return csn.CSN{}, false
	}
	return el.MaxCSN, true
}

// URL returns the purl recorded for replica id.
func (r *RUV) URL(id csn.ReplicaID) string {
	if r == nil {
		return ""
	}
	if el, ok := r.elements[id]; ok {
		return el.URL
	}
	return ""
}

// MinCSN returns the min CSN recorded for replica id.
func (r *RUV) MinCSN(id csn.ReplicaID) (csn.CSN, bool) {
	if r == nil {
		return csn.CSN{}, false
	}
	el, ok := r.elements[id]
	if !ok {
		return csn.CSN{}, false
	}
	return el.MinCSN, true
}

// Len returns the number of replicas in the vector.
func (r *RUV) Len() int {
	if r == nil {
		return 0
	}
	return len(r.elements)
}

// ReplicaIDs returns the replica IDs in ascending order.
func (r *RUV) ReplicaIDs() []csn.ReplicaID {
	if r == nil {
		return nil
	}
	ids := make([]csn.ReplicaID, 0, len(r.elements))
	for id := range r.elements {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Elements returns a copy of every element ordered by replica ID.
func (r *RUV) Elements() []Element {
	ids := r.ReplicaIDs()
	out := make([]Element, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.elements[id])
	}
	return out
}

// Clone returns a deep copy. Cloning nil yields an empty vector.
func (r *RUV) Clone() *RUV {
	out := New()
	if r == nil {
		return out
	}
	for id, el := range r.elements {
		cp := *el
		out.elements[id] = &cp
	}
	return out
}

// Equal reports whether r and other hold the same max CSN for the same replicas.
func (r *RUV) Equal(other *RUV) bool {
	if r.Len() != other.Len() {
		return false
	}
	for _, id := range r.ReplicaIDs() {
		a, _ := r.MaxCSN(id)
		b, ok := other.MaxCSN(id)
		if !ok || a != b {
			return false
		}
	}
	return true
}

// String renders the vector in the nsds50ruv text form, one replica per line:
//
//	{replica 1 ldap://host:389} 5f3a1b2c000000010000 5f3a1b3f000400010000
func (r *RUV) String() string {
	var b strings.Builder
	for i, el := range r.Elements() {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("{replica ")
		b.WriteString(el.ReplicaID.String())
		if el.URL != "" {
			b.WriteByte(' ')
			b.WriteString(el.URL)
		}
		b.WriteByte('}')
		if !el.MaxCSN.IsZero() {
			b.WriteByte(' ')
			b.WriteString(el.MinCSN.String())
			b.WriteByte(' ')
			b.WriteString(el.MaxCSN.String())
		}
	}
	return b.String()
}

// Parse decodes the form produced by String.
func Parse(s string) (*RUV, error) {
	r := New()
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "{replica ") {
			return nil, fmt.Errorf("invalid ruv element %q", line)
		}
		end := strings.IndexByte(line, '}')
		if end < 0 {
			return nil, fmt.Errorf("invalid ruv element %q: missing '}'", line)
		}
		head := strings.Fields(line[len("{replica "):end])
		if len(head) == 0 {
			return nil, fmt.Errorf("invalid ruv element %q: missing replica id", line)
		}
		id, err := strconv.ParseUint(head[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid ruv element %q: %w", line, err)
		}
		el := &Element{ReplicaID: csn.ReplicaID(id)}
		if len(head) > 1 {
			el.URL = head[1]
		}

		rest := strings.Fields(line[end+1:])
		switch len(rest) {
		case 0:
		case 2:
			if el.MinCSN, err = csn.Parse(rest[0]); err != nil {
				return nil, err
			}
			if el.MaxCSN, err = csn.Parse(rest[1]); err != nil {
				return nil, err
			}
			el.LastModified = el.MaxCSN.Timestamp()
		default:
			return nil, fmt.Errorf("invalid ruv element %q: want min and max csn", line)
		}
		r.elements[el.ReplicaID] = el
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// MarshalJSON encodes the vector as its ordered element list.
func (r *RUV) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Elements())
}

// UnmarshalJSON decodes an element list.
func (r *RUV) UnmarshalJSON(b []byte) error {
	var els []Element
	if err := json.Unmarshal(b, &els); err != nil {
		return err
	}
	r.elements = make(map[csn.ReplicaID]*Element, len(els))
	for i := range els {
		el := els[i]
		r.elements[el.ReplicaID] = &el
	}
	return nil
}
