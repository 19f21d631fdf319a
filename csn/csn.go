// Package csn implements change sequence numbers: the globally ordered
// stamps attached to every directory write.
package csn

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
)

// ReplicaID identifies the replica that originated a change.
type ReplicaID uint16

func (id ReplicaID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Size is the length of the binary form of a CSN.
const Size = 10

// CSN is a change sequence number. CSNs are totally ordered by Time, then
// Seq, then ReplicaID and finally SubSeq.
type CSN struct {
	Time      uint32    // seconds since the epoch
	Seq       uint16    // changes issued within the same second
	ReplicaID ReplicaID // originating replica; breaks ties between replicas
	SubSeq    uint16    // sub-operation of a single change
}

// Compare returns -1, 0 or +1 depending on whether a sorts before, equal to
// or after b.
func Compare(a, b CSN) int {
	switch {
	case a.Time != b.Time:
		return cmp32(a.Time, b.Time)
	case a.Seq != b.Seq:
		return cmp32(uint32(a.Seq), uint32(b.Seq))
	case a.ReplicaID != b.ReplicaID:
		return cmp32(uint32(a.ReplicaID), uint32(b.ReplicaID))
	default:
		return cmp32(uint32(a.SubSeq), uint32(b.SubSeq))
	}
}

func cmp32(a, b uint32) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Max returns the larger of a and b.
func Max(a, b CSN) CSN {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}

// Less reports whether c sorts before o.
func (c CSN) Less(o CSN) bool { return Compare(c, o) < 0 }

// After reports whether c sorts after o.
func (c CSN) After(o CSN) bool { return Compare(c, o) > 0 }

// IsZero reports whether c is the zero CSN, which sorts before every issued CSN.
func (c CSN) IsZero() bool { return c == CSN{} }

// Timestamp returns the wall-clock second the CSN was issued in.
func (c CSN) Timestamp() time.Time { return time.Unix(int64(c.Time), 0).UTC() }

// String returns the 20 hex digit form TTTTTTTTSSSSRRRRUUUU.
func (c CSN) String() string {
	return fmt.Sprintf("%08x%04x%04x%04x", c.Time, c.Seq, uint16(c.ReplicaID), c.SubSeq)
}

// Parse decodes the form produced by String.
func Parse(s string) (CSN, error) {
	if len(s) != 20 {
		return CSN{}, fmt.Errorf("invalid csn %q: want 20 hex digits", s)
	}
	t, err := strconv.ParseUint(s[0:8], 16, 32)
	if err != nil {
		return CSN{}, fmt.Errorf("invalid csn %q: %w", s, err)
	}
	seq, err := strconv.ParseUint(s[8:12], 16, 16)
	if err != nil {
		return CSN{}, fmt.Errorf("invalid csn %q: %w", s, err)
	}
	rid, err := strconv.ParseUint(s[12:16], 16, 16)
	if err != nil {
		return CSN{}, fmt.Errorf("invalid csn %q: %w", s, err)
	}
	sub, err := strconv.ParseUint(s[16:20], 16, 16)
	if err != nil {
		return CSN{}, fmt.Errorf("invalid csn %q: %w", s, err)
	}
	return CSN{Time: uint32(t), Seq: uint16(seq), ReplicaID: ReplicaID(rid), SubSeq: uint16(sub)}, nil
}

// MustParse is like Parse but panics on malformed input. Intended for tests
// and constants.
func MustParse(s string) CSN {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Bytes returns the big-endian binary form. Byte-wise comparison of two
// encodings agrees with Compare, which makes it usable as a storage key.
func (c CSN) Bytes() []byte {
	b := make([]byte, Size)
	binary.BigEndian.PutUint32(b[0:4], c.Time)
	binary.BigEndian.PutUint16(b[4:6], c.Seq)
	binary.BigEndian.PutUint16(b[6:8], uint16(c.ReplicaID))
	binary.BigEndian.PutUint16(b[8:10], c.SubSeq)
	return b
}

// FromBytes decodes the form produced by Bytes.
func FromBytes(b []byte) (CSN, error) {
	if len(b) != Size {
		return CSN{}, fmt.Errorf("invalid csn length %d", len(b))
	}
	return CSN{
		Time:      binary.BigEndian.Uint32(b[0:4]),
		Seq:       binary.BigEndian.Uint16(b[4:6]),
		ReplicaID: ReplicaID(binary.BigEndian.Uint16(b[6:8])),
		SubSeq:    binary.BigEndian.Uint16(b[8:10]),
	}, nil
}

// MarshalText encodes the CSN in its hex form.
func (c CSN) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a hex CSN. An empty string is the zero CSN.
func (c *CSN) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*c = CSN{}
		return nil
	}
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
