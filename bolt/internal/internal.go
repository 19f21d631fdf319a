// Package internal holds the on-disk record encoding of the bolt stores.
package internal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
)

// recordVersion is the first byte of every record.
const recordVersion = 1

const headerSize = 1 + 8

// MarshalRecord encodes v as JSON, compresses it with snappy and prefixes a
// version byte and an xxhash64 checksum of the compressed payload.
func MarshalRecord(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	payload := snappy.Encode(nil, raw)

	buf := make([]byte, headerSize+len(payload))
	buf[0] = recordVersion
	binary.BigEndian.PutUint64(buf[1:headerSize], xxhash.Sum64(payload))
	copy(buf[headerSize:], payload)
	return buf, nil
}

// UnmarshalRecord verifies and decodes a record produced by MarshalRecord.
func UnmarshalRecord(buf []byte, v interface{}) error {
	if len(buf) < headerSize {
		return fmt.Errorf("record too short: %d bytes", len(buf))
	}
	if buf[0] != recordVersion {
		return fmt.Errorf("unsupported record version %d", buf[0])
	}
	payload := buf[headerSize:]
	if want, got := binary.BigEndian.Uint64(buf[1:headerSize]), xxhash.Sum64(payload); want != got {
		return fmt.Errorf("record checksum mismatch: want %016x, got %016x", want, got)
	}
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
