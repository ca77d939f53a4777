package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// KeyUpperBound returns the exclusive upper bound for a prefix scan.
// Example: prefix "ord:s" -> upper bound "ord:t".
func KeyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		bound[i]++
		if bound[i] != 0 {
			return bound[:i+1]
		}
	}
	// prefix was all 0xff; no upper bound
	return nil
}

// Key concatenates parts into a new key.
func Key(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Uint64 encodes v big-endian so keys sort numerically.
func Uint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// Uint32 encodes v big-endian.
func Uint32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// Int64 encodes a non-negative v so keys sort numerically.
func Int64(v int64) []byte {
	if v < 0 {
		v = 0
	}
	return Uint64(uint64(v))
}

// ReadUint64 decodes a big-endian uint64 at offset off of key.
func ReadUint64(key []byte, off int) (uint64, error) {
	if len(key) < off+8 {
		return 0, fmt.Errorf("key too short: %d < %d", len(key), off+8)
	}
	return binary.BigEndian.Uint64(key[off : off+8]), nil
}

var errBadCounter = errors.New("corrupt counter value")

// DecodeCounter parses a value written by EncodeCounter.
func DecodeCounter(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errBadCounter
	}
	return binary.BigEndian.Uint64(b), nil
}

// EncodeCounter serializes a sequence counter.
func EncodeCounter(v uint64) []byte { return Uint64(v) }
