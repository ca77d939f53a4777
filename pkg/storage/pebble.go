package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Open opens (or creates) the pebble database shared by the listing
// registry, the order store, the ledger and the trader registry. Each of
// them owns a disjoint key prefix.
func Open(path string) (*pebble.DB, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", path, err)
	}

	opts := &pebble.Options{
		Cache:                       pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:                32 << 20,
		MaxConcurrentCompactions:    func() int { return 2 },
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
		LBaseMaxBytes:               64 << 20,
		MaxOpenFiles:                1000,
		BytesPerSync:                512 << 10,
		DisableAutomaticCompactions: false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return db, nil
}

// OpenInMemory opens a pebble database backed by an in-memory filesystem.
// Used by tests.
func OpenInMemory() (*pebble.DB, error) {
	return pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
}

// GetJSON loads the JSON value stored under key into v.
// Returns false if the key doesn't exist.
func GetJSON(r pebble.Reader, key []byte, v any) (bool, error) {
	data, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	defer closer.Close()

	if err := DecodeJSON(data, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON writes v as JSON under key.
func SetJSON(w pebble.Writer, key []byte, v any, opts *pebble.WriteOptions) error {
	data, err := EncodeJSON(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return w.Set(key, data, opts)
}

// Exists reports whether key is present.
func Exists(r pebble.Reader, key []byte) (bool, error) {
	_, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// ScanPrefix calls fn for every key/value under prefix in key order until fn
// returns false. Key and value are only valid during the call.
func ScanPrefix(r pebble.Reader, prefix []byte, fn func(key, value []byte) bool) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: KeyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}
