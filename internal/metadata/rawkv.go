package metadata

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by RawKV.GetRaw for absent keys
var ErrKeyNotFound = errors.New("key not found")

// RawKV provides low-level key-value access to an embedded storage engine.
// It is implemented by BadgerKV and PebbleKV so that KVStore can run on
// either engine.
type RawKV interface {
	// GetRaw retrieves a value by exact key. Returns ErrKeyNotFound if absent.
	GetRaw(ctx context.Context, key string) ([]byte, error)

	// RawBatch applies a set of writes and deletes atomically.
	RawBatch(ctx context.Context, sets map[string][]byte, deletes []string) error

	// RawScan iterates all keys that share the given prefix in lexicographic
	// order. fn receives a copy of each (key, value); returning false stops
	// the scan early.
	RawScan(ctx context.Context, prefix string, fn func(key string, val []byte) bool) error

	Close() error
}
