// Package store defines the key-value persistence contract used for device
// records and telemetry collections, with BadgerDB and in-memory
// implementations in subpackages.
package store

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get for absent keys.
var ErrKeyNotFound = errors.New("key not found")

// KV is the persistence contract. Implementations must be safe for
// concurrent use. Values handed to callbacks are only valid for the
// duration of the call; callers must copy what they keep.
type KV interface {
	// Put stores value under key, replacing any existing value.
	Put(ctx context.Context, key, value []byte) error

	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key []byte) error

	// Scan visits every key with the given prefix in ascending key order.
	// The visitor returns false to stop early.
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) (bool, error)) error

	// DeletePrefix removes every key with the given prefix for which the
	// predicate returns true (a nil predicate deletes all). Returns the
	// number of keys removed.
	DeletePrefix(ctx context.Context, prefix []byte, pred func(key, value []byte) bool) (int, error)

	// Close releases resources. The store is unusable afterwards.
	Close() error
}
