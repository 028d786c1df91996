// Package storage defines the keyed document store shared by every backend.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the key is absent or has expired.
	ErrNotFound = errors.New("storage: key not found")
	// ErrConflict means another writer changed the key between read and write.
	ErrConflict = errors.New("storage: concurrent modification")
)

// UpdateFunc receives the current value and returns its replacement.
// Returning ok=false aborts the update without writing.
type UpdateFunc func(current string) (next string, ok bool, err error)

// Store is a string key/value store with per-key TTL.
//
// Implementations must be safe for concurrent use. CompareAndSwap makes exactly
// one optimistic attempt: it returns ErrConflict if the key changed after it was
// read and leaves retrying to the caller.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndSwap(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) (value string, written bool, err error)
	Close() error
}
