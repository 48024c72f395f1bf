// Package kvstore is the key-value boundary backing the embedding cache,
// analysis cache, and sync status records.
package kvstore

import (
	"context"
	"errors"
)

// Sentinel errors for key-value operations.
var (
	// ErrInvalidKey indicates an empty or malformed key or bucket name.
	ErrInvalidKey = errors.New("invalid key")

	// ErrKV indicates a backend failure.
	ErrKV = errors.New("kv store operation failed")
)

// KV is a bucketed key-value store. Buckets are created on first use.
//
// Implementations:
//   - MemoryKV: in-process maps, for tests and ephemeral runs
//   - NATSKV: NATS JetStream key-value buckets
type KV interface {
	// Get fetches a value. Absence is (nil, false, nil).
	Get(ctx context.Context, bucket, key string) ([]byte, bool, error)

	// Put writes a value, overwriting any existing one.
	Put(ctx context.Context, bucket, key string, value []byte) error

	// PutIfAbsent writes only when the key does not exist yet. Returns
	// true when this call created the key. Concurrent writers racing on
	// the same key see exactly one true.
	PutIfAbsent(ctx context.Context, bucket, key string, value []byte) (bool, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, bucket, key string) error

	// Keys lists all keys in a bucket. An absent bucket yields an empty
	// slice.
	Keys(ctx context.Context, bucket string) ([]string, error)

	// Close releases backend resources.
	Close() error
}
