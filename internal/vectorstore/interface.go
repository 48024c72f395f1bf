// Package vectorstore defines the chunk storage boundary and its
// implementations.
package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyChunks indicates empty or nil chunk input.
	ErrEmptyChunks = errors.New("empty or nil chunks")

	// ErrDimensionMismatch indicates a vector whose length does not match
	// the configured vector size.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrConnectionFailed indicates the store backend is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector store")

	// ErrStore indicates a persistence failure.
	ErrStore = errors.New("vector store operation failed")

	// ErrUnsupportedFilter indicates a filter the backend cannot evaluate.
	ErrUnsupportedFilter = errors.New("unsupported filter for this backend")
)

// Store is the boundary to a similarity-search-capable chunk store.
//
// Implementations must support cosine similarity (or an equivalent normalized
// inner product) and equality/range filtering over the ChunkRecord metadata
// fields. The store never embeds text itself; callers supply vectors.
//
// Implementations:
//   - ChromemStore: embedded chromem-go (default, no external service)
//   - QdrantStore: external Qdrant over gRPC
//   - MemoryStore: in-process exact scan, for tests and ephemeral runs
type Store interface {
	// Upsert writes chunk records. Writing an existing ID replaces the row;
	// deduplication of identical content happens above this layer.
	Upsert(ctx context.Context, chunks []ChunkRecord) error

	// Query returns up to topK chunks matching the filter, ordered by
	// similarity to the vector (highest first).
	Query(ctx context.Context, vector []float32, filter Filter, topK int) ([]ScoredChunk, error)

	// GetByID fetches a single chunk. Absence is (zero, false, nil).
	GetByID(ctx context.Context, id string) (ChunkRecord, bool, error)

	// DocumentChunks returns the stored chunks of one logical document in
	// ChunkIndex order. A document with no chunks yields an empty slice.
	DocumentChunks(ctx context.Context, documentKind, documentID string) ([]ChunkRecord, error)

	// Delete removes all chunks matching the filter.
	Delete(ctx context.Context, filter Filter) error

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}
