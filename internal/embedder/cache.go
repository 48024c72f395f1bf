package embedder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/marketd/internal/kvstore"
)

// cacheBucket holds one entry per whole-document content fingerprint.
const cacheBucket = "embedding_cache"

// CacheEntry records that a document body with a given fingerprint has
// already been embedded. Entries never expire; identical content stays
// identical.
type CacheEntry struct {
	ContentHash string    `json:"content_hash"`
	ChunkID     string    `json:"chunk_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// EmbeddingCache deduplicates embedding work by whole-document content hash.
//
// Only single-chunk documents are recorded: a multi-chunk document's whole
// hash says nothing about any individual chunk, so re-submitting it must
// re-embed.
type EmbeddingCache struct {
	kv kvstore.KV
}

// NewEmbeddingCache creates a cache over the given KV.
func NewEmbeddingCache(kv kvstore.KV) *EmbeddingCache {
	return &EmbeddingCache{kv: kv}
}

// Lookup returns the entry for a content hash, if one exists.
func (c *EmbeddingCache) Lookup(ctx context.Context, contentHash string) (CacheEntry, bool, error) {
	data, ok, err := c.kv.Get(ctx, cacheBucket, contentHash)
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("looking up embedding cache: %w", err)
	}
	if !ok {
		return CacheEntry{}, false, nil
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return CacheEntry{}, false, fmt.Errorf("decoding embedding cache entry: %w", err)
	}
	return entry, true, nil
}

// Store records a fingerprint. The first writer wins; a concurrent duplicate
// embed leaves the earlier entry untouched.
func (c *EmbeddingCache) Store(ctx context.Context, entry CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding embedding cache entry: %w", err)
	}
	if _, err := c.kv.PutIfAbsent(ctx, cacheBucket, entry.ContentHash, data); err != nil {
		return fmt.Errorf("storing embedding cache entry: %w", err)
	}
	return nil
}
