package embedder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/marketd/internal/chunker"
	"github.com/fyrsmithlabs/marketd/internal/kvstore"
	"github.com/fyrsmithlabs/marketd/internal/provider"
	"github.com/fyrsmithlabs/marketd/internal/vectorstore"
)

func newTestKV() kvstore.KV {
	return kvstore.NewMemoryKV()
}

// fakeEmbedder counts provider calls and can fail on a chosen call number.
type fakeEmbedder struct {
	calls      atomic.Int64
	failOnCall int64 // 1-based; 0 means never fail
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) (provider.Embedding, error) {
	n := f.calls.Add(1)
	if f.failOnCall != 0 && n == f.failOnCall {
		return provider.Embedding{}, fmt.Errorf("%w: synthetic failure", provider.ErrProvider)
	}
	// Cheap deterministic vector derived from the text length.
	l := float32(len(text)%7 + 1)
	return provider.Embedding{
		Vector: []float32{l, 1, 0},
		Tokens: len(strings.Fields(text)),
	}, nil
}

func (f *fakeEmbedder) Model() string { return "text-embedding-3-small" }

type engineFixture struct {
	engine   *Engine
	embedder *fakeEmbedder
	store    *vectorstore.MemoryStore
	tracker  *SyncTracker
}

func newEngineFixture(t *testing.T, maxTokens int, failOnCall int64) *engineFixture {
	t.Helper()
	kv := newTestKV()
	store := vectorstore.NewMemoryStore()
	embedder := &fakeEmbedder{failOnCall: failOnCall}
	tracker := NewSyncTracker(kv)
	engine := NewEngine(
		chunker.New(chunker.WithSafetyMargin(0)),
		embedder,
		store,
		NewEmbeddingCache(kv),
		tracker,
		nil,
		nil,
		nil,
		Options{MaxTokens: maxTokens, Workers: 2},
	)
	return &engineFixture{engine: engine, embedder: embedder, store: store, tracker: tracker}
}

func doc(id, entity, content string) Document {
	return Document{
		Kind:       "news",
		ID:         id,
		EntityKey:  entity,
		Title:      "headline " + id,
		Content:    content,
		SourceDate: time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestEmbedDocumentValidation(t *testing.T) {
	fx := newEngineFixture(t, 100, 0)
	ctx := context.Background()

	_, err := fx.engine.EmbedDocument(ctx, Document{ID: "x", Content: "y"})
	assert.ErrorIs(t, err, ErrInvalidDocument)
	_, err = fx.engine.EmbedDocument(ctx, Document{Kind: "news", Content: "y"})
	assert.ErrorIs(t, err, ErrInvalidDocument)
	_, err = fx.engine.EmbedDocument(ctx, Document{Kind: "news", ID: "x"})
	assert.ErrorIs(t, err, ErrInvalidDocument)
	assert.Zero(t, fx.embedder.calls.Load())
}

func TestEmbedDocumentSingleChunkCached(t *testing.T) {
	fx := newEngineFixture(t, 100, 0)
	ctx := context.Background()

	first, err := fx.engine.EmbedDocument(ctx, doc("n1", "AAPL", "apple beats estimates"))
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, first.Chunks)
	assert.Equal(t, []string{"news:n1:0000"}, first.ChunkIDs)
	assert.Equal(t, 3, first.Tokens)
	assert.Positive(t, first.Cost)
	assert.Equal(t, int64(1), fx.embedder.calls.Load())

	// Same content under a different document id: fingerprint hit, no
	// provider call, no new chunks.
	second, err := fx.engine.EmbedDocument(ctx, doc("n2", "AAPL", "apple beats estimates"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, []string{"news:n1:0000"}, second.ChunkIDs)
	assert.Zero(t, second.Tokens)
	assert.Equal(t, int64(1), fx.embedder.calls.Load())

	count, err := fx.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEmbedDocumentMultiChunkNotCached(t *testing.T) {
	fx := newEngineFixture(t, 4, 0)
	ctx := context.Background()

	content := strings.Repeat("word ", 10) // 10 tokens, 4-token chunks => 3 chunks
	result, err := fx.engine.EmbedDocument(ctx, doc("big", "AAPL", content))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Chunks)
	assert.Equal(t, int64(3), fx.embedder.calls.Load())

	chunks, err := fx.store.DocumentChunks(ctx, "news", "big")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, 3, chunk.TotalChunks)
		assert.Equal(t, "AAPL", chunk.EntityKey)
		assert.Equal(t, "text-embedding-3-small", chunk.ProviderModel)
	}

	// Multi-chunk documents never populate the fingerprint cache, so the
	// same content embeds again in full.
	_, err = fx.engine.EmbedDocument(ctx, doc("big2", "AAPL", content))
	require.NoError(t, err)
	assert.Equal(t, int64(6), fx.embedder.calls.Load())
}

func TestEmbedDocumentPartialFailureKeepsEarlierChunks(t *testing.T) {
	fx := newEngineFixture(t, 4, 3) // fail on the third provider call
	ctx := context.Background()

	content := strings.Repeat("word ", 10)
	result, err := fx.engine.EmbedDocument(ctx, doc("big", "AAPL", content))
	require.ErrorIs(t, err, ErrChunkFailed)
	assert.Contains(t, err.Error(), "chunk 2")

	// The two chunks stored before the failure survive.
	chunks, storeErr := fx.store.DocumentChunks(ctx, "news", "big")
	require.NoError(t, storeErr)
	assert.Len(t, chunks, 2)

	// Usage covers only the chunks that made it: 4 + 4 tokens.
	assert.Equal(t, 8, result.Tokens)
}

func TestEmbedBatchContinuesPastFailures(t *testing.T) {
	fx := newEngineFixture(t, 100, 2) // second provider call fails
	ctx := context.Background()

	stats, err := fx.engine.EmbedBatch(ctx, []Document{
		doc("n1", "AAPL", "alpha one"),
		doc("n2", "AAPL", "bravo two"),
		doc("n3", "MSFT", "charlie three"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Embedded)
	assert.Equal(t, 1, stats.Failed)
	require.Len(t, stats.Errors, 1)
	assert.ErrorIs(t, stats.Errors[0].Err, ErrChunkFailed)
	assert.Positive(t, stats.TotalTokens)
}

func TestEmbedBatchDeduplicates(t *testing.T) {
	fx := newEngineFixture(t, 100, 0)
	ctx := context.Background()

	stats, err := fx.engine.EmbedBatch(ctx, []Document{
		doc("n1", "AAPL", "same body"),
		doc("n2", "AAPL", "different body"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Embedded)

	again, err := fx.engine.EmbedBatch(ctx, []Document{
		doc("n3", "AAPL", "same body"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Cached)
	assert.Zero(t, again.Embedded)
	assert.Zero(t, again.TotalTokens)
}

func TestEmbedBatchCancellation(t *testing.T) {
	fx := newEngineFixture(t, 100, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := fx.engine.EmbedBatch(ctx, []Document{
		doc("n1", "AAPL", "alpha"),
		doc("n2", "AAPL", "bravo"),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Embedded)
}

func TestEmbedBatchAdvancesSyncWatermark(t *testing.T) {
	fx := newEngineFixture(t, 100, 0)
	ctx := context.Background()

	_, err := fx.engine.EmbedBatch(ctx, []Document{
		doc("100", "AAPL", "alpha one"),
		doc("102", "AAPL", "bravo two"),
		doc("101", "AAPL", "charlie three"),
	})
	require.NoError(t, err)

	status, ok, err := fx.engine.SyncStatus(ctx, "news", "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "102", status.LastDocumentID)
	assert.Equal(t, 3, status.DocumentCount)
	assert.False(t, status.LastSyncAt.IsZero())
}

func TestVerifyDocument(t *testing.T) {
	fx := newEngineFixture(t, 4, 0)
	ctx := context.Background()

	content := strings.Repeat("word ", 10)
	_, err := fx.engine.EmbedDocument(ctx, doc("big", "AAPL", content))
	require.NoError(t, err)

	stored, expected, err := fx.engine.VerifyDocument(ctx, "news", "big")
	require.NoError(t, err)
	assert.Equal(t, 3, stored)
	assert.Equal(t, 3, expected)

	stored, expected, err = fx.engine.VerifyDocument(ctx, "news", "missing")
	require.NoError(t, err)
	assert.Zero(t, stored)
	assert.Zero(t, expected)
}

func TestVerifyDocumentDetectsGaps(t *testing.T) {
	fx := newEngineFixture(t, 4, 3)
	ctx := context.Background()

	// A failed third chunk leaves a truncated document behind.
	content := strings.Repeat("word ", 10)
	_, err := fx.engine.EmbedDocument(ctx, doc("big", "AAPL", content))
	require.Error(t, err)

	stored, expected, err := fx.engine.VerifyDocument(ctx, "news", "big")
	require.NoError(t, err)
	assert.Equal(t, 2, stored)
	assert.Equal(t, 3, expected)
	assert.NotEqual(t, stored, expected)
}

func TestNewerDocumentID(t *testing.T) {
	assert.True(t, newerDocumentID("2", "1"))
	assert.True(t, newerDocumentID("10", "9")) // numeric, not lexicographic
	assert.False(t, newerDocumentID("9", "10"))
	assert.True(t, newerDocumentID("b", "a"))
	assert.False(t, newerDocumentID("", "a"))
	assert.True(t, newerDocumentID("a", ""))
	assert.False(t, newerDocumentID("a", "a"))
}

func TestSyncTrackerNeverRewinds(t *testing.T) {
	tracker := NewSyncTracker(newTestKV())
	ctx := context.Background()

	require.NoError(t, tracker.Update(ctx, "filing", "AAPL", "200", 1, 0.002))
	require.NoError(t, tracker.Update(ctx, "filing", "AAPL", "150", 1, 0.001))

	status, ok, err := tracker.Get(ctx, "filing", "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "200", status.LastDocumentID)
	assert.Equal(t, 2, status.DocumentCount)
	assert.InDelta(t, 0.003, status.CostTotal, 1e-9)
}

func TestSyncTrackerEmptyEntityDefaults(t *testing.T) {
	tracker := NewSyncTracker(newTestKV())
	ctx := context.Background()

	require.NoError(t, tracker.Update(ctx, "news", "", "n-1", 1, 0))

	status, ok, err := tracker.Get(ctx, "news", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "n-1", status.LastDocumentID)

	all, err := tracker.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestEmbeddingCacheFirstWriterWins(t *testing.T) {
	cache := NewEmbeddingCache(newTestKV())
	ctx := context.Background()

	entry := CacheEntry{ContentHash: "abc", ChunkID: "news:n1:0000", CreatedAt: time.Now().UTC()}
	require.NoError(t, cache.Store(ctx, entry))

	// A racing duplicate write is silently ignored.
	dup := entry
	dup.ChunkID = "news:n2:0000"
	require.NoError(t, cache.Store(ctx, dup))

	got, ok, err := cache.Lookup(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "news:n1:0000", got.ChunkID)

	_, ok, err = cache.Lookup(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmbedDocumentChunkingError(t *testing.T) {
	fx := newEngineFixture(t, 100, 0)
	_, err := fx.engine.EmbedDocument(context.Background(), doc("n1", "AAPL", "   "))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrChunkFailed))
}
