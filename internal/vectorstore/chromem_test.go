package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestChromemStore builds an in-memory chromem store (empty path means no
// persistence), so these tests exercise the real backend without a filesystem.
func newTestChromemStore(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(ChromemConfig{VectorSize: 3}, nil)
	require.NoError(t, err)
	return store
}

func TestChromemStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestChromemStore(t)

	sourceDate := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	chunk := ChunkRecord{
		ID:             ChunkID("filing", "AAPL-10K", 0),
		DocumentKind:   "filing",
		DocumentID:     "AAPL-10K",
		EntityKey:      "AAPL",
		Title:          "Apple 10-K",
		ContentPreview: "Revenue grew 8% year over year.",
		ChunkIndex:     0,
		TotalChunks:    1,
		Vector:         []float32{1, 0, 0},
		ProviderModel:  "text-embedding-3-small",
		TokenCount:     7,
		Cost:           0.00000014,
		SourceDate:     sourceDate,
		CreatedAt:      time.Date(2025, 3, 11, 9, 30, 0, 0, time.UTC),
		Extra:          map[string]string{"fiscal_year": "2025"},
	}
	require.NoError(t, store.Upsert(ctx, []ChunkRecord{chunk}))

	got, ok, err := store.GetByID(ctx, chunk.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, chunk.ID, got.ID)
	assert.Equal(t, chunk.EntityKey, got.EntityKey)
	assert.Equal(t, chunk.ContentPreview, got.ContentPreview)
	assert.Equal(t, chunk.TotalChunks, got.TotalChunks)
	assert.Equal(t, chunk.TokenCount, got.TokenCount)
	assert.InDelta(t, chunk.Cost, got.Cost, 1e-12)
	assert.True(t, got.SourceDate.Equal(sourceDate))
	assert.Equal(t, "2025", got.Extra["fiscal_year"])

	_, ok, err = store.GetByID(ctx, ChunkID("filing", "missing", 0))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChromemStoreUpsertValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestChromemStore(t)

	err := store.Upsert(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyChunks)

	chunk := chunkFixture("filing", "doc", "AAPL", 0, 1, []float32{1, 0}, time.Now())
	err = store.Upsert(ctx, []ChunkRecord{chunk})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestChromemStoreQueryFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestChromemStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Upsert(ctx, []ChunkRecord{
		chunkFixture("filing", "AAPL-10K", "AAPL", 0, 1, []float32{1, 0, 0}, now),
		chunkFixture("news", "AAPL-news", "AAPL", 0, 1, []float32{0.9, 0.1, 0}, now),
		chunkFixture("filing", "MSFT-10K", "MSFT", 0, 1, []float32{0.8, 0.2, 0}, now),
	}))

	results, err := store.Query(ctx, []float32{1, 0, 0}, Filter{EntityKey: "AAPL"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "AAPL-10K", results[0].Chunk.DocumentID)
	for _, r := range results {
		assert.Equal(t, "AAPL", r.Chunk.EntityKey)
	}

	results, err = store.Query(ctx, []float32{1, 0, 0}, Filter{}, 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = store.Query(ctx, []float32{1, 0, 0}, Filter{EntityKey: "TSLA"}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemStoreQueryEmpty(t *testing.T) {
	store := newTestChromemStore(t)
	results, err := store.Query(context.Background(), []float32{1, 0, 0}, Filter{}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemStoreDocumentChunks(t *testing.T) {
	ctx := context.Background()
	store := newTestChromemStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Upsert(ctx, []ChunkRecord{
		chunkFixture("filing", "AAPL-10K", "AAPL", 0, 3, []float32{1, 0, 0}, now),
		chunkFixture("filing", "AAPL-10K", "AAPL", 1, 3, []float32{0, 1, 0}, now),
		chunkFixture("filing", "AAPL-10K", "AAPL", 2, 3, []float32{0, 0, 1}, now),
	}))

	chunks, err := store.DocumentChunks(ctx, "filing", "AAPL-10K")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
	}

	chunks, err = store.DocumentChunks(ctx, "filing", "missing")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChromemStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestChromemStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Upsert(ctx, []ChunkRecord{
		chunkFixture("filing", "AAPL-10K", "AAPL", 0, 1, []float32{1, 0, 0}, now),
		chunkFixture("news", "AAPL-news", "AAPL", 0, 1, []float32{0, 1, 0}, now),
	}))

	require.NoError(t, store.Delete(ctx, Filter{DocumentID: "AAPL-10K"}))
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Date-bounded deletes cannot be expressed as chromem equality filters.
	err = store.Delete(ctx, Filter{DateFrom: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, ErrUnsupportedFilter)

	err = store.Delete(ctx, Filter{})
	assert.ErrorIs(t, err, ErrUnsupportedFilter)
}

func TestChunkMetadataCodec(t *testing.T) {
	chunk := ChunkRecord{
		ID:             ChunkID("transcript", "AAPL-Q3-2025", 4),
		DocumentKind:   "transcript",
		DocumentID:     "AAPL-Q3-2025",
		EntityKey:      "AAPL",
		Title:          "Q3 2025 Earnings Call",
		ContentPreview: "Operator: good afternoon.",
		ChunkIndex:     4,
		TotalChunks:    9,
		Vector:         []float32{0.5, 0.5},
		ProviderModel:  "text-embedding-3-small",
		TokenCount:     812,
		Cost:           0.000016,
		SourceDate:     time.Date(2025, 7, 31, 21, 0, 0, 0, time.UTC),
		CreatedAt:      time.Date(2025, 8, 1, 2, 15, 0, 0, time.UTC),
		Extra:          map[string]string{"speaker": "CFO"},
	}

	meta := encodeChunkMetadata(&chunk)
	decoded, err := decodeChunkMetadata(chunk.ID, chunk.ContentPreview, chunk.Vector, meta)
	require.NoError(t, err)
	assert.Equal(t, chunk, decoded)
}

func TestDecodeChunkMetadataBadFields(t *testing.T) {
	_, err := decodeChunkMetadata("id", "", nil, map[string]string{
		"chunk_index": "not-a-number",
	})
	assert.Error(t, err)

	_, err = decodeChunkMetadata("id", "", nil, map[string]string{
		"chunk_index":  "0",
		"total_chunks": "1",
		"source_date":  "garbage",
	})
	assert.Error(t, err)
}
