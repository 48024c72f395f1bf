package search

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/marketd/internal/provider"
	"github.com/fyrsmithlabs/marketd/internal/vectorstore"
)

// staticEmbedder returns the same vector for every query, so tests control
// similarity entirely through the stored vectors.
type staticEmbedder struct {
	vector []float32
}

func (s *staticEmbedder) Embed(ctx context.Context, text string) (provider.Embedding, error) {
	return provider.Embedding{Vector: s.vector, Tokens: len(strings.Fields(text))}, nil
}

func (s *staticEmbedder) Model() string { return "text-embedding-3-small" }

var testNow = time.Date(2025, 8, 28, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, store vectorstore.Store) *Engine {
	t.Helper()
	engine := NewEngine(store, &staticEmbedder{vector: []float32{1, 0, 0}}, nil, nil)
	engine.now = func() time.Time { return testNow }
	return engine
}

// storeChunk inserts a single-chunk document whose cosine similarity to the
// test query vector (1,0,0) equals sim.
func storeChunk(t *testing.T, store vectorstore.Store, kind, docID, entity, content string, sim float32, sourceDate time.Time) {
	t.Helper()
	vec := vectorAtCosine(sim)
	err := store.Upsert(context.Background(), []vectorstore.ChunkRecord{{
		ID:             vectorstore.ChunkID(kind, docID, 0),
		DocumentKind:   kind,
		DocumentID:     docID,
		EntityKey:      entity,
		Title:          docID,
		ContentPreview: content,
		ChunkIndex:     0,
		TotalChunks:    1,
		Vector:         vec,
		ProviderModel:  "text-embedding-3-small",
		SourceDate:     sourceDate,
		CreatedAt:      testNow,
	}})
	require.NoError(t, err)
}

// vectorAtCosine builds a unit-norm 3d vector whose cosine with (1,0,0) is c.
func vectorAtCosine(c float32) []float32 {
	s := 1 - c*c
	if s < 0 {
		s = 0
	}
	// sqrt via Newton iterations is overkill; small fixed table instead.
	return []float32{c, sqrt32(s), 0}
}

func sqrt32(v float32) float32 {
	if v <= 0 {
		return 0
	}
	x := v
	for i := 0; i < 20; i++ {
		x = (x + v/x) / 2
	}
	return x
}

func TestSearchEmptyQuery(t *testing.T) {
	engine := newTestEngine(t, vectorstore.NewMemoryStore())
	_, err := engine.Search(context.Background(), "   ", Options{})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestSearchRecencyBoostReordersCloseScores(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	engine := newTestEngine(t, store)

	// The older document is slightly more similar, but the fresh one's
	// 1.10 boost overtakes it: 0.90*1.10 = 0.99 > 0.92*1.0.
	storeChunk(t, store, "news", "old-but-close", "AAPL", "a", 0.92, testNow.Add(-120*24*time.Hour))
	storeChunk(t, store, "news", "fresh", "AAPL", "b", 0.90, testNow.Add(-5*24*time.Hour))

	results, err := engine.Search(context.Background(), "apple outlook", Options{TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "fresh", results[0].Chunk.DocumentID)
	assert.Equal(t, "old-but-close", results[1].Chunk.DocumentID)

	// Raw similarity is reported unweighted.
	assert.InDelta(t, 0.90, float64(results[0].Similarity), 1e-3)
	assert.Greater(t, results[0].Score, results[0].Similarity)
}

func TestSearchQuarterBoost(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	engine := newTestEngine(t, store)

	// 45 days old: the 1.05 quarter boost applies, not the 1.10 one.
	storeChunk(t, store, "news", "quarter", "AAPL", "a", 0.80, testNow.Add(-45*24*time.Hour))

	results, err := engine.Search(context.Background(), "q", Options{TopK: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.80*1.05, float64(results[0].Score), 1e-3)
}

func TestSearchOldDocumentsKeepRawOrder(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	engine := newTestEngine(t, store)

	// Both past the quarter window: no boost, pure similarity order.
	storeChunk(t, store, "news", "better", "AAPL", "a", 0.95, testNow.Add(-200*24*time.Hour))
	storeChunk(t, store, "news", "worse", "AAPL", "b", 0.85, testNow.Add(-100*24*time.Hour))

	results, err := engine.Search(context.Background(), "q", Options{TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "better", results[0].Chunk.DocumentID)
	assert.InDelta(t, float64(results[0].Similarity), float64(results[0].Score), 1e-6)
}

func TestSearchMinSimilarity(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	engine := newTestEngine(t, store)

	storeChunk(t, store, "news", "strong", "AAPL", "a", 0.9, testNow)
	storeChunk(t, store, "news", "weak", "AAPL", "b", 0.3, testNow)

	results, err := engine.Search(context.Background(), "q", Options{TopK: 5, MinSimilarity: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "strong", results[0].Chunk.DocumentID)

	// The floor applies to raw similarity, before boosting.
	results, err = engine.Search(context.Background(), "q", Options{TopK: 5, MinSimilarity: 0.95})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchTopKAndFilter(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	engine := newTestEngine(t, store)

	for i, sim := range []float32{0.9, 0.8, 0.7, 0.6} {
		storeChunk(t, store, "news", string(rune('a'+i)), "AAPL", "x", sim, testNow)
	}
	storeChunk(t, store, "filing", "f1", "AAPL", "x", 0.99, testNow)

	results, err := engine.Search(context.Background(), "q", Options{
		TopK:   2,
		Filter: vectorstore.Filter{DocumentKinds: []string{"news"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Chunk.DocumentID)
	assert.Equal(t, "b", results[1].Chunk.DocumentID)
}

func TestHybridSearchKeywordPartition(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	engine := newTestEngine(t, store)
	old := testNow.Add(-200 * 24 * time.Hour)

	// Two keyword hits ranked below three non-hits by similarity.
	storeChunk(t, store, "news", "n1", "SPY", "markets rallied on tech strength", 0.95, old)
	storeChunk(t, store, "news", "n2", "SPY", "bond yields fell sharply", 0.90, old)
	storeChunk(t, store, "news", "n3", "SPY", "oil prices steadied", 0.85, old)
	storeChunk(t, store, "news", "n4", "SPY", "the FOMC held rates steady", 0.60, old)
	storeChunk(t, store, "news", "n5", "SPY", "minutes show fomc split on cuts", 0.55, old)

	results, err := engine.HybridSearch(context.Background(), "fed policy", []string{"FOMC"}, Options{TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 5)

	// Keyword matches first, by boosted score, then the rest backfill.
	assert.Equal(t, "n4", results[0].Chunk.DocumentID)
	assert.True(t, results[0].KeywordMatch)
	assert.Equal(t, "n5", results[1].Chunk.DocumentID)
	assert.True(t, results[1].KeywordMatch)
	assert.Equal(t, "n1", results[2].Chunk.DocumentID)
	assert.False(t, results[2].KeywordMatch)

	// The boost shows in the score: 0.60 * 1.15.
	assert.InDelta(t, 0.69, float64(results[0].Score), 1e-3)
}

func TestHybridSearchNoKeywordsBehavesLikeSearch(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	engine := newTestEngine(t, store)
	old := testNow.Add(-200 * 24 * time.Hour)

	storeChunk(t, store, "news", "n1", "SPY", "alpha", 0.9, old)
	storeChunk(t, store, "news", "n2", "SPY", "beta", 0.8, old)

	results, err := engine.HybridSearch(context.Background(), "q", nil, Options{TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "n1", results[0].Chunk.DocumentID)
	for _, r := range results {
		assert.False(t, r.KeywordMatch)
	}
}

func TestFindSimilarExcludesAnchor(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	engine := newTestEngine(t, store)

	storeChunk(t, store, "filing", "anchor", "AAPL", "a", 1.0, testNow)
	storeChunk(t, store, "filing", "close", "AAPL", "b", 0.95, testNow)
	storeChunk(t, store, "filing", "far", "MSFT", "c", 0.40, testNow)

	results, err := engine.FindSimilar(context.Background(), "filing", "anchor", false, Options{TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "close", results[0].Chunk.DocumentID)
	for _, r := range results {
		assert.NotEqual(t, "anchor", r.Chunk.DocumentID)
	}
}

func TestFindSimilarSameEntityOnly(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	engine := newTestEngine(t, store)

	storeChunk(t, store, "filing", "anchor", "AAPL", "a", 1.0, testNow)
	storeChunk(t, store, "filing", "same", "AAPL", "b", 0.8, testNow)
	storeChunk(t, store, "filing", "other", "MSFT", "c", 0.9, testNow)

	results, err := engine.FindSimilar(context.Background(), "filing", "anchor", true, Options{TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "same", results[0].Chunk.DocumentID)
}

func TestFindSimilarMissingAnchor(t *testing.T) {
	engine := newTestEngine(t, vectorstore.NewMemoryStore())
	_, err := engine.FindSimilar(context.Background(), "filing", "nope", false, Options{})
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestBuildContextRespectsBudget(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	engine := newTestEngine(t, store)

	body := strings.Repeat("tok ", 9) + "tok"
	storeChunk(t, store, "news", "n1", "AAPL", body, 0.9, testNow)
	storeChunk(t, store, "news", "n2", "AAPL", body, 0.8, testNow)
	storeChunk(t, store, "news", "n3", "AAPL", body, 0.7, testNow)

	full, err := engine.BuildContext(context.Background(), "q", 1000, vectorstore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(full, "[news | AAPL"))

	// Each snippet counts 19 tokens (9 header, 10 body); a 40-token budget
	// fits two and stops at the first overflow.
	partial, err := engine.BuildContext(context.Background(), "q", 40, vectorstore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(partial, "[news | AAPL"))
	assert.Contains(t, partial, "n1")
	assert.Contains(t, partial, "n2")
	assert.NotContains(t, partial, "n3")
}

func TestBuildContextExcludesStaleDocuments(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	engine := newTestEngine(t, store)

	storeChunk(t, store, "news", "fresh", "AAPL", "recent coverage", 0.8, testNow.Add(-30*24*time.Hour))
	storeChunk(t, store, "news", "stale", "AAPL", "ancient coverage", 0.99, testNow.Add(-2*365*24*time.Hour))

	out, err := engine.BuildContext(context.Background(), "q", 1000, vectorstore.Filter{})
	require.NoError(t, err)
	assert.Contains(t, out, "recent coverage")
	assert.NotContains(t, out, "ancient coverage")
}

func TestBuildContextInvalidBudget(t *testing.T) {
	engine := newTestEngine(t, vectorstore.NewMemoryStore())
	_, err := engine.BuildContext(context.Background(), "q", 0, vectorstore.Filter{})
	assert.Error(t, err)
}

func TestRecencyFactor(t *testing.T) {
	now := testNow
	assert.InDelta(t, 1.10, float64(recencyFactor(now, now.Add(-10*24*time.Hour))), 1e-6)
	assert.InDelta(t, 1.10, float64(recencyFactor(now, now.Add(-30*24*time.Hour))), 1e-6)
	assert.InDelta(t, 1.05, float64(recencyFactor(now, now.Add(-31*24*time.Hour))), 1e-6)
	assert.InDelta(t, 1.05, float64(recencyFactor(now, now.Add(-90*24*time.Hour))), 1e-6)
	assert.InDelta(t, 1.00, float64(recencyFactor(now, now.Add(-91*24*time.Hour))), 1e-6)
}
