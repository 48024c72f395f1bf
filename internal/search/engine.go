// Package search ranks stored chunk embeddings for retrieval: filtered
// similarity search with recency weighting, keyword-fused hybrid search,
// related-document lookup, and token-budgeted context assembly.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/marketd/internal/chunker"
	"github.com/fyrsmithlabs/marketd/internal/provider"
	"github.com/fyrsmithlabs/marketd/internal/vectorstore"
)

var tracer = otel.Tracer("marketd.search")

// Sentinel errors for search operations.
var (
	// ErrEmptyQuery indicates an empty or whitespace-only query.
	ErrEmptyQuery = errors.New("query cannot be empty")

	// ErrDocumentNotFound indicates a find-similar anchor with no stored
	// chunks.
	ErrDocumentNotFound = errors.New("document not found")
)

// Recency weighting. Documents published within the last month get the
// strongest boost; the effect fades entirely past a quarter.
const (
	recentBoost     = 1.10
	recentWindow    = 30 * 24 * time.Hour
	quarterBoost    = 1.05
	quarterWindow   = 90 * 24 * time.Hour
	keywordBoost    = 1.15
	defaultTopK     = 10
	contextTopK     = 20
	contextLookback = 365 * 24 * time.Hour
	overFetchFactor = 2
	hybridOverFetch = 3
)

// Options controls one search call.
type Options struct {
	// TopK is the maximum number of results. Default 10.
	TopK int

	// MinSimilarity drops results whose raw cosine similarity is below
	// the threshold, before any boosting. Zero keeps everything.
	MinSimilarity float32

	// Filter restricts the candidate set.
	Filter vectorstore.Filter
}

func (o *Options) applyDefaults() {
	if o.TopK <= 0 {
		o.TopK = defaultTopK
	}
}

// Result is one ranked chunk.
type Result struct {
	Chunk vectorstore.ChunkRecord

	// Similarity is the raw cosine similarity against the query.
	Similarity float32

	// Score is Similarity after recency and keyword weighting; results
	// are ordered by it.
	Score float32

	// KeywordMatch is set by HybridSearch when the chunk text contains a
	// query keyword.
	KeywordMatch bool
}

// Engine executes retrieval over a vector store. The store holds vectors
// only, so every query embeds its text through the provider first.
type Engine struct {
	store    vectorstore.Store
	embedder provider.Embedder
	tok      chunker.Tokenizer
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates a search Engine. The tokenizer sizes context budgets and
// should match the one used for chunking.
func NewEngine(store vectorstore.Store, embedder provider.Embedder, tok chunker.Tokenizer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tok == nil {
		tok = chunker.WordTokenizer{}
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		tok:      tok,
		logger:   logger,
		now:      time.Now,
	}
}

// Search embeds the query and returns the topK chunks ranked by
// recency-weighted similarity.
//
// Candidates are over-fetched so that filtering by MinSimilarity and
// re-ranking by recency still fill topK when possible. Fewer than topK
// results is not an error.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "Engine.Search")
	defer span.End()
	opts.applyDefaults()
	span.SetAttributes(attribute.Int("top_k", opts.TopK))

	candidates, err := e.fetchCandidates(ctx, query, opts, opts.TopK*overFetchFactor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results := e.weigh(candidates)
	sortByScore(results)
	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// HybridSearch ranks like Search but partitions on keyword presence:
// chunks containing any keyword come first (boosted and ordered by score),
// then the remaining chunks backfill up to topK. Keyword matching is
// case-insensitive over the chunk text and title.
func (e *Engine) HybridSearch(ctx context.Context, query string, keywords []string, opts Options) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "Engine.HybridSearch")
	defer span.End()
	opts.applyDefaults()
	span.SetAttributes(
		attribute.Int("top_k", opts.TopK),
		attribute.Int("keyword_count", len(keywords)),
	)

	// A larger candidate pool: keyword hits may sit far down the pure
	// similarity ordering.
	candidates, err := e.fetchCandidates(ctx, query, opts, opts.TopK*hybridOverFetch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	lowered := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			lowered = append(lowered, strings.ToLower(kw))
		}
	}

	results := e.weigh(candidates)
	var matches, rest []Result
	for _, r := range results {
		if len(lowered) > 0 && matchesKeyword(&r.Chunk, lowered) {
			r.KeywordMatch = true
			r.Score *= keywordBoost
			matches = append(matches, r)
		} else {
			rest = append(rest, r)
		}
	}
	sortByScore(matches)
	sortByScore(rest)

	merged := append(matches, rest...)
	if len(merged) > opts.TopK {
		merged = merged[:opts.TopK]
	}

	span.SetAttributes(
		attribute.Int("results_count", len(merged)),
		attribute.Int("keyword_matches", len(matches)),
	)
	span.SetStatus(codes.Ok, "success")
	return merged, nil
}

// FindSimilar returns chunks similar to an existing document, anchored on
// the document's first chunk and excluding the document itself. Results are
// ordered by raw similarity; recency weighting does not apply because the
// anchor defines the frame of reference.
func (e *Engine) FindSimilar(ctx context.Context, documentKind, documentID string, sameEntityOnly bool, opts Options) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "Engine.FindSimilar")
	defer span.End()
	opts.applyDefaults()
	span.SetAttributes(
		attribute.String("document_kind", documentKind),
		attribute.String("document_id", documentID),
	)

	anchor, ok, err := e.store.GetByID(ctx, vectorstore.ChunkID(documentKind, documentID, 0))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("fetching anchor chunk: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, documentKind, documentID)
	}

	filter := opts.Filter
	filter.ExcludeDocumentID = documentID
	if sameEntityOnly {
		filter.EntityKey = anchor.EntityKey
	}

	scored, err := e.store.Query(ctx, anchor.Vector, filter, opts.TopK*overFetchFactor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying similar chunks: %w", err)
	}

	results := make([]Result, 0, len(scored))
	for _, sc := range scored {
		if opts.MinSimilarity > 0 && sc.Similarity < opts.MinSimilarity {
			continue
		}
		results = append(results, Result{Chunk: sc.Chunk, Similarity: sc.Similarity, Score: sc.Similarity})
	}
	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// BuildContext assembles a retrieval context block for a prompt: the most
// relevant recent snippets, separated by headers, within maxTokens. Snippets
// are taken whole in rank order; assembly stops at the first snippet that
// would overflow the budget.
func (e *Engine) BuildContext(ctx context.Context, query string, maxTokens int, filter vectorstore.Filter) (string, error) {
	ctx, span := tracer.Start(ctx, "Engine.BuildContext")
	defer span.End()
	span.SetAttributes(attribute.Int("max_tokens", maxTokens))

	if maxTokens <= 0 {
		return "", fmt.Errorf("max tokens must be positive, got %d", maxTokens)
	}

	// Context blocks favor fresh material: a year-old cutoff keeps stale
	// filings out even when they score well.
	if filter.DateFrom.IsZero() {
		filter.DateFrom = e.now().Add(-contextLookback)
	}

	results, err := e.Search(ctx, query, Options{TopK: contextTopK, Filter: filter})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	var b strings.Builder
	used := 0
	included := 0
	for _, r := range results {
		snippet := formatSnippet(&r)
		tokens := e.tok.Count(snippet)
		if used+tokens > maxTokens {
			break
		}
		b.WriteString(snippet)
		used += tokens
		included++
	}

	span.SetAttributes(
		attribute.Int("snippets_included", included),
		attribute.Int("tokens_used", used),
	)
	span.SetStatus(codes.Ok, "success")
	return b.String(), nil
}

// fetchCandidates embeds the query and pulls an enlarged candidate set from
// the store, applying the raw similarity floor.
func (e *Engine) fetchCandidates(ctx context.Context, query string, opts Options, fetchK int) ([]vectorstore.ScoredChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	embedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	scored, err := e.store.Query(ctx, embedding.Vector, opts.Filter, fetchK)
	if err != nil {
		return nil, fmt.Errorf("querying vector store: %w", err)
	}

	if opts.MinSimilarity > 0 {
		kept := scored[:0]
		for _, sc := range scored {
			if sc.Similarity >= opts.MinSimilarity {
				kept = append(kept, sc)
			}
		}
		scored = kept
	}
	return scored, nil
}

// weigh converts scored chunks into results with recency-weighted scores.
func (e *Engine) weigh(candidates []vectorstore.ScoredChunk) []Result {
	now := e.now()
	results := make([]Result, len(candidates))
	for i, sc := range candidates {
		results[i] = Result{
			Chunk:      sc.Chunk,
			Similarity: sc.Similarity,
			Score:      sc.Similarity * recencyFactor(now, sc.Chunk.SourceDate),
		}
	}
	return results
}

// recencyFactor returns the multiplier for a document's age at query time.
func recencyFactor(now, sourceDate time.Time) float32 {
	age := now.Sub(sourceDate)
	switch {
	case age <= recentWindow:
		return recentBoost
	case age <= quarterWindow:
		return quarterBoost
	default:
		return 1.0
	}
}

// sortByScore orders by weighted score, then more recent SourceDate, then
// lower chunk ID.
func sortByScore(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Chunk.SourceDate.Equal(results[j].Chunk.SourceDate) {
			return results[i].Chunk.SourceDate.After(results[j].Chunk.SourceDate)
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
}

func matchesKeyword(chunk *vectorstore.ChunkRecord, loweredKeywords []string) bool {
	text := strings.ToLower(chunk.ContentPreview)
	title := strings.ToLower(chunk.Title)
	for _, kw := range loweredKeywords {
		if strings.Contains(text, kw) || strings.Contains(title, kw) {
			return true
		}
	}
	return false
}

// formatSnippet renders one result as a context block entry.
func formatSnippet(r *Result) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(r.Chunk.DocumentKind)
	b.WriteString(" | ")
	b.WriteString(r.Chunk.EntityKey)
	b.WriteString(" | ")
	b.WriteString(r.Chunk.SourceDate.Format("2006-01-02"))
	if r.Chunk.Title != "" {
		b.WriteString(" | ")
		b.WriteString(r.Chunk.Title)
	}
	fmt.Fprintf(&b, " | %.2f", r.Score)
	b.WriteString("]\n")
	b.WriteString(r.Chunk.ContentPreview)
	b.WriteString("\n\n")
	return b.String()
}
