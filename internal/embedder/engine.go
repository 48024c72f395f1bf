// Package embedder turns market documents into stored, deduplicated chunk
// embeddings.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/marketd/internal/chunker"
	"github.com/fyrsmithlabs/marketd/internal/fingerprint"
	"github.com/fyrsmithlabs/marketd/internal/provider"
	"github.com/fyrsmithlabs/marketd/internal/vectorstore"
)

var tracer = otel.Tracer("marketd.embedder")

// Sentinel errors for the embedding pipeline.
var (
	// ErrInvalidDocument indicates a document missing required fields.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrChunkFailed indicates a failure while embedding or storing one
	// chunk. Chunks stored before the failure remain stored.
	ErrChunkFailed = errors.New("chunk embedding failed")
)

// Document is one logical market document to embed.
type Document struct {
	// Kind classifies the document: filing, news, transcript.
	Kind string

	// ID identifies the document within its kind.
	ID string

	// EntityKey ties the document to an entity, typically a ticker.
	EntityKey string

	Title   string
	Content string

	// SourceDate is when the document was published, not when it was
	// embedded. Recency weighting reads this.
	SourceDate time.Time

	// Extra is free-form metadata carried through to stored chunks.
	Extra map[string]string
}

// Validate checks required fields.
func (d *Document) Validate() error {
	if d.Kind == "" {
		return fmt.Errorf("%w: kind required", ErrInvalidDocument)
	}
	if d.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidDocument)
	}
	if d.Content == "" {
		return fmt.Errorf("%w: content required", ErrInvalidDocument)
	}
	return nil
}

// Result is the outcome of embedding one document.
type Result struct {
	DocumentID string

	// Cached is true when the content fingerprint matched a previous
	// embed and no provider call was made.
	Cached bool

	Chunks int

	// ChunkIDs lists the stored chunk ids in index order. On a cache hit
	// it carries the single cached chunk id.
	ChunkIDs []string

	// Tokens and Cost come from provider-reported usage. Zero on cache
	// hits.
	Tokens int
	Cost   float64
}

// DocumentError pairs a failed document with its error.
type DocumentError struct {
	DocumentKind string
	DocumentID   string
	Err          error
}

// BatchStats aggregates an EmbedBatch run.
type BatchStats struct {
	Embedded    int
	Cached      int
	Failed      int
	TotalTokens int
	TotalCost   float64
	Errors      []DocumentError
}

// Options configures an Engine.
type Options struct {
	// MaxTokens is the per-chunk token limit passed to the chunker.
	MaxTokens int

	// Workers bounds EmbedBatch concurrency.
	Workers int
}

// ApplyDefaults sets default values for unset fields.
func (o *Options) ApplyDefaults() {
	if o.MaxTokens == 0 {
		o.MaxTokens = 8000
	}
	if o.Workers == 0 {
		o.Workers = 4
	}
}

// Engine chunks documents, embeds the chunks through the provider, and
// stores them. A content-fingerprint cache skips provider calls for
// previously embedded single-chunk documents.
type Engine struct {
	chunker  *chunker.Chunker
	embedder provider.Embedder
	store    vectorstore.Store
	cache    *EmbeddingCache
	sync     *SyncTracker
	limiter  *rate.Limiter
	logger   *zap.Logger
	metrics  *Metrics
	opts     Options
	now      func() time.Time
}

// NewEngine creates an Engine. limiter may be nil to disable rate limiting;
// metrics may be nil to disable instrumentation.
func NewEngine(
	ch *chunker.Chunker,
	embedder provider.Embedder,
	store vectorstore.Store,
	cache *EmbeddingCache,
	syncTracker *SyncTracker,
	limiter *rate.Limiter,
	logger *zap.Logger,
	metrics *Metrics,
	opts Options,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.ApplyDefaults()
	return &Engine{
		chunker:  ch,
		embedder: embedder,
		store:    store,
		cache:    cache,
		sync:     syncTracker,
		limiter:  limiter,
		logger:   logger,
		metrics:  metrics,
		opts:     opts,
		now:      time.Now,
	}
}

// EmbedDocument embeds one document.
//
// On a cache hit no provider call is made and the stored chunks are left
// untouched. On a multi-chunk document, chunks are embedded and stored in
// index order; a mid-document failure keeps the chunks already stored and
// returns an error wrapping ErrChunkFailed with the failing index.
func (e *Engine) EmbedDocument(ctx context.Context, doc Document) (Result, error) {
	ctx, span := tracer.Start(ctx, "Engine.EmbedDocument")
	defer span.End()
	span.SetAttributes(
		attribute.String("document_kind", doc.Kind),
		attribute.String("document_id", doc.ID),
	)
	start := e.now()

	if err := doc.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	contentHash := fingerprint.Content(doc.Content)

	if entry, ok, err := e.cache.Lookup(ctx, contentHash); err != nil {
		// A broken cache must not block ingestion; fall through and
		// embed.
		e.logger.Warn("embedding cache lookup failed", zap.Error(err))
	} else if ok {
		e.logger.Debug("embedding cache hit",
			zap.String("document_id", doc.ID),
			zap.String("chunk_id", entry.ChunkID),
		)
		e.record(ctx, doc.Kind, "cached", start, 0, 0, 0)
		span.SetAttributes(attribute.Bool("cache_hit", true))
		span.SetStatus(codes.Ok, "cache hit")
		return Result{DocumentID: doc.ID, Cached: true, Chunks: 1, ChunkIDs: []string{entry.ChunkID}}, nil
	}

	segments, err := e.chunker.ChunkAll(doc.Content, e.opts.MaxTokens)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.record(ctx, doc.Kind, "failed", start, 0, 0, 0)
		return Result{}, fmt.Errorf("chunking document %s: %w", doc.ID, err)
	}
	total := len(segments)
	span.SetAttributes(attribute.Int("chunk_count", total))

	result := Result{DocumentID: doc.ID, Chunks: total}
	for index, segment := range segments {
		if err := e.embedChunk(ctx, &doc, segment, index, total, &result); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.record(ctx, doc.Kind, "failed", start, index, result.Tokens, result.Cost)
			return result, err
		}
	}

	// Only a single-chunk document is cacheable: its whole-content hash
	// fully describes the one stored vector.
	if total == 1 {
		err := e.cache.Store(ctx, CacheEntry{
			ContentHash: contentHash,
			ChunkID:     vectorstore.ChunkID(doc.Kind, doc.ID, 0),
			CreatedAt:   e.now().UTC(),
		})
		if err != nil {
			e.logger.Warn("embedding cache store failed", zap.Error(err))
		}
	}

	e.record(ctx, doc.Kind, "embedded", start, total, result.Tokens, result.Cost)
	span.SetStatus(codes.Ok, "success")
	return result, nil
}

// embedChunk embeds and stores one chunk, accumulating usage into result.
func (e *Engine) embedChunk(ctx context.Context, doc *Document, segment string, index, total int, result *Result) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: chunk %d of %s: %v", ErrChunkFailed, index, doc.ID, err)
		}
	}

	embedding, err := e.embedder.Embed(ctx, segment)
	if err != nil {
		return fmt.Errorf("%w: chunk %d of %s: %v", ErrChunkFailed, index, doc.ID, err)
	}

	cost := provider.EmbedCost(e.embedder.Model(), embedding.Tokens)
	record := vectorstore.ChunkRecord{
		ID:             vectorstore.ChunkID(doc.Kind, doc.ID, index),
		DocumentKind:   doc.Kind,
		DocumentID:     doc.ID,
		EntityKey:      doc.EntityKey,
		Title:          doc.Title,
		ContentPreview: segment,
		ChunkIndex:     index,
		TotalChunks:    total,
		Vector:         embedding.Vector,
		ProviderModel:  e.embedder.Model(),
		TokenCount:     embedding.Tokens,
		Cost:           cost,
		SourceDate:     doc.SourceDate,
		CreatedAt:      e.now().UTC(),
		Extra:          doc.Extra,
	}

	if err := e.store.Upsert(ctx, []vectorstore.ChunkRecord{record}); err != nil {
		return fmt.Errorf("%w: storing chunk %d of %s: %v", ErrChunkFailed, index, doc.ID, err)
	}

	result.ChunkIDs = append(result.ChunkIDs, record.ID)
	result.Tokens += embedding.Tokens
	result.Cost += cost
	return nil
}

// EmbedBatch embeds documents with bounded concurrency. A document failure is
// recorded and the batch continues; context cancellation stops dispatching
// further documents. After the batch, sync watermarks advance per
// (kind, entity) stream based on the successful documents.
func (e *Engine) EmbedBatch(ctx context.Context, docs []Document) (BatchStats, error) {
	ctx, span := tracer.Start(ctx, "Engine.EmbedBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("document_count", len(docs)))

	var (
		mu    sync.Mutex
		stats BatchStats
		// highest successful document id per stream, for the watermark
		streams = make(map[[2]string]struct {
			lastID string
			count  int
			cost   float64
		})
	)

	sem := make(chan struct{}, e.opts.Workers)
	var wg sync.WaitGroup

	for _, doc := range docs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(doc Document) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := e.EmbedDocument(ctx, doc)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				stats.Errors = append(stats.Errors, DocumentError{
					DocumentKind: doc.Kind,
					DocumentID:   doc.ID,
					Err:          err,
				})
				return
			}
			if result.Cached {
				stats.Cached++
			} else {
				stats.Embedded++
			}
			stats.TotalTokens += result.Tokens
			stats.TotalCost += result.Cost

			key := [2]string{doc.Kind, doc.EntityKey}
			stream := streams[key]
			if newerDocumentID(doc.ID, stream.lastID) {
				stream.lastID = doc.ID
			}
			stream.count++
			stream.cost += result.Cost
			streams[key] = stream
		}(doc)
	}
	wg.Wait()

	for key, stream := range streams {
		if err := e.sync.Update(ctx, key[0], key[1], stream.lastID, stream.count, stream.cost); err != nil {
			e.logger.Warn("sync status update failed",
				zap.String("document_kind", key[0]),
				zap.String("entity_key", key[1]),
				zap.Error(err),
			)
		}
	}

	e.logger.Info("embed batch finished",
		zap.Int("embedded", stats.Embedded),
		zap.Int("cached", stats.Cached),
		zap.Int("failed", stats.Failed),
		zap.Int("total_tokens", stats.TotalTokens),
		zap.Float64("total_cost_usd", stats.TotalCost),
	)
	span.SetAttributes(
		attribute.Int("embedded", stats.Embedded),
		attribute.Int("cached", stats.Cached),
		attribute.Int("failed", stats.Failed),
	)
	span.SetStatus(codes.Ok, "success")
	return stats, ctx.Err()
}

// SyncStatus returns the watermark for one stream.
func (e *Engine) SyncStatus(ctx context.Context, documentKind, entityKey string) (SyncStatus, bool, error) {
	return e.sync.Get(ctx, documentKind, entityKey)
}

// SyncStatuses returns every tracked stream.
func (e *Engine) SyncStatuses(ctx context.Context) ([]SyncStatus, error) {
	return e.sync.All(ctx)
}

// UpdateSyncStatus advances a stream watermark directly, for ingestion paths
// that track progress outside EmbedBatch.
func (e *Engine) UpdateSyncStatus(ctx context.Context, documentKind, entityKey, lastDocumentID string, documentsAdded int, cost float64) error {
	return e.sync.Update(ctx, documentKind, entityKey, lastDocumentID, documentsAdded, cost)
}

// VerifyDocument checks that a document's stored chunks form a dense
// sequence matching their recorded total. It reports (stored, expected, ok).
func (e *Engine) VerifyDocument(ctx context.Context, documentKind, documentID string) (int, int, error) {
	chunks, err := e.store.DocumentChunks(ctx, documentKind, documentID)
	if err != nil {
		return 0, 0, fmt.Errorf("fetching chunks for %s/%s: %w", documentKind, documentID, err)
	}
	if len(chunks) == 0 {
		return 0, 0, nil
	}
	expected := chunks[0].TotalChunks
	for i, chunk := range chunks {
		if chunk.ChunkIndex != i || chunk.TotalChunks != expected {
			return len(chunks), expected, fmt.Errorf("document %s/%s has inconsistent chunk sequence at index %d", documentKind, documentID, i)
		}
	}
	return len(chunks), expected, nil
}

func (e *Engine) record(ctx context.Context, kind, outcome string, start time.Time, chunks, tokens int, cost float64) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordDocument(ctx, kind, outcome, e.now().Sub(start), chunks, tokens, cost)
}
