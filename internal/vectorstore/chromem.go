package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("marketd.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty means in-memory
	// only (no persistence across restarts).
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// Collection is the collection name.
	Collection string

	// VectorSize is the expected embedding dimension. Must match the
	// provider's output dimension.
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "market_documents"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 1536
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store using chromem-go, an embeddable pure-Go
// vector database. No external service is required; data persists to gob
// files under the configured path.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	logger     *zap.Logger
}

// NewChromemStore creates a ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	// All writes and queries carry explicit vectors, so the embedding func
	// must never be reached.
	noEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("chromem store does not embed; vectors are supplied by the caller")
	}

	collection, err := db.GetOrCreateCollection(config.Collection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", config.Collection, err)
	}

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.String("collection", config.Collection),
		zap.Int("vector_size", config.VectorSize),
	)

	return &ChromemStore{
		db:         db,
		collection: collection,
		config:     config,
		logger:     logger,
	}, nil
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Upsert implements Store.
func (s *ChromemStore) Upsert(ctx context.Context, chunks []ChunkRecord) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))

	if len(chunks) == 0 {
		return ErrEmptyChunks
	}

	docs := make([]chromem.Document, len(chunks))
	for i, chunk := range chunks {
		if len(chunk.Vector) != s.config.VectorSize {
			return fmt.Errorf("%w: chunk %s has %d dimensions, store expects %d",
				ErrDimensionMismatch, chunk.ID, len(chunk.Vector), s.config.VectorSize)
		}
		docs[i] = chromem.Document{
			ID:        chunk.ID,
			Content:   chunk.ContentPreview,
			Metadata:  encodeChunkMetadata(&chunk),
			Embedding: chunk.Vector,
		}
	}

	// Concurrency 1: embeddings are precomputed, so there is no work to
	// parallelize.
	if err := s.collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: adding documents: %v", ErrStore, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Query implements Store. chromem supports only equality filters natively, so
// the filter is evaluated in-process over an exhaustive candidate fetch; the
// embedded store is sized for this.
func (s *ChromemStore) Query(ctx context.Context, vector []float32, filter Filter, topK int) ([]ScoredChunk, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", topK))

	if topK <= 0 {
		return nil, nil
	}
	if len(vector) != s.config.VectorSize {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, store expects %d",
			ErrDimensionMismatch, len(vector), s.config.VectorSize)
	}

	count := s.collection.Count()
	if count == 0 {
		return []ScoredChunk{}, nil
	}

	results, err := s.collection.QueryEmbedding(ctx, vector, count, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: querying collection: %v", ErrStore, err)
	}

	candidates := make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		chunk, err := decodeChunkMetadata(r.ID, r.Content, r.Embedding, r.Metadata)
		if err != nil {
			s.logger.Warn("skipping undecodable chunk", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		if !filter.Matches(&chunk) {
			continue
		}
		candidates = append(candidates, ScoredChunk{Chunk: chunk, Similarity: r.Similarity})
	}

	sortScoredChunks(candidates)
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	span.SetAttributes(attribute.Int("results_count", len(candidates)))
	span.SetStatus(codes.Ok, "success")
	return candidates, nil
}

// GetByID implements Store.
func (s *ChromemStore) GetByID(ctx context.Context, id string) (ChunkRecord, bool, error) {
	doc, err := s.collection.GetByID(ctx, id)
	if err != nil {
		// chromem only errors here for unknown ids.
		return ChunkRecord{}, false, nil
	}
	chunk, err := decodeChunkMetadata(doc.ID, doc.Content, doc.Embedding, doc.Metadata)
	if err != nil {
		return ChunkRecord{}, false, fmt.Errorf("%w: decoding chunk %s: %v", ErrStore, id, err)
	}
	return chunk, true, nil
}

// DocumentChunks implements Store. Chunk ids are deterministic, so the
// document's chunks are fetched by id without a metadata scan.
func (s *ChromemStore) DocumentChunks(ctx context.Context, documentKind, documentID string) ([]ChunkRecord, error) {
	first, ok, err := s.GetByID(ctx, ChunkID(documentKind, documentID, 0))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	chunks := []ChunkRecord{first}
	for i := 1; i < first.TotalChunks; i++ {
		chunk, ok, err := s.GetByID(ctx, ChunkID(documentKind, documentID, i))
		if err != nil {
			return nil, err
		}
		if ok {
			chunks = append(chunks, chunk)
		}
	}
	return chunks, nil
}

// Delete implements Store. Only equality constraints are supported natively;
// date-bounded deletes return ErrUnsupportedFilter.
func (s *ChromemStore) Delete(ctx context.Context, filter Filter) error {
	if !filter.DateFrom.IsZero() || !filter.DateTo.IsZero() || filter.ExcludeDocumentID != "" {
		return ErrUnsupportedFilter
	}

	where := make(map[string]string)
	if len(filter.DocumentKinds) == 1 {
		where["document_kind"] = filter.DocumentKinds[0]
	} else if len(filter.DocumentKinds) > 1 {
		return ErrUnsupportedFilter
	}
	if filter.DocumentID != "" {
		where["document_id"] = filter.DocumentID
	}
	if filter.EntityKey != "" {
		where["entity_key"] = filter.EntityKey
	}
	if len(where) == 0 {
		return fmt.Errorf("%w: refusing unfiltered delete", ErrUnsupportedFilter)
	}

	if err := s.collection.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("%w: deleting documents: %v", ErrStore, err)
	}
	return nil
}

// Count implements Store.
func (s *ChromemStore) Count(ctx context.Context) (int, error) {
	return s.collection.Count(), nil
}

// Close implements Store. chromem persists on write and holds no connection.
func (s *ChromemStore) Close() error {
	return nil
}

// sortScoredChunks orders by similarity desc, then more recent SourceDate,
// then lower chunk ID, for reproducible result ordering.
func sortScoredChunks(chunks []ScoredChunk) {
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Similarity != chunks[j].Similarity {
			return chunks[i].Similarity > chunks[j].Similarity
		}
		if !chunks[i].Chunk.SourceDate.Equal(chunks[j].Chunk.SourceDate) {
			return chunks[i].Chunk.SourceDate.After(chunks[j].Chunk.SourceDate)
		}
		return chunks[i].Chunk.ID < chunks[j].Chunk.ID
	})
}

// encodeChunkMetadata flattens a ChunkRecord into chromem's string metadata.
func encodeChunkMetadata(chunk *ChunkRecord) map[string]string {
	meta := map[string]string{
		"document_kind":  chunk.DocumentKind,
		"document_id":    chunk.DocumentID,
		"entity_key":     chunk.EntityKey,
		"title":          chunk.Title,
		"chunk_index":    strconv.Itoa(chunk.ChunkIndex),
		"total_chunks":   strconv.Itoa(chunk.TotalChunks),
		"provider_model": chunk.ProviderModel,
		"token_count":    strconv.Itoa(chunk.TokenCount),
		"cost":           strconv.FormatFloat(chunk.Cost, 'g', -1, 64),
		"source_date":    chunk.SourceDate.UTC().Format(time.RFC3339),
		"created_at":     chunk.CreatedAt.UTC().Format(time.RFC3339),
	}
	for k, v := range chunk.Extra {
		meta["extra_"+k] = v
	}
	return meta
}

// decodeChunkMetadata rebuilds a ChunkRecord from chromem metadata.
func decodeChunkMetadata(id, content string, vector []float32, meta map[string]string) (ChunkRecord, error) {
	chunkIndex, err := strconv.Atoi(meta["chunk_index"])
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("parsing chunk_index: %w", err)
	}
	totalChunks, err := strconv.Atoi(meta["total_chunks"])
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("parsing total_chunks: %w", err)
	}
	tokenCount, _ := strconv.Atoi(meta["token_count"])
	cost, _ := strconv.ParseFloat(meta["cost"], 64)

	sourceDate, err := time.Parse(time.RFC3339, meta["source_date"])
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("parsing source_date: %w", err)
	}
	createdAt, _ := time.Parse(time.RFC3339, meta["created_at"])

	var extra map[string]string
	for k, v := range meta {
		if name, ok := strings.CutPrefix(k, "extra_"); ok {
			if extra == nil {
				extra = make(map[string]string)
			}
			extra[name] = v
		}
	}

	return ChunkRecord{
		ID:             id,
		DocumentKind:   meta["document_kind"],
		DocumentID:     meta["document_id"],
		EntityKey:      meta["entity_key"],
		Title:          meta["title"],
		ContentPreview: content,
		ChunkIndex:     chunkIndex,
		TotalChunks:    totalChunks,
		Vector:         vector,
		ProviderModel:  meta["provider_model"],
		TokenCount:     tokenCount,
		Cost:           cost,
		SourceDate:     sourceDate,
		CreatedAt:      createdAt,
		Extra:          extra,
	}, nil
}
