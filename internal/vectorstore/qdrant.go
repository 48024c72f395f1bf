package vectorstore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("marketd.vectorstore.qdrant")

// collectionNamePattern validates collection names.
// Pattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (NOT the HTTP REST port).
	// Default: 6334
	Port int

	// Collection is the collection for chunk storage.
	Collection string

	// VectorSize is the dimensionality of embeddings. Must match the
	// provider's output dimensions.
	VectorSize uint64

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// APIKey authenticates against managed Qdrant deployments. Optional.
	APIKey string

	// MaxRetries is the maximum number of retry attempts for transient
	// failures. Default: 3
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries. Doubles on
	// each retry. Default: 1 second
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB
	MaxMessageSize int

	// CircuitBreakerThreshold is the number of failures before opening the
	// circuit. Default: 5
	CircuitBreakerThreshold int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "market_documents"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 1536
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if !collectionNamePattern.MatchString(c.Collection) {
		return fmt.Errorf("%w: collection name must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidConfig, c.Collection)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError reports whether a gRPC error should be retried.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore is a Store implementation using Qdrant's native gRPC client.
// gRPC transport avoids the HTTP layer's payload limits, which matters for
// filings that chunk into large batches.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

// pointNamespace derives Qdrant point UUIDs from chunk ids so repeated
// upserts of the same chunk overwrite rather than duplicate.
var pointNamespace = uuid.MustParse("9a6b1f0e-4c3d-4f7a-9d2e-8b5c1a7e6f03")

func pointUUID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

// NewQdrantStore creates a QdrantStore, connects, and ensures the collection
// exists.
func NewQdrantStore(ctx context.Context, config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		APIKey: config.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := &QdrantStore{
		client: client,
		config: config,
		logger: logger,
	}

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(healthCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	if err := store.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant store initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.Collection),
		zap.Uint64("vector_size", config.VectorSize),
	)
	return store, nil
}

// ensureCollection creates the collection if it does not exist yet.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	var exists bool
	err := s.retryOperation(ctx, "collection_exists", func() error {
		info, err := s.client.GetCollectionInfo(ctx, s.config.Collection)
		if err != nil {
			if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
				exists = false
				return nil
			}
			return err
		}
		exists = info != nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.config.Collection, err)
	}
	if exists {
		return nil
	}

	err = s.retryOperation(ctx, "create_collection", func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.config.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}
	return nil
}

// retryOperation retries an operation with exponential backoff.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}

		if s.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", operationName)
		}

		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}

		s.recordFailure()

		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (s *QdrantStore) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *QdrantStore) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *QdrantStore) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()

	if s.circuitBreaker.failures >= s.config.CircuitBreakerThreshold {
		// Allow retry after 30 seconds.
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// Upsert implements Store.
func (s *QdrantStore) Upsert(ctx context.Context, chunks []ChunkRecord) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.Int("chunk_count", len(chunks)),
		attribute.String("collection", s.config.Collection),
	)

	if len(chunks) == 0 {
		return ErrEmptyChunks
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, chunk := range chunks {
		if uint64(len(chunk.Vector)) != s.config.VectorSize {
			return fmt.Errorf("%w: chunk %s has %d dimensions, store expects %d",
				ErrDimensionMismatch, chunk.ID, len(chunk.Vector), s.config.VectorSize)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointUUID(chunk.ID)),
			Vectors: qdrant.NewVectors(chunk.Vector...),
			Payload: chunkPayload(&chunk),
		}
	}

	err := s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: upserting %d points: %v", ErrStore, len(points), err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Query implements Store.
func (s *QdrantStore) Query(ctx context.Context, vector []float32, filter Filter, topK int) ([]ScoredChunk, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.Int("top_k", topK),
	)

	if topK <= 0 {
		return nil, nil
	}
	if uint64(len(vector)) != s.config.VectorSize {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, store expects %d",
			ErrDimensionMismatch, len(vector), s.config.VectorSize)
	}

	var results []*qdrant.ScoredPoint
	err := s.retryOperation(ctx, "query", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			Filter:         buildQdrantFilter(filter),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: querying collection %s: %v", ErrStore, s.config.Collection, err)
	}

	scored := make([]ScoredChunk, 0, len(results))
	for _, point := range results {
		chunk, err := chunkFromPayload(point.Payload, vectorsOutputData(point.Vectors))
		if err != nil {
			s.logger.Warn("skipping undecodable point", zap.Error(err))
			continue
		}
		scored = append(scored, ScoredChunk{Chunk: chunk, Similarity: point.Score})
	}
	sortScoredChunks(scored)

	span.SetAttributes(attribute.Int("results_count", len(scored)))
	span.SetStatus(codes.Ok, "success")
	return scored, nil
}

// GetByID implements Store.
func (s *QdrantStore) GetByID(ctx context.Context, id string) (ChunkRecord, bool, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.GetByID")
	defer span.End()

	var points []*qdrant.RetrievedPoint
	err := s.retryOperation(ctx, "get_by_id", func() error {
		res, err := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.config.Collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(pointUUID(id))},
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ChunkRecord{}, false, fmt.Errorf("%w: getting point %s: %v", ErrStore, id, err)
	}
	if len(points) == 0 {
		return ChunkRecord{}, false, nil
	}

	chunk, err := chunkFromPayload(points[0].Payload, vectorsOutputData(points[0].Vectors))
	if err != nil {
		return ChunkRecord{}, false, fmt.Errorf("%w: decoding point %s: %v", ErrStore, id, err)
	}
	return chunk, true, nil
}

// DocumentChunks implements Store.
func (s *QdrantStore) DocumentChunks(ctx context.Context, documentKind, documentID string) ([]ChunkRecord, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.DocumentChunks")
	defer span.End()

	filter := buildQdrantFilter(Filter{
		DocumentKinds: []string{documentKind},
		DocumentID:    documentID,
	})

	var points []*qdrant.RetrievedPoint
	err := s.retryOperation(ctx, "document_chunks", func() error {
		res, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.config.Collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint32(10000)),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: scrolling chunks for %s/%s: %v", ErrStore, documentKind, documentID, err)
	}

	chunks := make([]ChunkRecord, 0, len(points))
	for _, point := range points {
		chunk, err := chunkFromPayload(point.Payload, vectorsOutputData(point.Vectors))
		if err != nil {
			s.logger.Warn("skipping undecodable point", zap.Error(err))
			continue
		}
		chunks = append(chunks, chunk)
	}
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})

	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	span.SetStatus(codes.Ok, "success")
	return chunks, nil
}

// Delete implements Store. Qdrant evaluates equality, range, and exclusion
// constraints server-side.
func (s *QdrantStore) Delete(ctx context.Context, filter Filter) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Delete")
	defer span.End()

	qf := buildQdrantFilter(filter)
	if qf == nil {
		return fmt.Errorf("%w: refusing unfiltered delete", ErrUnsupportedFilter)
	}

	err := s.retryOperation(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: qf},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: deleting points: %v", ErrStore, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count implements Store.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	var count uint64
	err := s.retryOperation(ctx, "count", func() error {
		res, err := s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.config.Collection,
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return err
		}
		count = res
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting points: %v", ErrStore, err)
	}
	return int(count), nil
}

// Close implements Store.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// buildQdrantFilter converts a Filter into Qdrant conditions. Returns nil for
// an empty filter.
func buildQdrantFilter(filter Filter) *qdrant.Filter {
	if filter.IsZero() {
		return nil
	}

	var must []*qdrant.Condition
	var mustNot []*qdrant.Condition

	if len(filter.DocumentKinds) > 0 {
		must = append(must, keywordsCondition("document_kind", filter.DocumentKinds))
	}
	if filter.DocumentID != "" {
		must = append(must, keywordCondition("document_id", filter.DocumentID))
	}
	if filter.EntityKey != "" {
		must = append(must, keywordCondition("entity_key", filter.EntityKey))
	}
	if !filter.DateFrom.IsZero() || !filter.DateTo.IsZero() {
		r := &qdrant.Range{}
		if !filter.DateFrom.IsZero() {
			r.Gte = qdrant.PtrOf(float64(filter.DateFrom.Unix()))
		}
		if !filter.DateTo.IsZero() {
			r.Lte = qdrant.PtrOf(float64(filter.DateTo.Unix()))
		}
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{Key: "source_date_unix", Range: r},
			},
		})
	}
	if filter.ExcludeDocumentID != "" {
		mustNot = append(mustNot, keywordCondition("document_id", filter.ExcludeDocumentID))
	}

	if len(must) == 0 && len(mustNot) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must, MustNot: mustNot}
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func keywordsCondition(key string, values []string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keywords{
						Keywords: &qdrant.RepeatedStrings{Strings: values},
					},
				},
			},
		},
	}
}

// chunkPayload converts a ChunkRecord into a typed Qdrant payload. The
// logical chunk id lives in the payload; point ids are UUIDs derived from it.
func chunkPayload(chunk *ChunkRecord) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		"id":               stringValue(chunk.ID),
		"document_kind":    stringValue(chunk.DocumentKind),
		"document_id":      stringValue(chunk.DocumentID),
		"entity_key":       stringValue(chunk.EntityKey),
		"title":            stringValue(chunk.Title),
		"content_preview":  stringValue(chunk.ContentPreview),
		"chunk_index":      intValue(int64(chunk.ChunkIndex)),
		"total_chunks":     intValue(int64(chunk.TotalChunks)),
		"provider_model":   stringValue(chunk.ProviderModel),
		"token_count":      intValue(int64(chunk.TokenCount)),
		"cost":             {Kind: &qdrant.Value_DoubleValue{DoubleValue: chunk.Cost}},
		"source_date":      stringValue(chunk.SourceDate.UTC().Format(time.RFC3339)),
		"source_date_unix": intValue(chunk.SourceDate.Unix()),
		"created_at":       stringValue(chunk.CreatedAt.UTC().Format(time.RFC3339)),
	}
	for k, v := range chunk.Extra {
		payload["extra_"+k] = stringValue(v)
	}
	return payload
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func intValue(i int64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: i}}
}

// chunkFromPayload rebuilds a ChunkRecord from a point payload.
func chunkFromPayload(payload map[string]*qdrant.Value, vector []float32) (ChunkRecord, error) {
	id := payloadString(payload, "id")
	if id == "" {
		return ChunkRecord{}, fmt.Errorf("payload missing chunk id")
	}

	sourceDate, err := time.Parse(time.RFC3339, payloadString(payload, "source_date"))
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("parsing source_date for %s: %w", id, err)
	}
	createdAt, _ := time.Parse(time.RFC3339, payloadString(payload, "created_at"))

	var extra map[string]string
	for k, v := range payload {
		if name, ok := strings.CutPrefix(k, "extra_"); ok {
			if extra == nil {
				extra = make(map[string]string)
			}
			extra[name] = v.GetStringValue()
		}
	}

	return ChunkRecord{
		ID:             id,
		DocumentKind:   payloadString(payload, "document_kind"),
		DocumentID:     payloadString(payload, "document_id"),
		EntityKey:      payloadString(payload, "entity_key"),
		Title:          payloadString(payload, "title"),
		ContentPreview: payloadString(payload, "content_preview"),
		ChunkIndex:     int(payloadInt(payload, "chunk_index")),
		TotalChunks:    int(payloadInt(payload, "total_chunks")),
		Vector:         vector,
		ProviderModel:  payloadString(payload, "provider_model"),
		TokenCount:     int(payloadInt(payload, "token_count")),
		Cost:           payloadDouble(payload, "cost"),
		SourceDate:     sourceDate,
		CreatedAt:      createdAt,
		Extra:          extra,
	}, nil
}

func payloadString(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func payloadInt(payload map[string]*qdrant.Value, key string) int64 {
	if v, ok := payload[key]; ok {
		return v.GetIntegerValue()
	}
	return 0
}

func payloadDouble(payload map[string]*qdrant.Value, key string) float64 {
	if v, ok := payload[key]; ok {
		return v.GetDoubleValue()
	}
	return 0
}

func vectorsOutputData(v *qdrant.VectorsOutput) []float32 {
	if v == nil {
		return nil
	}
	if vec := v.GetVector(); vec != nil {
		return vec.Data
	}
	return nil
}

var _ Store = (*QdrantStore)(nil)
