// Package httpapi exposes the embedding and retrieval engines over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/marketd/internal/analysiscache"
	"github.com/fyrsmithlabs/marketd/internal/embedder"
	"github.com/fyrsmithlabs/marketd/internal/search"
	"github.com/fyrsmithlabs/marketd/internal/vectorstore"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server wires the engines to their HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	embedder *embedder.Engine
	searcher *search.Engine
	analyses *analysiscache.Cache
	logger   *zap.Logger
	config   Config
}

// NewServer creates the HTTP server and registers routes.
func NewServer(embedEngine *embedder.Engine, searchEngine *search.Engine, analyses *analysiscache.Cache, logger *zap.Logger, cfg Config) (*Server, error) {
	if embedEngine == nil || searchEngine == nil || analyses == nil {
		return nil, fmt.Errorf("embedding engine, search engine, and analysis cache are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Port == 0 {
		cfg.Port = 9180
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		embedder: embedEngine,
		searcher: searchEngine,
		analyses: analyses,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/documents", s.handleEmbedBatch)
	v1.POST("/search", s.handleSearch)
	v1.POST("/search/hybrid", s.handleHybridSearch)
	v1.GET("/documents/:kind/:id/similar", s.handleFindSimilar)
	v1.GET("/documents/:kind/:id/verify", s.handleVerify)
	v1.POST("/context", s.handleBuildContext)
	v1.GET("/sync", s.handleSyncStatuses)
	v1.GET("/sync/:kind", s.handleSyncStatus)
	v1.POST("/analysis/lookup", s.handleAnalysisLookup)
	v1.POST("/analysis", s.handleAnalysisStore)
	v1.POST("/analysis/cleanup", s.handleAnalysisCleanup)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// DocumentRequest is one document in POST /api/v1/documents.
type DocumentRequest struct {
	Kind       string            `json:"kind"`
	ID         string            `json:"id"`
	EntityKey  string            `json:"entity_key"`
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	SourceDate time.Time         `json:"source_date"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// EmbedBatchRequest is the request body for POST /api/v1/documents.
type EmbedBatchRequest struct {
	Documents []DocumentRequest `json:"documents"`
}

// EmbedBatchResponse reports the batch outcome.
type EmbedBatchResponse struct {
	Embedded    int             `json:"embedded"`
	Cached      int             `json:"cached"`
	Failed      int             `json:"failed"`
	TotalTokens int             `json:"total_tokens"`
	TotalCost   float64         `json:"total_cost_usd"`
	Errors      []DocumentError `json:"errors,omitempty"`
}

// DocumentError is one failed document in an EmbedBatchResponse.
type DocumentError struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

func (s *Server) handleEmbedBatch(c echo.Context) error {
	var req EmbedBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Documents) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "documents field is required")
	}

	docs := make([]embedder.Document, len(req.Documents))
	for i, d := range req.Documents {
		docs[i] = embedder.Document{
			Kind:       d.Kind,
			ID:         d.ID,
			EntityKey:  d.EntityKey,
			Title:      d.Title,
			Content:    d.Content,
			SourceDate: d.SourceDate,
			Extra:      d.Extra,
		}
	}

	stats, err := s.embedder.EmbedBatch(c.Request().Context(), docs)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	resp := EmbedBatchResponse{
		Embedded:    stats.Embedded,
		Cached:      stats.Cached,
		Failed:      stats.Failed,
		TotalTokens: stats.TotalTokens,
		TotalCost:   stats.TotalCost,
	}
	for _, e := range stats.Errors {
		resp.Errors = append(resp.Errors, DocumentError{Kind: e.DocumentKind, ID: e.DocumentID, Error: e.Err.Error()})
	}
	return c.JSON(http.StatusOK, resp)
}

// SearchRequest is the request body for the search endpoints.
type SearchRequest struct {
	Query         string    `json:"query"`
	Keywords      []string  `json:"keywords,omitempty"`
	TopK          int       `json:"top_k,omitempty"`
	MinSimilarity float32   `json:"min_similarity,omitempty"`
	Kinds         []string  `json:"kinds,omitempty"`
	EntityKey     string    `json:"entity_key,omitempty"`
	DateFrom      time.Time `json:"date_from,omitempty"`
	DateTo        time.Time `json:"date_to,omitempty"`
}

func (r *SearchRequest) options() search.Options {
	return search.Options{
		TopK:          r.TopK,
		MinSimilarity: r.MinSimilarity,
		Filter: vectorstore.Filter{
			DocumentKinds: r.Kinds,
			EntityKey:     r.EntityKey,
			DateFrom:      r.DateFrom,
			DateTo:        r.DateTo,
		},
	}
}

// SearchResult is one ranked chunk in a SearchResponse.
type SearchResult struct {
	ChunkID      string    `json:"chunk_id"`
	Kind         string    `json:"kind"`
	DocumentID   string    `json:"document_id"`
	EntityKey    string    `json:"entity_key"`
	Title        string    `json:"title,omitempty"`
	Content      string    `json:"content"`
	SourceDate   time.Time `json:"source_date"`
	Similarity   float32   `json:"similarity"`
	Score        float32   `json:"score"`
	KeywordMatch bool      `json:"keyword_match,omitempty"`
}

// SearchResponse is the response body for the search endpoints.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

func toSearchResponse(results []search.Result) SearchResponse {
	resp := SearchResponse{Results: make([]SearchResult, len(results))}
	for i, r := range results {
		resp.Results[i] = SearchResult{
			ChunkID:      r.Chunk.ID,
			Kind:         r.Chunk.DocumentKind,
			DocumentID:   r.Chunk.DocumentID,
			EntityKey:    r.Chunk.EntityKey,
			Title:        r.Chunk.Title,
			Content:      r.Chunk.ContentPreview,
			SourceDate:   r.Chunk.SourceDate,
			Similarity:   r.Similarity,
			Score:        r.Score,
			KeywordMatch: r.KeywordMatch,
		}
	}
	return resp
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	results, err := s.searcher.Search(c.Request().Context(), req.Query, req.options())
	if err != nil {
		return searchError(err)
	}
	return c.JSON(http.StatusOK, toSearchResponse(results))
}

func (s *Server) handleHybridSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	results, err := s.searcher.HybridSearch(c.Request().Context(), req.Query, req.Keywords, req.options())
	if err != nil {
		return searchError(err)
	}
	return c.JSON(http.StatusOK, toSearchResponse(results))
}

func (s *Server) handleFindSimilar(c echo.Context) error {
	sameEntity := c.QueryParam("same_entity") == "true"
	opts := search.Options{}
	if topK := c.QueryParam("top_k"); topK != "" {
		if _, err := fmt.Sscanf(topK, "%d", &opts.TopK); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid top_k")
		}
	}

	results, err := s.searcher.FindSimilar(c.Request().Context(), c.Param("kind"), c.Param("id"), sameEntity, opts)
	if err != nil {
		if errors.Is(err, search.ErrDocumentNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return searchError(err)
	}
	return c.JSON(http.StatusOK, toSearchResponse(results))
}

// VerifyResponse is the response body for the chunk integrity check.
type VerifyResponse struct {
	Stored   int  `json:"stored_chunks"`
	Expected int  `json:"expected_chunks"`
	Complete bool `json:"complete"`
}

func (s *Server) handleVerify(c echo.Context) error {
	stored, expected, err := s.embedder.VerifyDocument(c.Request().Context(), c.Param("kind"), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if stored == 0 && expected == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	return c.JSON(http.StatusOK, VerifyResponse{
		Stored:   stored,
		Expected: expected,
		Complete: stored == expected,
	})
}

// ContextRequest is the request body for POST /api/v1/context.
type ContextRequest struct {
	Query     string    `json:"query"`
	MaxTokens int       `json:"max_tokens"`
	Kinds     []string  `json:"kinds,omitempty"`
	EntityKey string    `json:"entity_key,omitempty"`
	DateFrom  time.Time `json:"date_from,omitempty"`
}

// ContextResponse carries the assembled context block.
type ContextResponse struct {
	Context string `json:"context"`
}

func (s *Server) handleBuildContext(c echo.Context) error {
	var req ContextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.MaxTokens <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "max_tokens must be positive")
	}

	block, err := s.searcher.BuildContext(c.Request().Context(), req.Query, req.MaxTokens, vectorstore.Filter{
		DocumentKinds: req.Kinds,
		EntityKey:     req.EntityKey,
		DateFrom:      req.DateFrom,
	})
	if err != nil {
		return searchError(err)
	}
	return c.JSON(http.StatusOK, ContextResponse{Context: block})
}

// SyncStatusResponse is one stream watermark.
type SyncStatusResponse struct {
	Kind           string    `json:"kind"`
	EntityKey      string    `json:"entity_key"`
	LastDocumentID string    `json:"last_document_id"`
	LastSyncAt     time.Time `json:"last_sync_at"`
	DocumentCount  int       `json:"document_count"`
	CostTotal      float64   `json:"cost_total"`
}

func toSyncStatusResponse(status embedder.SyncStatus) SyncStatusResponse {
	return SyncStatusResponse{
		Kind:           status.DocumentKind,
		EntityKey:      status.EntityKey,
		LastDocumentID: status.LastDocumentID,
		LastSyncAt:     status.LastSyncAt,
		DocumentCount:  status.DocumentCount,
		CostTotal:      status.CostTotal,
	}
}

func (s *Server) handleSyncStatuses(c echo.Context) error {
	statuses, err := s.embedder.SyncStatuses(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]SyncStatusResponse, len(statuses))
	for i, status := range statuses {
		resp[i] = toSyncStatusResponse(status)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSyncStatus(c echo.Context) error {
	status, ok, err := s.embedder.SyncStatus(c.Request().Context(), c.Param("kind"), c.QueryParam("entity"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no sync status for stream")
	}
	return c.JSON(http.StatusOK, toSyncStatusResponse(status))
}

// AnalysisLookupRequest identifies an analysis by its inputs.
type AnalysisLookupRequest struct {
	EntityKey     string         `json:"entity_key"`
	AnalysisKind  string         `json:"analysis_kind"`
	Features      map[string]any `json:"features,omitempty"`
	PromptVersion string         `json:"prompt_version,omitempty"`
}

// AnalysisStoreRequest caches an analysis result under its input key.
type AnalysisStoreRequest struct {
	AnalysisLookupRequest
	Result     json.RawMessage `json:"result"`
	InputCost  float64         `json:"input_cost,omitempty"`
	OutputCost float64         `json:"output_cost,omitempty"`
	ModelUsed  string          `json:"model_used,omitempty"`
}

// AnalysisEntryResponse is a cached analysis result.
type AnalysisEntryResponse struct {
	CacheID       string          `json:"cache_id"`
	EntityKey     string          `json:"entity_key"`
	AnalysisKind  string          `json:"analysis_kind"`
	PromptVersion string          `json:"prompt_version"`
	Result        json.RawMessage `json:"result"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	ModelUsed     string          `json:"model_used,omitempty"`
}

func toAnalysisEntryResponse(entry analysiscache.Entry) AnalysisEntryResponse {
	return AnalysisEntryResponse{
		CacheID:       entry.CacheID,
		EntityKey:     entry.EntityKey,
		AnalysisKind:  entry.AnalysisKind,
		PromptVersion: entry.PromptVersion,
		Result:        entry.Result,
		CreatedAt:     entry.CreatedAt,
		ExpiresAt:     entry.ExpiresAt,
		ModelUsed:     entry.ModelUsed,
	}
}

func (s *Server) handleAnalysisLookup(c echo.Context) error {
	var req AnalysisLookupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AnalysisKind == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "analysis_kind is required")
	}

	cacheID, err := analysiscache.Key(req.EntityKey, req.AnalysisKind, req.Features, req.PromptVersion)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	entry, ok, err := s.analyses.Get(c.Request().Context(), cacheID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no cached analysis")
	}
	return c.JSON(http.StatusOK, toAnalysisEntryResponse(entry))
}

func (s *Server) handleAnalysisStore(c echo.Context) error {
	var req AnalysisStoreRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AnalysisKind == "" || len(req.Result) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "analysis_kind and result are required")
	}

	cacheID, err := analysiscache.Key(req.EntityKey, req.AnalysisKind, req.Features, req.PromptVersion)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	entry := analysiscache.Entry{
		EntityKey:     req.EntityKey,
		AnalysisKind:  req.AnalysisKind,
		PromptVersion: req.PromptVersion,
		Result:        req.Result,
		InputCost:     req.InputCost,
		OutputCost:    req.OutputCost,
		ModelUsed:     req.ModelUsed,
	}
	if err := s.analyses.Set(c.Request().Context(), cacheID, entry); err != nil {
		if errors.Is(err, analysiscache.ErrInvalidEntry) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	stored, _, err := s.analyses.Get(c.Request().Context(), cacheID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toAnalysisEntryResponse(stored))
}

// AnalysisCleanupResponse reports how many expired entries were removed.
type AnalysisCleanupResponse struct {
	Removed int `json:"removed"`
}

func (s *Server) handleAnalysisCleanup(c echo.Context) error {
	removed, err := s.analyses.Cleanup(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, AnalysisCleanupResponse{Removed: removed})
}

// searchError maps search failures onto HTTP statuses.
func searchError(err error) error {
	if errors.Is(err, search.ErrEmptyQuery) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
