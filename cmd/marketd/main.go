// Marketd is a retrieval substrate for market documents: it chunks and embeds
// filings, news, and transcripts, deduplicates embedding work by content
// fingerprint, serves recency-weighted similarity search, and caches analysis
// results keyed by their inputs.
//
// Usage:
//
//	# Start the daemon with defaults (embedded chromem store, in-memory caches)
//	marketd serve
//
//	# Point at a config file; environment variables override it
//	marketd serve --config /etc/marketd/config.yaml
//	SERVER_PORT=9280 marketd serve
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/marketd/internal/analysiscache"
	"github.com/fyrsmithlabs/marketd/internal/chunker"
	"github.com/fyrsmithlabs/marketd/internal/config"
	"github.com/fyrsmithlabs/marketd/internal/embedder"
	"github.com/fyrsmithlabs/marketd/internal/httpapi"
	"github.com/fyrsmithlabs/marketd/internal/kvstore"
	"github.com/fyrsmithlabs/marketd/internal/logging"
	"github.com/fyrsmithlabs/marketd/internal/provider"
	"github.com/fyrsmithlabs/marketd/internal/search"
	"github.com/fyrsmithlabs/marketd/internal/telemetry"
	"github.com/fyrsmithlabs/marketd/internal/vectorstore"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "marketd",
		Short:         "Market document embedding and retrieval daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("marketd %s (commit %s, built %s)\n", version, gitCommit, buildDate)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "marketd: %v\n", err)
		os.Exit(1)
	}
}

// run wires the daemon and blocks until the context is canceled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zl := logger.Underlying()

	logger.Info(ctx, "starting marketd",
		zap.String("version", version),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("cache_backend", cfg.Cache.Backend),
	)

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Observability.Enabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Endpoint,
		Protocol:       cfg.Observability.Protocol,
		Insecure:       cfg.Observability.Insecure,
		SampleRatio:    cfg.Observability.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "telemetry shutdown failed", zap.Error(err))
		}
	}()

	kv, natsConn, err := openKV(cfg, zl)
	if err != nil {
		return err
	}
	defer func() {
		_ = kv.Close()
		if natsConn != nil {
			natsConn.Close()
		}
	}()

	store, err := vectorstore.New(ctx, cfg.VectorStore, zl.Named("vectorstore"))
	if err != nil {
		return fmt.Errorf("initializing vector store: %w", err)
	}
	defer func() { _ = store.Close() }()

	client, err := provider.NewClient(provider.Config{
		BaseURL:        cfg.Provider.BaseURL,
		EmbeddingModel: cfg.Provider.EmbeddingModel,
		AnalysisModel:  cfg.Provider.AnalysisModel,
		APIKey:         cfg.Provider.APIKey.Value(),
		Timeout:        cfg.Provider.Timeout.Duration(),
	}, zl.Named("provider"))
	if err != nil {
		return fmt.Errorf("initializing provider client: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.Provider.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Provider.RequestsPerSecond), cfg.Provider.Burst)
	}

	ch := chunker.New(chunker.WithSafetyMargin(cfg.Batch.SafetyMargin))
	embedEngine := embedder.NewEngine(
		ch,
		client,
		store,
		embedder.NewEmbeddingCache(kv),
		embedder.NewSyncTracker(kv),
		limiter,
		zl.Named("embedder"),
		embedder.NewMetrics(zl),
		embedder.Options{MaxTokens: cfg.Batch.MaxTokens, Workers: cfg.Batch.Workers},
	)
	searchEngine := search.NewEngine(store, client, ch.Tokenizer(), zl.Named("search"))

	analysisCache := analysiscache.New(kv, zl.Named("analysiscache"))

	server, err := httpapi.NewServer(embedEngine, searchEngine, analysisCache, zl.Named("http"), httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// openKV builds the cache/sync KV backend. The returned connection is non-nil
// only for the NATS backend and must outlive the KV.
func openKV(cfg *config.Config, logger *zap.Logger) (kvstore.KV, *nats.Conn, error) {
	switch cfg.Cache.Backend {
	case "memory":
		return kvstore.NewMemoryKV(), nil, nil

	case "nats":
		nc, err := nats.Connect(cfg.Cache.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.Cache.NATS.URL, err)
		}
		logger.Info("connected to NATS", zap.String("url", cfg.Cache.NATS.URL))

		kv, err := kvstore.NewNATSKV(nc, cfg.Cache.NATS.BucketPrefix, logger.Named("kvstore"))
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return kv, nc, nil

	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}
