package embedder

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/marketd/internal/embedder"

// Metrics holds embedding pipeline metrics.
type Metrics struct {
	meter     metric.Meter
	logger    *zap.Logger
	duration  metric.Float64Histogram
	chunks    metric.Int64Histogram
	cacheHits metric.Int64Counter
	tokens    metric.Int64Counter
	cost      metric.Float64Counter
	errors    metric.Int64Counter
}

// NewMetrics creates a Metrics instance for the embedding pipeline.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"marketd.embedder.document_duration_seconds",
		metric.WithDescription("End-to-end duration of embedding one document, labeled by document kind and outcome (embedded, cached, failed)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.chunks, err = m.meter.Int64Histogram(
		"marketd.embedder.chunks_per_document",
		metric.WithDescription("Number of chunks produced per document"),
		metric.WithUnit("{chunk}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 10, 25, 50, 100),
	)
	if err != nil {
		m.logger.Warn("failed to create chunks histogram", zap.Error(err))
	}

	m.cacheHits, err = m.meter.Int64Counter(
		"marketd.embedder.cache_hits_total",
		metric.WithDescription("Documents skipped because their content fingerprint was already embedded"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		m.logger.Warn("failed to create cache hits counter", zap.Error(err))
	}

	m.tokens, err = m.meter.Int64Counter(
		"marketd.embedder.tokens_total",
		metric.WithDescription("Provider-reported tokens consumed by embedding calls"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		m.logger.Warn("failed to create tokens counter", zap.Error(err))
	}

	m.cost, err = m.meter.Float64Counter(
		"marketd.embedder.cost_usd_total",
		metric.WithDescription("Estimated embedding spend in USD, derived from provider-reported usage"),
		metric.WithUnit("{usd}"),
	)
	if err != nil {
		m.logger.Warn("failed to create cost counter", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"marketd.embedder.errors_total",
		metric.WithDescription("Documents that failed to embed, labeled by document kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}
}

// RecordDocument records the outcome of embedding one document.
func (m *Metrics) RecordDocument(ctx context.Context, kind, outcome string, duration time.Duration, chunks, tokens int, cost float64) {
	attrs := metric.WithAttributes(
		attribute.String("document_kind", kind),
		attribute.String("outcome", outcome),
	)
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
	if m.chunks != nil && chunks > 0 {
		m.chunks.Record(ctx, int64(chunks), attrs)
	}
	if m.tokens != nil && tokens > 0 {
		m.tokens.Add(ctx, int64(tokens), attrs)
	}
	if m.cost != nil && cost > 0 {
		m.cost.Add(ctx, cost, attrs)
	}
	switch outcome {
	case "cached":
		if m.cacheHits != nil {
			m.cacheHits.Add(ctx, 1, attrs)
		}
	case "failed":
		if m.errors != nil {
			m.errors.Add(ctx, 1, attrs)
		}
	}
}
