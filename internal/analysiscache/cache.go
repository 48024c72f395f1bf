// Package analysiscache caches AI analysis results keyed by what produced
// them: the entity, the analysis kind, a fingerprint of the input features,
// and the prompt version. Any input change produces a different key, so
// entries never need explicit invalidation when data moves.
package analysiscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/marketd/internal/fingerprint"
	"github.com/fyrsmithlabs/marketd/internal/kvstore"
)

var tracer = otel.Tracer("marketd.analysiscache")

const bucket = "analysis_cache"

// ErrInvalidEntry indicates a cache write missing required fields.
var ErrInvalidEntry = errors.New("invalid cache entry")

// KindPolicy sets the prompt version and lifetime for one analysis kind.
type KindPolicy struct {
	PromptVersion string
	TTL           time.Duration
}

// kindPolicies maps each analysis kind to its defaults. Slow-moving analyses
// live longer; anything reading market mood expires within a day.
var kindPolicies = map[string]KindPolicy{
	"filing_summary":  {PromptVersion: "v3", TTL: 90 * 24 * time.Hour},
	"dividend_safety": {PromptVersion: "v1", TTL: 7 * 24 * time.Hour},
	"thesis":          {PromptVersion: "v1", TTL: 7 * 24 * time.Hour},
	"sentiment":       {PromptVersion: "v1", TTL: 24 * time.Hour},
	"market_regime":   {PromptVersion: "v1", TTL: 24 * time.Hour},
}

// defaultPolicy covers kinds without an explicit policy.
var defaultPolicy = KindPolicy{PromptVersion: "v1", TTL: 7 * 24 * time.Hour}

// PolicyFor returns the policy for an analysis kind.
func PolicyFor(analysisKind string) KindPolicy {
	if p, ok := kindPolicies[analysisKind]; ok {
		return p
	}
	return defaultPolicy
}

// Entry is one cached analysis result.
type Entry struct {
	CacheID       string          `json:"cache_id"`
	EntityKey     string          `json:"entity_key"`
	AnalysisKind  string          `json:"analysis_kind"`
	PromptVersion string          `json:"prompt_version"`
	Result        json.RawMessage `json:"result"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	InputCost     float64         `json:"input_cost"`
	OutputCost    float64         `json:"output_cost"`
	ModelUsed     string          `json:"model_used"`
}

// Cache stores analysis results in a KV bucket. Expiry is lazy: expired
// entries are treated as misses on read and reaped by Cleanup.
type Cache struct {
	kv     kvstore.KV
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Cache over the given KV.
func New(kv kvstore.KV, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{kv: kv, logger: logger, now: time.Now}
}

// Key derives the cache id for an analysis request. features is fingerprinted
// order-independently; an empty promptVersion takes the kind's default.
func Key(entityKey, analysisKind string, features map[string]any, promptVersion string) (string, error) {
	if promptVersion == "" {
		promptVersion = PolicyFor(analysisKind).PromptVersion
	}
	featureFP, err := fingerprint.Features(features)
	if err != nil {
		return "", fmt.Errorf("fingerprinting features: %w", err)
	}
	return fingerprint.AnalysisKey(entityKey, analysisKind, featureFP, promptVersion), nil
}

// Get returns a live entry for the cache id. Expired or absent entries are
// misses; Get never mutates the store.
func (c *Cache) Get(ctx context.Context, cacheID string) (Entry, bool, error) {
	ctx, span := tracer.Start(ctx, "Cache.Get")
	defer span.End()

	data, ok, err := c.kv.Get(ctx, bucket, cacheID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Entry{}, false, fmt.Errorf("reading analysis cache: %w", err)
	}
	if !ok {
		span.SetAttributes(attribute.Bool("hit", false))
		return Entry{}, false, nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decoding analysis cache entry: %w", err)
	}
	if !entry.ExpiresAt.After(c.now()) {
		span.SetAttributes(attribute.Bool("hit", false), attribute.Bool("expired", true))
		return Entry{}, false, nil
	}

	span.SetAttributes(attribute.Bool("hit", true))
	return entry, true, nil
}

// Set stores a result under the cache id. A zero ExpiresAt takes the kind's
// TTL from the write time; writes overwrite any previous entry for the id.
func (c *Cache) Set(ctx context.Context, cacheID string, entry Entry) error {
	ctx, span := tracer.Start(ctx, "Cache.Set")
	defer span.End()

	if cacheID == "" || entry.AnalysisKind == "" {
		return fmt.Errorf("%w: cache id and analysis kind required", ErrInvalidEntry)
	}
	if len(entry.Result) == 0 {
		return fmt.Errorf("%w: result required", ErrInvalidEntry)
	}

	entry.CacheID = cacheID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.now().UTC()
	}
	if entry.PromptVersion == "" {
		entry.PromptVersion = PolicyFor(entry.AnalysisKind).PromptVersion
	}
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = entry.CreatedAt.Add(PolicyFor(entry.AnalysisKind).TTL)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding analysis cache entry: %w", err)
	}
	if err := c.kv.Put(ctx, bucket, cacheID, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("writing analysis cache: %w", err)
	}

	span.SetAttributes(attribute.String("analysis_kind", entry.AnalysisKind))
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Cleanup removes expired entries and returns how many were removed.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Cache.Cleanup")
	defer span.End()

	keys, err := c.kv.Keys(ctx, bucket)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("listing analysis cache keys: %w", err)
	}

	removed := 0
	now := c.now()
	for _, key := range keys {
		data, ok, err := c.kv.Get(ctx, bucket, key)
		if err != nil || !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			// Undecodable entries can only get in through a version
			// skew; reap them too.
			_ = c.kv.Delete(ctx, bucket, key)
			removed++
			continue
		}
		if !entry.ExpiresAt.After(now) {
			if err := c.kv.Delete(ctx, bucket, key); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		c.logger.Info("analysis cache cleanup", zap.Int("removed", removed))
	}
	span.SetAttributes(attribute.Int("removed", removed))
	span.SetStatus(codes.Ok, "success")
	return removed, nil
}

// InvalidateKind removes every entry of one analysis kind whose prompt
// version differs from the current policy. Run after a prompt rollout to
// reclaim space; correctness does not depend on it because stale versions can
// no longer be addressed.
func (c *Cache) InvalidateKind(ctx context.Context, analysisKind string) (int, error) {
	keys, err := c.kv.Keys(ctx, bucket)
	if err != nil {
		return 0, fmt.Errorf("listing analysis cache keys: %w", err)
	}

	current := PolicyFor(analysisKind).PromptVersion
	removed := 0
	for _, key := range keys {
		data, ok, err := c.kv.Get(ctx, bucket, key)
		if err != nil || !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if entry.AnalysisKind == analysisKind && entry.PromptVersion != current {
			if err := c.kv.Delete(ctx, bucket, key); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
