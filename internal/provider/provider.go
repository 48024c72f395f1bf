// Package provider defines the embedding and analysis provider boundary.
//
// The provider must report token usage in its responses; all cost accounting
// downstream is derived from provider-reported counts, never from estimates.
package provider

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrEmptyInput indicates empty input text or prompt.
	ErrEmptyInput = errors.New("empty input")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid provider configuration")

	// ErrProvider indicates a failed provider request. Transient; safe to
	// retry with backoff.
	ErrProvider = errors.New("provider request failed")

	// ErrProviderTimeout indicates the provider call exceeded the caller's
	// deadline. No partial results exist after a timeout.
	ErrProviderTimeout = errors.New("provider request timed out")
)

// Embedding is a provider-generated vector with its reported token usage.
type Embedding struct {
	Vector []float32
	Tokens int
}

// Analysis is a provider-generated JSON analysis with its reported usage.
type Analysis struct {
	Result       json.RawMessage
	InputTokens  int
	OutputTokens int
}

// Embedder generates vector embeddings from text.
//
// Embeddings from different models are never comparable; Model identifies the
// model so stored vectors can be matched against query vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) (Embedding, error)
	Model() string
}

// Analyzer runs an analysis prompt and returns its JSON result.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (Analysis, error)
	AnalysisModel() string
}
