// Package chunker splits document text into token-bounded segments for an
// embedding provider with a hard input-size limit.
//
// A safety margin is subtracted from the provider limit so downstream prompt
// assembly never exceeds it. Text that already fits within the limit is
// returned unchanged, byte for byte, so single-segment documents hash
// identically to their un-chunked form.
package chunker

import (
	"errors"
	"fmt"
	"iter"
	"strings"
)

var (
	// ErrEmptyText indicates empty or whitespace-only input.
	ErrEmptyText = errors.New("text cannot be empty")

	// ErrInvalidLimit indicates a token limit that leaves no room for content.
	ErrInvalidLimit = errors.New("invalid token limit")
)

// DefaultSafetyMargin is the number of tokens reserved below the provider's
// hard limit for each produced segment.
const DefaultSafetyMargin = 100

// Tokenizer converts text to a token stream and counts tokens.
//
// The default implementation treats whitespace-delimited words as tokens. It
// approximates provider tokenization, which is acceptable because the safety
// margin absorbs the difference; inject a model-specific tokenizer for exact
// budgets.
type Tokenizer interface {
	// Tokens splits text into its token sequence.
	Tokens(text string) []string

	// Count returns the number of tokens in text.
	Count(text string) int
}

// WordTokenizer tokenizes on Unicode whitespace.
type WordTokenizer struct{}

// Tokens implements Tokenizer.
func (WordTokenizer) Tokens(text string) []string {
	return strings.Fields(text)
}

// Count implements Tokenizer.
func (WordTokenizer) Count(text string) int {
	return len(strings.Fields(text))
}

// Chunker splits text into token-bounded segments.
type Chunker struct {
	tokenizer    Tokenizer
	safetyMargin int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithTokenizer replaces the default word tokenizer.
func WithTokenizer(t Tokenizer) Option {
	return func(c *Chunker) {
		if t != nil {
			c.tokenizer = t
		}
	}
}

// WithSafetyMargin overrides DefaultSafetyMargin. Negative values are ignored.
func WithSafetyMargin(margin int) Option {
	return func(c *Chunker) {
		if margin >= 0 {
			c.safetyMargin = margin
		}
	}
}

// New creates a Chunker with the default word tokenizer and safety margin.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		tokenizer:    WordTokenizer{},
		safetyMargin: DefaultSafetyMargin,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tokenizer returns the tokenizer used for segment sizing.
func (c *Chunker) Tokenizer() Tokenizer {
	return c.tokenizer
}

// Chunk splits text into segments of at most maxTokens - safetyMargin tokens.
//
// If the whole text fits within maxTokens it is yielded unchanged as the only
// segment. Otherwise segments are produced lazily in a single pass over the
// token stream; the final segment may be shorter. The returned sequence is not
// restartable: ranging over it a second time resumes where the first range
// stopped.
//
// Segment indices are assigned by the caller.
func (c *Chunker) Chunk(text string, maxTokens int) (iter.Seq[string], error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if maxTokens <= 0 {
		return nil, fmt.Errorf("%w: max tokens must be positive, got %d", ErrInvalidLimit, maxTokens)
	}

	if c.tokenizer.Count(text) <= maxTokens {
		yielded := false
		return func(yield func(string) bool) {
			if !yielded {
				yielded = true
				yield(text)
			}
		}, nil
	}

	segmentSize := maxTokens - c.safetyMargin
	if segmentSize <= 0 {
		return nil, fmt.Errorf("%w: max tokens %d does not exceed safety margin %d",
			ErrInvalidLimit, maxTokens, c.safetyMargin)
	}

	tokens := c.tokenizer.Tokens(text)
	pos := 0
	return func(yield func(string) bool) {
		for pos < len(tokens) {
			end := pos + segmentSize
			if end > len(tokens) {
				end = len(tokens)
			}
			segment := strings.Join(tokens[pos:end], " ")
			pos = end
			if !yield(segment) {
				return
			}
		}
	}, nil
}

// ChunkAll collects all segments of Chunk into a slice.
func (c *Chunker) ChunkAll(text string, maxTokens int) ([]string, error) {
	seq, err := c.Chunk(text, maxTokens)
	if err != nil {
		return nil, err
	}
	var segments []string
	for segment := range seq {
		segments = append(segments, segment)
	}
	return segments, nil
}
