package vectorstore

import (
	"fmt"
	"time"
)

// ChunkRecord is one embedded chunk of a logical document, as persisted in the
// vector store.
//
// For a given (DocumentKind, DocumentID), ChunkIndex is a dense 0-based
// sequence of length TotalChunks, and all chunks share DocumentKind,
// DocumentID, EntityKey and ProviderModel. Records are immutable after
// creation; re-embedding identical content is rejected through the embedding
// cache, not by overwriting.
type ChunkRecord struct {
	// ID is the unique chunk identifier. See ChunkID for its construction.
	ID string

	// DocumentKind classifies the source document: filing, news, transcript.
	DocumentKind string

	// DocumentID identifies the logical document within its kind.
	DocumentID string

	// EntityKey ties the chunk to an entity, typically a ticker symbol.
	EntityKey string

	Title          string
	ContentPreview string

	ChunkIndex  int
	TotalChunks int

	// Vector is the embedding. Vectors from different ProviderModels are
	// never compared.
	Vector        []float32
	ProviderModel string

	// TokenCount and Cost come from provider-reported usage.
	TokenCount int
	Cost       float64

	SourceDate time.Time
	CreatedAt  time.Time

	// Extra holds free-form metadata beyond the typed core fields.
	Extra map[string]string
}

// ChunkID builds the deterministic chunk identifier. The zero-padded index
// makes ids of one document sort in chunk order, which the search tie-break
// relies on for reproducible ordering.
func ChunkID(documentKind, documentID string, chunkIndex int) string {
	return fmt.Sprintf("%s:%s:%04d", documentKind, documentID, chunkIndex)
}

// ScoredChunk is a query result with its raw similarity score.
type ScoredChunk struct {
	Chunk ChunkRecord

	// Similarity is the cosine similarity against the query vector,
	// higher is more similar.
	Similarity float32
}

// Filter restricts queries and deletes to a metadata-defined subset.
// Zero-valued fields are ignored.
type Filter struct {
	// DocumentKinds restricts to any of the given kinds.
	DocumentKinds []string

	// DocumentID restricts to a single logical document.
	DocumentID string

	// EntityKey restricts to one entity.
	EntityKey string

	// DateFrom/DateTo bound SourceDate (inclusive).
	DateFrom time.Time
	DateTo   time.Time

	// ExcludeDocumentID drops all chunks of the given document. Used by
	// find-similar to exclude the anchor document itself.
	ExcludeDocumentID string
}

// Matches reports whether the record satisfies every set constraint.
func (f Filter) Matches(rec *ChunkRecord) bool {
	if len(f.DocumentKinds) > 0 {
		found := false
		for _, kind := range f.DocumentKinds {
			if rec.DocumentKind == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DocumentID != "" && rec.DocumentID != f.DocumentID {
		return false
	}
	if f.EntityKey != "" && rec.EntityKey != f.EntityKey {
		return false
	}
	if !f.DateFrom.IsZero() && rec.SourceDate.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && rec.SourceDate.After(f.DateTo) {
		return false
	}
	if f.ExcludeDocumentID != "" && rec.DocumentID == f.ExcludeDocumentID {
		return false
	}
	return true
}

// IsZero reports whether the filter has no constraints.
func (f Filter) IsZero() bool {
	return len(f.DocumentKinds) == 0 &&
		f.DocumentID == "" &&
		f.EntityKey == "" &&
		f.DateFrom.IsZero() &&
		f.DateTo.IsZero() &&
		f.ExcludeDocumentID == ""
}
