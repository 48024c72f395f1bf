package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store doing exact cosine scans. It backs tests
// and ephemeral runs; ordering is fully deterministic (similarity desc, then
// more recent SourceDate, then lower chunk ID).
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string]ChunkRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[string]ChunkRecord)}
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(ctx context.Context, chunks []ChunkRecord) error {
	if len(chunks) == 0 {
		return ErrEmptyChunks
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chunk := range chunks {
		s.chunks[chunk.ID] = chunk
	}
	return nil
}

// Query implements Store.
func (s *MemoryStore) Query(ctx context.Context, vector []float32, filter Filter, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	candidates := make([]ScoredChunk, 0, len(s.chunks))
	for _, chunk := range s.chunks {
		if !filter.Matches(&chunk) {
			continue
		}
		candidates = append(candidates, ScoredChunk{
			Chunk:      chunk,
			Similarity: cosineSimilarity(vector, chunk.Vector),
		})
	}
	s.mu.RUnlock()

	sortScoredChunks(candidates)

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (ChunkRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunk, ok := s.chunks[id]
	return chunk, ok, nil
}

// DocumentChunks implements Store.
func (s *MemoryStore) DocumentChunks(ctx context.Context, documentKind, documentID string) ([]ChunkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ChunkRecord
	for _, chunk := range s.chunks {
		if chunk.DocumentKind == documentKind && chunk.DocumentID == documentID {
			result = append(result, chunk)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ChunkIndex < result[j].ChunkIndex
	})
	return result, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, filter Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, chunk := range s.chunks {
		if filter.Matches(&chunk) {
			delete(s.chunks, id)
		}
	}
	return nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors score 0.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
