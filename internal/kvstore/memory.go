package kvstore

import (
	"context"
	"sync"
)

// MemoryKV is an in-process KV backed by nested maps.
type MemoryKV struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{buckets: make(map[string]map[string][]byte)}
}

// Get implements KV.
func (s *MemoryKV) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	if bucket == "" || key == "" {
		return nil, false, ErrInvalidKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.buckets[bucket][key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

// Put implements KV.
func (s *MemoryKV) Put(ctx context.Context, bucket, key string, value []byte) error {
	if bucket == "" || key == "" {
		return ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	b[key] = stored
	return nil
}

// PutIfAbsent implements KV.
func (s *MemoryKV) PutIfAbsent(ctx context.Context, bucket, key string, value []byte) (bool, error) {
	if bucket == "" || key == "" {
		return false, ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	if _, exists := b[key]; exists {
		return false, nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	b[key] = stored
	return true, nil
}

// Delete implements KV.
func (s *MemoryKV) Delete(ctx context.Context, bucket, key string) error {
	if bucket == "" || key == "" {
		return ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], key)
	return nil
}

// Keys implements KV.
func (s *MemoryKV) Keys(ctx context.Context, bucket string) ([]string, error) {
	if bucket == "" {
		return nil, ErrInvalidKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for key := range s.buckets[bucket] {
		keys = append(keys, key)
	}
	return keys, nil
}

// Close implements KV.
func (s *MemoryKV) Close() error {
	return nil
}

var _ KV = (*MemoryKV)(nil)
