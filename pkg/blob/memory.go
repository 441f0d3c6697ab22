package blob

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and embedded operation.
type MemoryStore struct {
	alg   Algorithm
	mu    sync.RWMutex
	blobs map[Ref][]byte
	times map[Ref]time.Time
}

// NewMemoryStore creates an empty in-memory blob store hashing with alg.
func NewMemoryStore(alg Algorithm) *MemoryStore {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	return &MemoryStore{
		alg:   alg,
		blobs: make(map[Ref][]byte),
		times: make(map[Ref]time.Time),
	}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (Ref, error) {
	ref, err := Sum(s.alg, data)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Content-addressed: if the ref exists, the content is identical.
	if _, ok := s.blobs[ref]; ok {
		return ref, nil
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[ref] = cp
	s.times[ref] = time.Now()
	return ref, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[ref]
	return ok, nil
}

func (s *MemoryStore) Stat(ctx context.Context, ref Ref) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[ref]
	if !ok {
		return Info{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return Info{Ref: ref, Size: int64(len(data)), ModTime: s.times[ref]}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, ref)
	delete(s.times, ref)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]Ref, 0, len(s.blobs))
	for ref := range s.blobs {
		refs = append(refs, ref)
	}
	return refs, nil
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
