package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fooker/adacta/pkg/document"
)

// InMemoryRegistry keeps documents in a map. Used by tests and embedded
// operation; semantics match the SQL implementations exactly.
type InMemoryRegistry struct {
	mu   sync.RWMutex
	docs map[string]document.Document
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{docs: make(map[string]document.Document)}
}

func (r *InMemoryRegistry) Create(ctx context.Context, doc document.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.docs[doc.ID]; ok {
		return fmt.Errorf("%s: %w", doc.ID, ErrExists)
	}
	r.docs[doc.ID] = doc.Clone()
	return nil
}

func (r *InMemoryRegistry) Get(ctx context.Context, id string) (document.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.docs[id]
	if !ok {
		return document.Document{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return doc.Clone(), nil
}

func (r *InMemoryRegistry) Update(ctx context.Context, id string, expectedVersion int64, mutate func(*document.Document) error) (document.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.docs[id]
	if !ok || stored.Status == document.StatusDeleted {
		return document.Document{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return document.Document{}, fmt.Errorf("%s: expected version %d, have %d: %w", id, expectedVersion, stored.Version, ErrVersionConflict)
	}

	next := stored.Clone()
	if err := mutate(&next); err != nil {
		return document.Document{}, err
	}

	// The mutate callback owns content only.
	next.ID = stored.ID
	next.IndexedVersion = stored.IndexedVersion
	next.Version = stored.Version + 1

	r.docs[id] = next.Clone()
	return next, nil
}

func (r *InMemoryRegistry) Delete(ctx context.Context, id string, expectedVersion int64) (document.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.docs[id]
	if !ok || stored.Status == document.StatusDeleted {
		return document.Document{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return document.Document{}, fmt.Errorf("%s: expected version %d, have %d: %w", id, expectedVersion, stored.Version, ErrVersionConflict)
	}

	next := stored.Clone()
	next.Status = document.StatusDeleted
	next.Version = stored.Version + 1

	r.docs[id] = next.Clone()
	return next, nil
}

func (r *InMemoryRegistry) List(ctx context.Context) ([]document.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	docs := make([]document.Document, 0, len(r.docs))
	for _, doc := range r.docs {
		docs = append(docs, doc.Clone())
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (r *InMemoryRegistry) SetIndexedVersion(ctx context.Context, id string, version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.docs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if version > stored.IndexedVersion {
		stored.IndexedVersion = version
		r.docs[id] = stored
	}
	return nil
}

// Remove drops a record entirely. Garbage collection uses it to discard
// tombstones once the index confirmed the deletion.
func (r *InMemoryRegistry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	return nil
}

func (r *InMemoryRegistry) Close() error { return nil }
