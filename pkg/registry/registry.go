// Package registry is the single source of truth for document records. All
// content mutations go through optimistic concurrency: callers present the
// version they read, and a mismatch means another writer got there first.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/fooker/adacta/pkg/document"
)

var (
	// ErrNotFound is returned when no document exists under the requested
	// id. Content mutations on tombstoned documents report it too.
	ErrNotFound = errors.New("document not found")

	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("document already exists")

	// ErrVersionConflict is returned when the caller's expected version no
	// longer matches the stored one. The caller re-reads and retries.
	ErrVersionConflict = errors.New("document version conflict")
)

// Registry stores document records.
//
// Update and Delete are guarded by the document version: the mutation only
// applies when expectedVersion matches the stored version, and every applied
// mutation increments it. SetIndexedVersion is the one version-neutral
// write; it moves the sync marker without touching document content.
type Registry interface {
	// Create persists a new document, or ErrExists.
	Create(ctx context.Context, doc document.Document) error

	// Get returns the document under id, tombstones included, or
	// ErrNotFound.
	Get(ctx context.Context, id string) (document.Document, error)

	// Update applies mutate to the stored document and increments its
	// version. Returns ErrVersionConflict when expectedVersion is stale and
	// ErrNotFound for absent or tombstoned documents. The mutate callback
	// must not touch ID, Version, or IndexedVersion; those are owned here.
	Update(ctx context.Context, id string, expectedVersion int64, mutate func(*document.Document) error) (document.Document, error)

	// Delete tombstones the document and increments its version, so the
	// index synchronizer observes the deletion. The record itself is kept
	// until garbage collection confirms the index caught up.
	Delete(ctx context.Context, id string, expectedVersion int64) (document.Document, error)

	// List returns all documents, tombstones included.
	List(ctx context.Context) ([]document.Document, error)

	// SetIndexedVersion records that the search index holds the projection
	// of the given document version. Monotonic: an older version than the
	// recorded one is a no-op. Works on tombstones.
	SetIndexedVersion(ctx context.Context, id string, version int64) error

	// Remove drops a record entirely. Reserved for garbage collection of
	// tombstones whose deletion the index has confirmed. Removing an absent
	// id is not an error.
	Remove(ctx context.Context, id string) error

	Close() error
}

// Mutate is the re-read-and-retry loop around Update for callers that can
// replay their mutation: on ErrVersionConflict the document is fetched again
// and mutate re-applied, up to maxAttempts times.
func Mutate(ctx context.Context, r Registry, id string, maxAttempts int, mutate func(*document.Document) error) (document.Document, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var last error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		doc, err := r.Get(ctx, id)
		if err != nil {
			return document.Document{}, err
		}
		updated, err := r.Update(ctx, id, doc.Version, mutate)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return document.Document{}, err
		}
		last = err
	}
	return document.Document{}, fmt.Errorf("update of %s contested after %d attempts: %w", id, maxAttempts, last)
}
