// Package blob implements immutable, content-addressed storage for raw and
// derived document payloads. Blobs are identified by the cryptographic hash
// of their content: equal content yields equal refs and a single stored copy.
// Backends: local filesystem (sharded by hash prefix), S3-compatible object
// storage, Google Cloud Storage (behind the `gcp` build tag), and in-memory.
package blob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no blob is stored under the requested ref.
var ErrNotFound = errors.New("blob not found")

// Info describes a stored blob.
type Info struct {
	Ref     Ref
	Size    int64
	ModTime time.Time
}

// Store is the contract for content-addressed blob storage.
//
// Writes are atomic: a partially written blob is never visible under its
// final ref. Content is never mutated in place; Delete is reserved for
// garbage collection of unreferenced blobs.
type Store interface {
	// Put persists data and returns its content address. Storing the same
	// content twice is a no-op yielding the same ref; concurrent identical
	// writes are safe.
	Put(ctx context.Context, data []byte) (Ref, error)

	// Get retrieves the content stored under ref, or ErrNotFound.
	Get(ctx context.Context, ref Ref) ([]byte, error)

	// Exists reports whether a blob is stored under ref.
	Exists(ctx context.Context, ref Ref) (bool, error)

	// Stat reports size and storage timestamp of the blob under ref.
	Stat(ctx context.Context, ref Ref) (Info, error)

	// Delete removes the blob stored under ref. Deleting an absent blob is
	// not an error.
	Delete(ctx context.Context, ref Ref) error

	// List returns the refs of all stored blobs.
	List(ctx context.Context) ([]Ref, error)
}
