package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fooker/adacta/pkg/blob"
	"github.com/fooker/adacta/pkg/document"
	"github.com/fooker/adacta/pkg/observability"
	"github.com/fooker/adacta/pkg/registry"
)

// ErrStale reports a sync request carrying an older document version than
// what the index already holds for that id. The write was dropped.
var ErrStale = errors.New("index: stale write dropped")

// Synchronizer keeps the search projection convergent with the registry.
// Sync runs after pipeline completion and on demand; Reconcile repairs
// whatever a crash or engine outage left behind. The sync marker on the
// document advances only after the engine accepted the write, so the
// crash window between the two is closed by re-submitting an idempotent
// upsert, never by losing one.
type Synchronizer struct {
	registry registry.Registry
	blobs    blob.Store
	engine   Engine
	obs      *observability.Provider
	logger   *slog.Logger
}

// NewSynchronizer wires the registry, blob store and engine together.
func NewSynchronizer(reg registry.Registry, blobs blob.Store, engine Engine, obs *observability.Provider, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		registry: reg,
		blobs:    blobs,
		engine:   engine,
		obs:      obs,
		logger:   logger.With("component", "index"),
	}
}

// Sync projects one document snapshot into the engine.
//
// The guard against lost updates is the per-document sync marker: a
// snapshot older than the marker returns ErrStale and writes nothing, a
// snapshot equal to it is a no-op. Deleted documents are removed from the
// engine; everything else is upserted together with its extracted
// plaintext.
func (s *Synchronizer) Sync(ctx context.Context, doc document.Document) error {
	current, err := s.registry.Get(ctx, doc.ID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			// The record is gone entirely; make the index agree.
			return s.engine.Delete(ctx, doc.ID)
		}
		return fmt.Errorf("index: loading sync state of %s: %w", doc.ID, err)
	}

	if doc.Version < current.IndexedVersion {
		s.obs.RecordSync(ctx, "stale")
		return fmt.Errorf("%w: document %s version %d, indexed %d",
			ErrStale, doc.ID, doc.Version, current.IndexedVersion)
	}
	if doc.Version == current.IndexedVersion {
		return nil
	}

	if doc.Status == document.StatusDeleted {
		if err := s.engine.Delete(ctx, doc.ID); err != nil {
			s.obs.RecordSync(ctx, "error")
			return fmt.Errorf("index: deleting %s: %w", doc.ID, err)
		}
		// Garbage collection may remove the tombstone between the Get
		// above and this point; the deletion stands either way.
		if err := s.registry.SetIndexedVersion(ctx, doc.ID, doc.Version); err != nil && !errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("index: advancing sync marker of %s: %w", doc.ID, err)
		}
		s.obs.RecordSync(ctx, "deleted")
		s.logger.Debug("document removed from index", "document", doc.ID)
		return nil
	}

	var plaintext []byte
	if ref, ok := doc.Artifacts[document.KindPlaintext]; ok {
		plaintext, err = s.blobs.Get(ctx, ref)
		if err != nil {
			s.obs.RecordSync(ctx, "error")
			return fmt.Errorf("index: reading plaintext of %s: %w", doc.ID, err)
		}
	}

	if err := s.engine.BulkUpsert(ctx, []Record{BuildRecord(doc, plaintext)}); err != nil {
		s.obs.RecordSync(ctx, "error")
		return fmt.Errorf("index: upserting %s: %w", doc.ID, err)
	}
	if err := s.registry.SetIndexedVersion(ctx, doc.ID, doc.Version); err != nil {
		return fmt.Errorf("index: advancing sync marker of %s: %w", doc.ID, err)
	}
	s.obs.RecordSync(ctx, "upserted")
	s.logger.Debug("document indexed", "document", doc.ID, "version", doc.Version)
	return nil
}

// Reconcile scans the registry and re-projects every document whose
// version ran ahead of its sync marker. One diverged document never
// blocks the rest; the first error is reported after the full pass.
// Returns the number of documents brought up to date.
func (s *Synchronizer) Reconcile(ctx context.Context) (int, error) {
	docs, err := s.registry.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("index: listing documents: %w", err)
	}

	synced := 0
	var firstErr error
	for _, doc := range docs {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		if doc.Version <= doc.IndexedVersion {
			continue
		}
		if err := s.Sync(ctx, doc); err != nil {
			s.logger.Warn("reconcile: document sync failed", "document", doc.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		synced++
	}
	return synced, firstErr
}

// Loop reconciles on a fixed interval until ctx ends.
func (s *Synchronizer) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Reconcile(ctx)
			if err != nil {
				s.logger.Warn("reconcile pass incomplete", "synced", n, "error", err)
			} else if n > 0 {
				s.logger.Info("reconcile pass", "synced", n)
			}
		}
	}
}
