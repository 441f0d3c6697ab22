// Package archive composes the engine behind one facade: specimens enter
// through Ingest, pipelines run in the background, deletion tombstones
// and unindexes, and GC sweeps what nothing references anymore. The
// facade owns the lifecycle of every background pipeline it starts.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fooker/adacta/pkg/blob"
	"github.com/fooker/adacta/pkg/document"
	"github.com/fooker/adacta/pkg/index"
	"github.com/fooker/adacta/pkg/observability"
	"github.com/fooker/adacta/pkg/registry"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("archive: closed")

// mutateAttempts bounds optimistic-concurrency retries on registry writes.
const mutateAttempts = 5

// syncTimeout bounds the best-effort index write after a pipeline run.
const syncTimeout = 30 * time.Second

// Runner processes one document through the step graph to a terminal
// status.
type Runner interface {
	Run(ctx context.Context, docID string) (document.Document, error)
}

// Syncer keeps the search projection convergent with the registry.
type Syncer interface {
	Sync(ctx context.Context, doc document.Document) error
	Reconcile(ctx context.Context) (int, error)
}

// Archive is the engine facade.
type Archive struct {
	blobs    blob.Store
	registry registry.Registry
	runner   Runner
	sync     Syncer
	obs      *observability.Provider
	logger   *slog.Logger

	mu     sync.Mutex
	runs   map[string]*pipelineRun
	closed bool
	wg     sync.WaitGroup
}

// pipelineRun tracks one background pipeline so deletion and reprocessing
// can cancel it and wait for teardown.
type pipelineRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles the facade.
func New(blobs blob.Store, reg registry.Registry, runner Runner, sync Syncer, obs *observability.Provider, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		blobs:    blobs,
		registry: reg,
		runner:   runner,
		sync:     sync,
		obs:      obs,
		logger:   logger.With("component", "archive"),
		runs:     make(map[string]*pipelineRun),
	}
}

// IngestOptions carries caller-supplied metadata for a new document.
// Values given here win over anything the pipeline extracts later.
type IngestOptions struct {
	Title      string
	Labels     []string
	Properties map[string]string
	// UploadedAt defaults to the current time.
	UploadedAt time.Time
}

// Ingest stores the specimen, registers the document, and starts its
// pipeline in the background. The returned document is the freshly
// created record; processing progress is observed through Get.
func (a *Archive) Ingest(ctx context.Context, data []byte, opts IngestOptions) (document.Document, error) {
	if len(data) == 0 {
		return document.Document{}, errors.New("archive: empty specimen")
	}

	ref, err := a.blobs.Put(ctx, data)
	if err != nil {
		return document.Document{}, fmt.Errorf("archive: storing specimen: %w", err)
	}

	uploadedAt := opts.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = time.Now().UTC()
	}
	doc := document.New(ref, uploadedAt)
	doc.Title = opts.Title
	doc.Labels = append([]string(nil), opts.Labels...)
	if len(opts.Properties) > 0 {
		doc.Properties = make(map[string]string, len(opts.Properties))
		for k, v := range opts.Properties {
			doc.Properties[k] = v
		}
	}

	if err := a.registry.Create(ctx, doc); err != nil {
		return document.Document{}, fmt.Errorf("archive: registering document: %w", err)
	}

	a.obs.RecordIngest(ctx)
	if err := a.launch(doc.ID); err != nil {
		return doc, err
	}
	a.logger.Info("document ingested", "document", doc.ID, "specimen", ref, "bytes", len(data))
	return doc, nil
}

// Reprocess cancels any outstanding processing of the document, drops its
// derived artifacts, and runs the pipeline again. Unchanged steps yield
// the same content-addressed artifacts they produced before.
func (a *Archive) Reprocess(ctx context.Context, id string) (document.Document, error) {
	if err := a.cancelAndWait(ctx, id); err != nil {
		return document.Document{}, err
	}

	doc, err := registry.Mutate(ctx, a.registry, id, mutateAttempts, func(d *document.Document) error {
		d.Artifacts = make(map[document.Kind]blob.Ref)
		d.Status = document.StatusIngested
		return nil
	})
	if err != nil {
		return document.Document{}, fmt.Errorf("archive: resetting document: %w", err)
	}

	if err := a.launch(id); err != nil {
		return doc, err
	}
	a.logger.Info("document reprocessing", "document", id)
	return doc, nil
}

// Delete cancels processing, tombstones the document, and removes it from
// the index. Blob content stays until GC confirms nothing references it.
func (a *Archive) Delete(ctx context.Context, id string) error {
	if err := a.cancelAndWait(ctx, id); err != nil {
		return err
	}

	var tombstone document.Document
	for attempt := 0; ; attempt++ {
		doc, err := a.registry.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("archive: loading document: %w", err)
		}
		if doc.Status == document.StatusDeleted {
			tombstone = doc
			break
		}
		tombstone, err = a.registry.Delete(ctx, id, doc.Version)
		if err == nil {
			break
		}
		if errors.Is(err, registry.ErrVersionConflict) && attempt < mutateAttempts {
			continue
		}
		return fmt.Errorf("archive: deleting document: %w", err)
	}

	// Project the deletion now when possible; reconcile covers the rest.
	a.syncBestEffort(ctx, tombstone)
	a.logger.Info("document deleted", "document", id)
	return nil
}

// Get returns the document under id, tombstones included.
func (a *Archive) Get(ctx context.Context, id string) (document.Document, error) {
	return a.registry.Get(ctx, id)
}

// List returns all documents, tombstones included.
func (a *Archive) List(ctx context.Context) ([]document.Document, error) {
	return a.registry.List(ctx)
}

// Resume restarts processing of every document a crash left behind in a
// non-terminal status. Called once at boot, before new work arrives.
func (a *Archive) Resume(ctx context.Context) (int, error) {
	docs, err := a.registry.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("archive: listing documents: %w", err)
	}

	resumed := 0
	for _, doc := range docs {
		if doc.Status.Terminal() {
			continue
		}
		if err := a.launch(doc.ID); err != nil {
			return resumed, err
		}
		resumed++
		a.logger.Info("document resumed", "document", doc.ID, "status", doc.Status)
	}
	return resumed, nil
}

// GC removes tombstoned documents whose deletion the index confirmed,
// then sweeps blobs no remaining document references. Blobs younger than
// grace are kept: content may already be stored while its document record
// is still being created.
func (a *Archive) GC(ctx context.Context, grace time.Duration) (removedDocs, removedBlobs int, err error) {
	docs, err := a.registry.List(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("archive: listing documents: %w", err)
	}

	live := make(map[blob.Ref]bool)
	for _, doc := range docs {
		if doc.Status == document.StatusDeleted && doc.IndexedVersion >= doc.Version {
			if err := a.registry.Remove(ctx, doc.ID); err != nil {
				return removedDocs, 0, fmt.Errorf("archive: removing tombstone %s: %w", doc.ID, err)
			}
			removedDocs++
			continue
		}
		// Unconfirmed tombstones keep their blobs referenced until the
		// index acknowledges the deletion.
		for _, ref := range doc.Refs() {
			live[ref] = true
		}
	}

	refs, err := a.blobs.List(ctx)
	if err != nil {
		return removedDocs, 0, fmt.Errorf("archive: listing blobs: %w", err)
	}
	cutoff := time.Now().Add(-grace)
	for _, ref := range refs {
		if ctx.Err() != nil {
			return removedDocs, removedBlobs, ctx.Err()
		}
		if live[ref] {
			continue
		}
		info, err := a.blobs.Stat(ctx, ref)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				continue
			}
			return removedDocs, removedBlobs, fmt.Errorf("archive: stat %s: %w", ref, err)
		}
		if grace > 0 && info.ModTime.After(cutoff) {
			continue
		}
		if err := a.blobs.Delete(ctx, ref); err != nil {
			return removedDocs, removedBlobs, fmt.Errorf("archive: sweeping %s: %w", ref, err)
		}
		removedBlobs++
	}

	if removedDocs > 0 || removedBlobs > 0 {
		a.logger.Info("garbage collected", "documents", removedDocs, "blobs", removedBlobs)
	}
	return removedDocs, removedBlobs, nil
}

// Export writes the blobs of the given documents (all live documents when
// ids is empty) as a portable bundle. Returns the number of blobs written.
func (a *Archive) Export(ctx context.Context, w io.Writer, ids ...string) (int, error) {
	var docs []document.Document
	if len(ids) == 0 {
		all, err := a.registry.List(ctx)
		if err != nil {
			return 0, fmt.Errorf("archive: listing documents: %w", err)
		}
		docs = all
	} else {
		for _, id := range ids {
			doc, err := a.registry.Get(ctx, id)
			if err != nil {
				return 0, fmt.Errorf("archive: loading %s: %w", id, err)
			}
			docs = append(docs, doc)
		}
	}

	seen := make(map[blob.Ref]bool)
	var refs []blob.Ref
	for _, doc := range docs {
		if doc.Status == document.StatusDeleted {
			continue
		}
		for _, ref := range doc.Refs() {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	return blob.Export(ctx, a.blobs, refs, w)
}

// Import loads a bundle's blobs into the store. Document records are not
// part of bundles; the registry has its own persistence.
func (a *Archive) Import(ctx context.Context, r io.Reader) (int, error) {
	return blob.Import(ctx, a.blobs, r)
}

// Close cancels outstanding pipelines and waits for them to drain. The
// archive accepts no new work afterwards.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for _, run := range a.runs {
		run.cancel()
	}
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}

// launch starts the background pipeline for id. A pipeline already
// running for the document keeps running.
func (a *Archive) launch(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if _, running := a.runs[id]; running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &pipelineRun{cancel: cancel, done: make(chan struct{})}
	a.runs[id] = run
	a.wg.Add(1)

	go func() {
		defer a.wg.Done()
		defer close(run.done)
		defer a.forget(id, run)

		runCtx, finish := a.obs.TrackPipeline(ctx, id)
		doc, err := a.runner.Run(runCtx, id)
		finish(err)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				a.logger.Info("pipeline cancelled", "document", id)
			} else {
				a.logger.Error("pipeline failed", "document", id, "error", err)
			}
			return
		}

		syncCtx, cancelSync := context.WithTimeout(context.Background(), syncTimeout)
		defer cancelSync()
		a.syncBestEffort(syncCtx, doc)
	}()
	return nil
}

// forget drops the run from tracking once its goroutine winds down.
func (a *Archive) forget(id string, run *pipelineRun) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runs[id] == run {
		delete(a.runs, id)
	}
}

// cancelAndWait stops the running pipeline for id, if any, and waits for
// its teardown to finish.
func (a *Archive) cancelAndWait(ctx context.Context, id string) error {
	a.mu.Lock()
	run, ok := a.runs[id]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	run.cancel()
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// syncBestEffort projects a document into the index without failing the
// caller; the reconcile loop repairs anything missed here.
func (a *Archive) syncBestEffort(ctx context.Context, doc document.Document) {
	if a.sync == nil {
		return
	}
	if err := a.sync.Sync(ctx, doc); err != nil && !errors.Is(err, index.ErrStale) {
		a.logger.Warn("index sync deferred to reconcile", "document", doc.ID, "error", err)
	}
}
