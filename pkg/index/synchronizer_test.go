package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fooker/adacta/pkg/blob"
	"github.com/fooker/adacta/pkg/document"
	"github.com/fooker/adacta/pkg/registry"
)

// flakyEngine wraps the memory engine and fails upserts on command.
type flakyEngine struct {
	*MemoryEngine
	failUpserts int
	upserts     int
}

func (e *flakyEngine) BulkUpsert(ctx context.Context, records []Record) error {
	e.upserts++
	if e.failUpserts > 0 {
		e.failUpserts--
		return errors.New("engine unavailable")
	}
	return e.MemoryEngine.BulkUpsert(ctx, records)
}

type syncFixture struct {
	registry *registry.InMemoryRegistry
	store    *blob.MemoryStore
	engine   *flakyEngine
	sync     *Synchronizer
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	f := &syncFixture{
		registry: registry.NewInMemoryRegistry(),
		store:    blob.NewMemoryStore(blob.SHA256),
		engine:   &flakyEngine{MemoryEngine: NewMemoryEngine()},
	}
	f.sync = NewSynchronizer(f.registry, f.store, f.engine, nil, nil)
	t.Cleanup(func() { _ = f.registry.Close() })
	return f
}

// create stores a document with the given title and extracted plaintext.
func (f *syncFixture) create(t *testing.T, id, title, text string) document.Document {
	t.Helper()
	ctx := context.Background()

	specimen, err := f.store.Put(ctx, []byte("%PDF "+id))
	require.NoError(t, err)

	doc := document.New(specimen, time.Now().UTC())
	doc.ID = id
	require.NoError(t, f.registry.Create(ctx, doc))

	doc, err = registry.Mutate(ctx, f.registry, id, 3, func(d *document.Document) error {
		d.Title = title
		if text != "" {
			ref, err := f.store.Put(ctx, []byte(text))
			if err != nil {
				return err
			}
			d.Artifacts[document.KindPlaintext] = ref
		}
		return nil
	})
	require.NoError(t, err)
	return doc
}

func TestSyncUpsertsAndAdvancesMarker(t *testing.T) {
	f := newSyncFixture(t)
	doc := f.create(t, "doc-1", "Phone bill", "Amount due: 42 EUR")

	require.NoError(t, f.sync.Sync(context.Background(), doc))

	rec, ok := f.engine.Get("doc-1")
	require.True(t, ok)
	assert.Equal(t, "Phone bill", rec.Title)
	assert.Equal(t, "Amount due: 42 EUR", rec.Text)
	assert.Equal(t, doc.Version, rec.Version)

	stored, err := f.registry.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, doc.Version, stored.IndexedVersion)
}

func TestSyncNormalizesUnicode(t *testing.T) {
	f := newSyncFixture(t)
	// Combining acute accent, as an OCR step might emit it.
	doc := f.create(t, "doc-1", "Café", "résumé")

	require.NoError(t, f.sync.Sync(context.Background(), doc))

	rec, ok := f.engine.Get("doc-1")
	require.True(t, ok)
	assert.Equal(t, "Café", rec.Title)
	assert.Equal(t, "résumé", rec.Text)
}

func TestSyncWithoutPlaintext(t *testing.T) {
	f := newSyncFixture(t)
	doc := f.create(t, "doc-1", "Scan", "")

	require.NoError(t, f.sync.Sync(context.Background(), doc))

	rec, ok := f.engine.Get("doc-1")
	require.True(t, ok)
	assert.Empty(t, rec.Text)
}

func TestSyncStaleWriteDropped(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	old := f.create(t, "doc-1", "First title", "")

	fresh, err := registry.Mutate(ctx, f.registry, "doc-1", 3, func(d *document.Document) error {
		d.Title = "Second title"
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.sync.Sync(ctx, fresh))

	err = f.sync.Sync(ctx, old)
	require.ErrorIs(t, err, ErrStale)

	rec, ok := f.engine.Get("doc-1")
	require.True(t, ok)
	assert.Equal(t, "Second title", rec.Title, "stale snapshot must not clobber the projection")
}

func TestSyncEqualVersionIsNoop(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	doc := f.create(t, "doc-1", "Bill", "")

	require.NoError(t, f.sync.Sync(ctx, doc))
	upserts := f.engine.upserts

	require.NoError(t, f.sync.Sync(ctx, doc))
	assert.Equal(t, upserts, f.engine.upserts, "already projected version must not hit the engine")
}

func TestSyncDeletedDocumentRemovesProjection(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	doc := f.create(t, "doc-1", "Bill", "")
	require.NoError(t, f.sync.Sync(ctx, doc))

	tombstone, err := f.registry.Delete(ctx, "doc-1", doc.Version)
	require.NoError(t, err)
	require.Equal(t, document.StatusDeleted, tombstone.Status)

	require.NoError(t, f.sync.Sync(ctx, tombstone))

	_, ok := f.engine.Get("doc-1")
	assert.False(t, ok)

	stored, err := f.registry.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, tombstone.Version, stored.IndexedVersion)
}

func TestSyncVanishedRecordDeletesProjection(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	doc := f.create(t, "doc-1", "Bill", "")
	require.NoError(t, f.sync.Sync(ctx, doc))

	// Garbage collection removed the record entirely.
	require.NoError(t, f.registry.Remove(ctx, "doc-1"))

	require.NoError(t, f.sync.Sync(ctx, doc))
	_, ok := f.engine.Get("doc-1")
	assert.False(t, ok)
}

func TestSyncEngineFailureLeavesMarkerBehind(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	doc := f.create(t, "doc-1", "Bill", "text")

	f.engine.failUpserts = 1
	require.Error(t, f.sync.Sync(ctx, doc))

	stored, err := f.registry.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Zero(t, stored.IndexedVersion, "marker must not advance past a failed write")

	// The next reconcile pass repairs the divergence.
	n, err := f.sync.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err = f.registry.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, doc.Version, stored.IndexedVersion)
}

func TestSyncMissingPlaintextBlob(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	doc := f.create(t, "doc-1", "Bill", "text")

	ref := doc.Artifacts[document.KindPlaintext]
	require.NoError(t, f.store.Delete(ctx, ref))

	err := f.sync.Sync(ctx, doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plaintext")
}

func TestReconcileSkipsUpToDateDocuments(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	synced := f.create(t, "doc-1", "Bill", "")
	require.NoError(t, f.sync.Sync(ctx, synced))
	f.create(t, "doc-2", "Lease", "")

	n, err := f.sync.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := f.engine.Get("doc-2")
	assert.True(t, ok)
}

func TestReconcileContinuesPastFailures(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	f.create(t, "doc-1", "Bill", "")
	f.create(t, "doc-2", "Lease", "")

	// One upsert fails, the other document must still be projected.
	f.engine.failUpserts = 1
	n, err := f.sync.Reconcile(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.engine.Len())

	// The second pass picks up the straggler.
	n, err = f.sync.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, f.engine.Len())
}

func TestReconcileHonoursCancellation(t *testing.T) {
	f := newSyncFixture(t)
	f.create(t, "doc-1", "Bill", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.sync.Reconcile(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
