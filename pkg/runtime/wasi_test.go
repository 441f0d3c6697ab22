package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fooker/adacta/pkg/blob"
)

// minimalModule is the smallest wasi-style module: it exports _start,
// which returns immediately with no imports and no side effects.
var minimalModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type: () -> ()
	0x03, 0x02, 0x01, 0x00, // func 0 has type 0
	0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00, // export "_start"
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // body: end
}

func newWasiFixture(t *testing.T) (*WasiRuntime, blob.Ref) {
	t.Helper()

	store := blob.NewMemoryStore(blob.SHA256)
	ref, err := store.Put(context.Background(), minimalModule)
	require.NoError(t, err)

	rt := NewWasiRuntime(store, WasiConfig{MemoryLimitBytes: 16 << 20}, nil)
	t.Cleanup(func() { _ = rt.Close() })
	return rt, ref
}

func TestWasiLifecycle(t *testing.T) {
	rt, ref := newWasiFixture(t)
	ctx := context.Background()

	handle, err := rt.Create(ctx, Spec{
		Name:    "adacta-test-run",
		Image:   ref.String(),
		Env:     []string{"DID=doc-1"},
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)

	require.NoError(t, rt.Start(ctx, handle))

	exit, err := rt.Wait(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, 0, exit)

	logs, err := rt.Logs(ctx, handle)
	require.NoError(t, err)
	assert.Empty(t, logs)

	require.NoError(t, rt.Remove(ctx, handle))
	// Removing again is a no-op.
	require.NoError(t, rt.Remove(ctx, handle))
}

func TestWasiCreateRejectsBadImage(t *testing.T) {
	rt, _ := newWasiFixture(t)
	ctx := context.Background()

	_, err := rt.Create(ctx, Spec{Name: "bad-ref", Image: "not-a-ref", WorkDir: t.TempDir()})
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeImageUnresolved, rerr.Code)
}

func TestWasiCreateRejectsMissingModule(t *testing.T) {
	rt, _ := newWasiFixture(t)
	ctx := context.Background()

	missing, err := blob.Sum(blob.SHA256, []byte("never stored"))
	require.NoError(t, err)

	_, err = rt.Create(ctx, Spec{Name: "missing", Image: missing.String(), WorkDir: t.TempDir()})
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeImageUnresolved, rerr.Code)
}

func TestWasiCreateRejectsInvalidWasm(t *testing.T) {
	rt, _ := newWasiFixture(t)
	ctx := context.Background()

	store := blob.NewMemoryStore(blob.SHA256)
	garbage, err := store.Put(ctx, []byte("this is not webassembly"))
	require.NoError(t, err)

	broken := NewWasiRuntime(store, WasiConfig{}, nil)
	defer broken.Close()

	_, err = broken.Create(ctx, Spec{Name: "garbage", Image: garbage.String(), WorkDir: t.TempDir()})
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeImageUnresolved, rerr.Code)
}

func TestWasiUnknownHandle(t *testing.T) {
	rt, _ := newWasiFixture(t)
	ctx := context.Background()

	var rerr *Error

	err := rt.Start(ctx, "nope")
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeUnknownHandle, rerr.Code)

	_, err = rt.Wait(ctx, "nope")
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeUnknownHandle, rerr.Code)

	_, err = rt.Logs(ctx, "nope")
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeUnknownHandle, rerr.Code)
}

func TestWasiDuplicateName(t *testing.T) {
	rt, ref := newWasiFixture(t)
	ctx := context.Background()

	spec := Spec{Name: "dup", Image: ref.String(), WorkDir: t.TempDir()}
	_, err := rt.Create(ctx, spec)
	require.NoError(t, err)

	_, err = rt.Create(ctx, spec)
	require.Error(t, err)
}

func TestWaitBeforeStart(t *testing.T) {
	rt, ref := newWasiFixture(t)
	ctx := context.Background()

	handle, err := rt.Create(ctx, Spec{Name: "idle", Image: ref.String(), WorkDir: t.TempDir()})
	require.NoError(t, err)

	_, err = rt.Wait(ctx, handle)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CodeUnavailable, rerr.Code)
}

func TestErrorFormat(t *testing.T) {
	err := &Error{Code: CodeMemoryExhausted, Message: "module grew past its ceiling"}
	assert.Equal(t, "ERR_MEMORY_EXHAUSTED: module grew past its ceiling", err.Error())

	var rerr *Error
	assert.True(t, errors.As(error(err), &rerr))
}

func TestIsMemoryError(t *testing.T) {
	assert.True(t, isMemoryError(errors.New("wasm error: out of bounds memory access")))
	assert.True(t, isMemoryError(errors.New("module closed: cannot grow memory past limit")))
	assert.False(t, isMemoryError(errors.New("unreachable executed")))
}
