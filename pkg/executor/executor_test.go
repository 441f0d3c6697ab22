package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fooker/adacta/pkg/blob"
	"github.com/fooker/adacta/pkg/document"
	"github.com/fooker/adacta/pkg/runtime"
)

// fakeOutcome scripts one fake execution.
type fakeOutcome struct {
	createErr error
	startErr  error
	waitErr   error
	exitCode  int
	delay     time.Duration
	logs      []byte
	outputs   map[document.Kind][]byte // written into the workspace on start
}

// fakeRuntime satisfies runtime.Runtime from a script keyed off the spec.
type fakeRuntime struct {
	script func(spec runtime.Spec) fakeOutcome

	mu       sync.Mutex
	specs    map[runtime.Handle]runtime.Spec
	outcomes map[runtime.Handle]fakeOutcome
	removed  map[runtime.Handle]bool

	seq     atomic.Int64
	running atomic.Int64
	peak    atomic.Int64
}

func newFakeRuntime(script func(runtime.Spec) fakeOutcome) *fakeRuntime {
	return &fakeRuntime{
		script:   script,
		specs:    make(map[runtime.Handle]runtime.Spec),
		outcomes: make(map[runtime.Handle]fakeOutcome),
		removed:  make(map[runtime.Handle]bool),
	}
}

func (f *fakeRuntime) Create(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	outcome := f.script(spec)
	if outcome.createErr != nil {
		return "", outcome.createErr
	}
	handle := runtime.Handle(fmt.Sprintf("env-%d", f.seq.Add(1)))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs[handle] = spec
	f.outcomes[handle] = outcome
	return handle, nil
}

func (f *fakeRuntime) Start(ctx context.Context, handle runtime.Handle) error {
	f.mu.Lock()
	spec, outcome := f.specs[handle], f.outcomes[handle]
	f.mu.Unlock()

	if outcome.startErr != nil {
		return outcome.startErr
	}
	for kind, data := range outcome.outputs {
		if err := os.WriteFile(filepath.Join(spec.WorkDir, kind.Filename()), data, 0o644); err != nil {
			return err
		}
	}

	n := f.running.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

func (f *fakeRuntime) Wait(ctx context.Context, handle runtime.Handle) (int, error) {
	defer f.running.Add(-1)

	f.mu.Lock()
	outcome := f.outcomes[handle]
	f.mu.Unlock()

	if outcome.delay > 0 {
		select {
		case <-time.After(outcome.delay):
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	if outcome.waitErr != nil {
		return -1, outcome.waitErr
	}
	return outcome.exitCode, nil
}

func (f *fakeRuntime) Logs(ctx context.Context, handle runtime.Handle) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcomes[handle].logs, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, handle runtime.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[handle] = true
	return nil
}

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

func newTestPool(t *testing.T, cfg Config, fake *fakeRuntime) (*Pool, *blob.MemoryStore) {
	t.Helper()
	store := blob.NewMemoryStore(blob.SHA256)
	cfg.WorkDir = t.TempDir()
	pool := NewPool(cfg, store, map[string]runtime.Runtime{runtime.KindDocker: fake}, nil)
	return pool, store
}

func TestExecuteSuccess(t *testing.T) {
	ctx := context.Background()

	var seen runtime.Spec
	fake := newFakeRuntime(func(spec runtime.Spec) fakeOutcome {
		seen = spec
		return fakeOutcome{
			logs: []byte("extracted 3 pages\n"),
			outputs: map[document.Kind][]byte{
				document.KindPlaintext: []byte("dear sir or madam"),
			},
		}
	})
	pool, store := newTestPool(t, Config{Workers: 2}, fake)

	specimen, err := store.Put(ctx, []byte("%PDF-1.4 ..."))
	require.NoError(t, err)

	res, err := pool.Execute(ctx, Request{
		DocumentID: "doc-1",
		Step:       "extract-text",
		Attempt:    1,
		Image:      "adacta/extract-text:1",
		Env:        map[string]string{"LANG": "C", "COLUMNS": "80"},
		Inputs:     map[document.Kind]blob.Ref{document.KindSpecimen: specimen},
		Outputs:    []document.Kind{document.KindPlaintext},
	})
	require.NoError(t, err)

	text, err := store.Get(ctx, res.Artifacts[document.KindPlaintext])
	require.NoError(t, err)
	assert.Equal(t, "dear sir or madam", string(text))

	logs, err := store.Get(ctx, res.Log)
	require.NoError(t, err)
	assert.Equal(t, "extracted 3 pages\n", string(logs))

	assert.Equal(t, "adacta-extract-text-doc-1-a1", seen.Name)
	assert.Equal(t, []string{"COLUMNS=80", "LANG=C", "DID=doc-1"}, seen.Env)
	assert.False(t, seen.NetworkEnabled)

	staged, err := os.ReadFile(filepath.Join(seen.WorkDir, document.KindSpecimen.Filename()))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 ...", string(staged))

	assert.Equal(t, 1, fake.removedCount())
}

func TestExecuteStepFailure(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRuntime(func(runtime.Spec) fakeOutcome {
		return fakeOutcome{exitCode: 3, logs: []byte("cannot parse page 2\n")}
	})
	pool, _ := newTestPool(t, Config{Workers: 1}, fake)

	_, err := pool.Execute(ctx, Request{DocumentID: "doc-1", Step: "extract-text", Attempt: 1})

	var execErr *Error
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, CodeStepFailed, execErr.Code)
	assert.Equal(t, ClassPermanent, execErr.Class)
	assert.False(t, execErr.Retryable())
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Contains(t, execErr.LogTail, "cannot parse page 2")
	assert.NotEmpty(t, execErr.Log)
	assert.Equal(t, 1, fake.removedCount())
}

func TestExecuteOutputMissing(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRuntime(func(runtime.Spec) fakeOutcome {
		return fakeOutcome{exitCode: 0}
	})
	pool, _ := newTestPool(t, Config{Workers: 1}, fake)

	_, err := pool.Execute(ctx, Request{
		DocumentID: "doc-1",
		Step:       "thumbnail",
		Attempt:    1,
		Outputs:    []document.Kind{document.KindPreview},
	})

	var execErr *Error
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, CodeOutputMissing, execErr.Code)
	assert.Equal(t, ClassPermanent, execErr.Class)
	assert.Equal(t, 1, fake.removedCount())
}

func TestExecuteTimeout(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRuntime(func(runtime.Spec) fakeOutcome {
		return fakeOutcome{delay: time.Second}
	})
	pool, _ := newTestPool(t, Config{Workers: 1}, fake)

	_, err := pool.Execute(ctx, Request{
		DocumentID: "doc-1",
		Step:       "thumbnail",
		Attempt:    1,
		Timeout:    20 * time.Millisecond,
	})

	var execErr *Error
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, CodeTimeout, execErr.Code)
	assert.Equal(t, ClassTransient, execErr.Class)
	assert.True(t, execErr.Retryable())
	assert.Equal(t, 1, fake.removedCount())
}

func TestExecuteCancelled(t *testing.T) {
	fake := newFakeRuntime(func(runtime.Spec) fakeOutcome {
		return fakeOutcome{delay: time.Second}
	})
	pool, _ := newTestPool(t, Config{Workers: 1}, fake)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := pool.Execute(ctx, Request{DocumentID: "doc-1", Step: "thumbnail", Attempt: 1})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, fake.removedCount())
}

func TestExecuteRuntimeUnavailable(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRuntime(func(runtime.Spec) fakeOutcome {
		return fakeOutcome{createErr: &runtime.Error{Code: runtime.CodeUnavailable, Message: "daemon unreachable"}}
	})
	pool, _ := newTestPool(t, Config{Workers: 1}, fake)

	_, err := pool.Execute(ctx, Request{DocumentID: "doc-1", Step: "extract-text", Attempt: 1})

	var execErr *Error
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, CodeRuntimeFailure, execErr.Code)
	assert.Equal(t, ClassTransient, execErr.Class)
	assert.Equal(t, 0, fake.removedCount())
}

func TestExecuteUnknownRuntimeKind(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRuntime(func(runtime.Spec) fakeOutcome { return fakeOutcome{} })
	pool, _ := newTestPool(t, Config{Workers: 1}, fake)

	_, err := pool.Execute(ctx, Request{DocumentID: "doc-1", Step: "ocr", Attempt: 1, Runtime: "firecracker"})

	var execErr *Error
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, CodeRuntimeFailure, execErr.Code)
	assert.Equal(t, ClassPermanent, execErr.Class)
}

func TestExecuteInputMissing(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRuntime(func(runtime.Spec) fakeOutcome { return fakeOutcome{} })
	pool, _ := newTestPool(t, Config{Workers: 1}, fake)

	missing, err := blob.Sum(blob.SHA256, []byte("never stored"))
	require.NoError(t, err)

	_, err = pool.Execute(ctx, Request{
		DocumentID: "doc-1",
		Step:       "extract-text",
		Attempt:    1,
		Inputs:     map[document.Kind]blob.Ref{document.KindSpecimen: missing},
	})

	var execErr *Error
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, CodeInputUnavailable, execErr.Code)
	assert.Equal(t, ClassPermanent, execErr.Class)
}

func TestExecuteBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRuntime(func(runtime.Spec) fakeOutcome {
		return fakeOutcome{delay: 10 * time.Millisecond}
	})
	pool, _ := newTestPool(t, Config{Workers: 3}, fake)

	const burst = 24
	var wg sync.WaitGroup
	errs := make([]error, burst)
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = pool.Execute(ctx, Request{
				DocumentID: fmt.Sprintf("doc-%d", i),
				Step:       "extract-text",
				Attempt:    1,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "request %d", i)
	}
	assert.LessOrEqual(t, fake.peak.Load(), int64(3))
	assert.Equal(t, burst, fake.removedCount())
}

func TestExecuteQueueFull(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRuntime(func(runtime.Spec) fakeOutcome {
		return fakeOutcome{delay: 300 * time.Millisecond}
	})
	pool, _ := newTestPool(t, Config{Workers: 1, MaxPending: 2}, fake)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := pool.Execute(ctx, Request{DocumentID: fmt.Sprintf("doc-%d", i), Step: "s", Attempt: 1})
			assert.NoError(t, err)
		}(i)
	}

	require.Eventually(t, func() bool { return pool.Pending() == 3 }, 2*time.Second, 5*time.Millisecond)

	_, err := pool.Execute(ctx, Request{DocumentID: "doc-overflow", Step: "s", Attempt: 1})
	require.ErrorIs(t, err, ErrQueueFull)

	wg.Wait()
}

func TestEnviron(t *testing.T) {
	env := environ(Request{
		DocumentID: "doc-9",
		Env:        map[string]string{"ZED": "1", "ALPHA": "2"},
	})
	assert.Equal(t, []string{"ALPHA=2", "ZED=1", "DID=doc-9"}, env)
}
