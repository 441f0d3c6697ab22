package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/fooker/adacta/pkg/blob"
)

const wasmPageSize = 65536

// maxWasmPages is the WebAssembly linear memory ceiling (4 GiB).
const maxWasmPages = 65536

// WasiRuntime executes WebAssembly step images in-process with wazero.
// Spec.Image names a blob ref holding a compiled wasi_snapshot_preview1
// module; the step workspace is mounted at WorkMount through the module's
// preopened filesystem. There is no network access in this runtime, so
// Spec.NetworkEnabled is ignored.
type WasiRuntime struct {
	store  blob.Store
	cfg    WasiConfig
	logger *slog.Logger

	mu   sync.Mutex
	envs map[Handle]*wasiEnv
}

type wasiEnv struct {
	spec     Spec
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	out      *logBuffer

	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
	exitCode int
	runErr   error
}

// NewWasiRuntime builds a WASI runtime that loads step images from store.
func NewWasiRuntime(store blob.Store, cfg WasiConfig, logger *slog.Logger) *WasiRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	return &WasiRuntime{
		store:  store,
		cfg:    cfg,
		logger: logger.With("runtime", KindWasi),
		envs:   make(map[Handle]*wasiEnv),
	}
}

func (r *WasiRuntime) Create(ctx context.Context, spec Spec) (Handle, error) {
	ref, err := blob.ParseRef(spec.Image)
	if err != nil {
		return "", &Error{Code: CodeImageUnresolved, Message: fmt.Sprintf("image %q is not a blob ref: %v", spec.Image, err)}
	}

	wasm, err := r.store.Get(ctx, ref)
	if err != nil {
		return "", &Error{Code: CodeImageUnresolved, Message: fmt.Sprintf("fetching module %s: %v", ref, err)}
	}

	limit := spec.Resources.MemoryBytes
	if limit <= 0 {
		limit = r.cfg.MemoryLimitBytes
	}
	if limit <= 0 {
		limit = DefaultWasiMemoryLimit
	}
	pages := limit / wasmPageSize
	if pages < 1 {
		pages = 1
	}
	if pages > maxWasmPages {
		pages = maxWasmPages
	}

	rcfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(uint32(pages)).
		WithCloseOnContextDone(true)

	wrt := wazero.NewRuntimeWithConfig(ctx, rcfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, wrt)

	compiled, err := wrt.CompileModule(ctx, wasm)
	if err != nil {
		_ = wrt.Close(ctx)
		return "", &Error{Code: CodeImageUnresolved, Message: fmt.Sprintf("compiling module %s: %v", ref, err)}
	}

	env := &wasiEnv{
		spec:     spec,
		rt:       wrt,
		compiled: compiled,
		out:      &logBuffer{},
		done:     make(chan struct{}),
	}

	handle := Handle(spec.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.envs[handle]; exists {
		_ = wrt.Close(ctx)
		return "", &Error{Code: CodeUnavailable, Message: fmt.Sprintf("environment %q already exists", spec.Name)}
	}
	r.envs[handle] = env

	r.logger.Debug("module compiled", "name", spec.Name, "image", spec.Image, "memory_pages", pages)
	return handle, nil
}

func (r *WasiRuntime) Start(ctx context.Context, handle Handle) error {
	env, err := r.env(handle)
	if err != nil {
		return err
	}
	if env.started {
		return &Error{Code: CodeUnavailable, Message: fmt.Sprintf("environment %q already started", env.spec.Name)}
	}
	env.started = true

	runCtx, cancel := context.WithCancel(ctx)
	env.cancel = cancel

	cfg := wazero.NewModuleConfig().
		WithName(env.spec.Name).
		WithArgs(append([]string{env.spec.Name}, env.spec.Cmd...)...).
		WithStdout(env.out).
		WithStderr(env.out).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(env.spec.WorkDir, WorkMount))
	for _, kv := range env.spec.Env {
		k, v, _ := strings.Cut(kv, "=")
		cfg = cfg.WithEnv(k, v)
	}

	go func() {
		defer close(env.done)

		mod, err := env.rt.InstantiateModule(runCtx, env.compiled, cfg)
		if mod != nil {
			_ = mod.Close(context.WithoutCancel(runCtx))
		}

		var exitErr *sys.ExitError
		switch {
		case err == nil:
			env.exitCode = 0
		case runCtx.Err() != nil:
			env.runErr = runCtx.Err()
		case errors.As(err, &exitErr):
			env.exitCode = int(exitErr.ExitCode())
		case isMemoryError(err):
			env.runErr = &Error{Code: CodeMemoryExhausted, Message: fmt.Sprintf("module %q: %v", env.spec.Name, err)}
		default:
			env.runErr = &Error{Code: CodeModuleTrapped, Message: fmt.Sprintf("module %q: %v", env.spec.Name, err)}
		}
	}()

	return nil
}

func (r *WasiRuntime) Wait(ctx context.Context, handle Handle) (int, error) {
	env, err := r.env(handle)
	if err != nil {
		return -1, err
	}
	if !env.started {
		return -1, &Error{Code: CodeUnavailable, Message: fmt.Sprintf("environment %q not started", env.spec.Name)}
	}

	select {
	case <-env.done:
		if env.runErr != nil {
			return -1, env.runErr
		}
		return env.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (r *WasiRuntime) Logs(ctx context.Context, handle Handle) ([]byte, error) {
	env, err := r.env(handle)
	if err != nil {
		return nil, err
	}
	return env.out.Bytes(), nil
}

func (r *WasiRuntime) Remove(ctx context.Context, handle Handle) error {
	r.mu.Lock()
	env, ok := r.envs[handle]
	delete(r.envs, handle)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if env.cancel != nil {
		env.cancel()
	}
	if env.started {
		select {
		case <-env.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := env.rt.Close(ctx); err != nil {
		return &Error{Code: CodeUnavailable, Message: fmt.Sprintf("closing module runtime: %v", err)}
	}
	return nil
}

func (r *WasiRuntime) Close() error {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.envs))
	for h := range r.envs {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := r.Remove(context.Background(), h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *WasiRuntime) env(handle Handle) (*wasiEnv, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envs[handle]
	if !ok {
		return nil, &Error{Code: CodeUnknownHandle, Message: fmt.Sprintf("no environment %q", handle)}
	}
	return env, nil
}

// isMemoryError recognizes wazero failures caused by the module hitting
// its linear memory ceiling.
func isMemoryError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "out of bounds memory access") ||
		strings.Contains(msg, "cannot grow memory") ||
		strings.Contains(msg, "memory.grow")
}

// logBuffer collects combined module output. The module goroutine writes
// while Logs may read concurrently.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}
