// Package executor runs pipeline steps in isolated execution environments
// through the runtime boundary. A bounded pool admits work; each execution
// stages input artifacts into a scratch workspace, runs the step, collects
// declared outputs into the blob store, and always tears the environment
// down again.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fooker/adacta/pkg/blob"
	"github.com/fooker/adacta/pkg/document"
	"github.com/fooker/adacta/pkg/runtime"
)

const (
	// removeTimeout bounds environment teardown after the execution
	// context is gone.
	removeTimeout = 30 * time.Second
	// collectTimeout bounds log and artifact collection likewise.
	collectTimeout = 30 * time.Second
)

// Config tunes the pool.
type Config struct {
	// Workers caps concurrent executions. Default 4.
	Workers int `yaml:"workers" json:"workers"`
	// MaxPending caps requests waiting for a worker beyond the running
	// ones; zero queues without bound.
	MaxPending int `yaml:"max_pending" json:"max_pending"`
	// WorkDir hosts per-execution scratch workspaces. Default os.TempDir().
	WorkDir string `yaml:"work_dir" json:"work_dir"`
	// LogTailBytes bounds the log excerpt attached to failures for
	// classification. Default 4096.
	LogTailBytes int `yaml:"log_tail_bytes" json:"log_tail_bytes"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.LogTailBytes <= 0 {
		c.LogTailBytes = 4096
	}
	return c
}

// Request describes one step execution against one document.
type Request struct {
	DocumentID string
	Step       string
	Attempt    int

	// Runtime selects the execution environment kind; empty means docker.
	Runtime string
	Image   string
	Cmd     []string
	Env     map[string]string

	Inputs  map[document.Kind]blob.Ref
	Outputs []document.Kind

	Timeout        time.Duration
	NetworkEnabled bool
	Resources      runtime.Resources
}

// Result is a successful execution: every declared output was produced
// and stored.
type Result struct {
	Artifacts map[document.Kind]blob.Ref
	Log       blob.Ref
	Duration  time.Duration
}

// Pool bounds concurrent executions over a set of runtimes keyed by kind.
type Pool struct {
	cfg      Config
	store    blob.Store
	runtimes map[string]runtime.Runtime
	sem      *semaphore.Weighted
	pending  atomic.Int64
	logger   *slog.Logger
}

// NewPool builds an execution pool backed by store for artifact I/O.
func NewPool(cfg Config, store blob.Store, runtimes map[string]runtime.Runtime, logger *slog.Logger) *Pool {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		store:    store,
		runtimes: runtimes,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		logger:   logger.With("component", "executor"),
	}
}

// Pending returns the number of executions admitted but not yet finished.
func (p *Pool) Pending() int64 {
	return p.pending.Load()
}

// Execute runs one request to completion. It blocks while the pool is
// saturated unless MaxPending is configured and exceeded, in which case it
// fails fast with ErrQueueFull. A nil error means every declared output
// was produced and persisted.
func (p *Pool) Execute(ctx context.Context, req Request) (Result, error) {
	n := p.pending.Add(1)
	defer p.pending.Add(-1)
	if p.cfg.MaxPending > 0 && n > int64(p.cfg.Workers+p.cfg.MaxPending) {
		return Result{}, fmt.Errorf("%d executions in flight: %w", n-1, ErrQueueFull)
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("waiting for worker: %w", err)
	}
	defer p.sem.Release(1)

	return p.run(ctx, req)
}

func (p *Pool) run(ctx context.Context, req Request) (Result, error) {
	kind := req.Runtime
	if kind == "" {
		kind = runtime.KindDocker
	}
	rt, ok := p.runtimes[kind]
	if !ok {
		return Result{}, &Error{
			Code:     CodeRuntimeFailure,
			Class:    ClassPermanent,
			ExitCode: -1,
			Message:  fmt.Sprintf("no runtime %q configured", kind),
		}
	}

	dir, err := os.MkdirTemp(p.cfg.WorkDir, "adacta-"+req.Step+"-*")
	if err != nil {
		return Result{}, &Error{
			Code:     CodeStorageFailure,
			Class:    ClassTransient,
			ExitCode: -1,
			Message:  fmt.Sprintf("creating workspace: %v", err),
		}
	}
	defer os.RemoveAll(dir)

	if err := p.stage(ctx, dir, req.Inputs); err != nil {
		return Result{}, err
	}

	execCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	spec := runtime.Spec{
		Name:           environName(req),
		Image:          req.Image,
		Cmd:            req.Cmd,
		Env:            environ(req),
		WorkDir:        dir,
		NetworkEnabled: req.NetworkEnabled,
		Resources:      req.Resources,
	}

	handle, err := rt.Create(execCtx, spec)
	if err != nil {
		return Result{}, p.classify(ctx, execCtx, err, nil, "")
	}
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
		defer cancel()
		if err := rt.Remove(removeCtx, handle); err != nil {
			p.logger.Warn("environment teardown failed", "name", spec.Name, "error", err)
		}
	}()

	start := time.Now()
	if err := rt.Start(execCtx, handle); err != nil {
		return Result{}, p.classify(ctx, execCtx, err, nil, "")
	}

	exit, waitErr := rt.Wait(execCtx, handle)
	duration := time.Since(start)

	// Collect and persist the log on every path: failed runs keep their
	// evidence too.
	logCtx, logCancel := context.WithTimeout(context.WithoutCancel(ctx), collectTimeout)
	defer logCancel()
	var (
		logData []byte
		logRef  blob.Ref
	)
	if data, err := rt.Logs(logCtx, handle); err != nil {
		p.logger.Warn("log collection failed", "name", spec.Name, "error", err)
	} else {
		logData = data
		if logRef, err = p.store.Put(logCtx, logData); err != nil {
			p.logger.Warn("log persistence failed", "name", spec.Name, "error", err)
			logRef = ""
		}
	}

	if waitErr != nil {
		return Result{}, p.classify(ctx, execCtx, waitErr, logData, logRef)
	}
	if exit != 0 {
		return Result{}, &Error{
			Code:     CodeStepFailed,
			Class:    ClassPermanent,
			ExitCode: exit,
			Message:  fmt.Sprintf("step %s exited with code %d", req.Step, exit),
			LogTail:  p.tail(logData),
			Log:      logRef,
		}
	}

	artifacts, err := p.collect(ctx, dir, req.Outputs)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.LogTail = p.tail(logData)
			e.Log = logRef
		}
		return Result{}, err
	}

	p.logger.Debug("step executed",
		"document", req.DocumentID, "step", req.Step, "attempt", req.Attempt,
		"duration", duration, "outputs", len(artifacts))

	return Result{Artifacts: artifacts, Log: logRef, Duration: duration}, nil
}

// stage materializes input artifacts into the workspace under their
// conventional filenames.
func (p *Pool) stage(ctx context.Context, dir string, inputs map[document.Kind]blob.Ref) error {
	for kind, ref := range inputs {
		data, err := p.store.Get(ctx, ref)
		if err != nil {
			class := ClassTransient
			if errors.Is(err, blob.ErrNotFound) {
				class = ClassPermanent
			}
			return &Error{
				Code:     CodeInputUnavailable,
				Class:    class,
				ExitCode: -1,
				Message:  fmt.Sprintf("staging input %s (%s): %v", kind, ref, err),
			}
		}
		if err := os.WriteFile(filepath.Join(dir, kind.Filename()), data, 0o644); err != nil {
			return &Error{
				Code:     CodeStorageFailure,
				Class:    ClassTransient,
				ExitCode: -1,
				Message:  fmt.Sprintf("materializing input %s: %v", kind, err),
			}
		}
	}
	return nil
}

// collect reads declared outputs from the workspace and persists them.
func (p *Pool) collect(ctx context.Context, dir string, outputs []document.Kind) (map[document.Kind]blob.Ref, error) {
	artifacts := make(map[document.Kind]blob.Ref, len(outputs))
	for _, kind := range outputs {
		data, err := os.ReadFile(filepath.Join(dir, kind.Filename()))
		if err != nil {
			return nil, &Error{
				Code:     CodeOutputMissing,
				Class:    ClassPermanent,
				ExitCode: 0,
				Message:  fmt.Sprintf("declared output %s not produced: %v", kind, err),
			}
		}
		ref, err := p.store.Put(ctx, data)
		if err != nil {
			return nil, &Error{
				Code:     CodeStorageFailure,
				Class:    ClassTransient,
				ExitCode: 0,
				Message:  fmt.Sprintf("storing output %s: %v", kind, err),
			}
		}
		artifacts[kind] = ref
	}
	return artifacts, nil
}

// classify maps a runtime failure onto the transient/permanent taxonomy.
// Caller cancellation is passed through untyped so errors.Is against the
// context sentinels keeps working.
func (p *Pool) classify(ctx, execCtx context.Context, err error, logData []byte, logRef blob.Ref) error {
	if ctx.Err() != nil {
		return fmt.Errorf("execution cancelled: %w", ctx.Err())
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return &Error{
			Code:     CodeTimeout,
			Class:    ClassTransient,
			ExitCode: -1,
			Message:  "step exceeded its execution timeout",
			LogTail:  p.tail(logData),
			Log:      logRef,
		}
	}

	var rerr *runtime.Error
	if errors.As(err, &rerr) {
		switch rerr.Code {
		case runtime.CodeMemoryExhausted:
			return &Error{
				Code:     CodeMemoryExhausted,
				Class:    ClassPermanent,
				ExitCode: -1,
				Message:  rerr.Message,
				LogTail:  p.tail(logData),
				Log:      logRef,
			}
		case runtime.CodeModuleTrapped, runtime.CodeImageUnresolved:
			return &Error{
				Code:     CodeStepFailed,
				Class:    ClassPermanent,
				ExitCode: -1,
				Message:  rerr.Message,
				LogTail:  p.tail(logData),
				Log:      logRef,
			}
		}
	}

	return &Error{
		Code:     CodeRuntimeFailure,
		Class:    ClassTransient,
		ExitCode: -1,
		Message:  err.Error(),
		LogTail:  p.tail(logData),
		Log:      logRef,
	}
}

func (p *Pool) tail(logData []byte) string {
	if len(logData) > p.cfg.LogTailBytes {
		logData = logData[len(logData)-p.cfg.LogTailBytes:]
	}
	return string(logData)
}

// environName derives a unique, attributable environment name. Attempts
// are suffixed so a retry never collides with a not-yet-reaped
// predecessor.
func environName(req Request) string {
	return fmt.Sprintf("adacta-%s-%s-a%d", req.Step, req.DocumentID, req.Attempt)
}

// environ renders the step environment: caller variables in sorted order,
// then DID carrying the document identity.
func environ(req Request) []string {
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		env = append(env, k+"="+req.Env[k])
	}
	return append(env, "DID="+req.DocumentID)
}
