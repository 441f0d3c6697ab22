// Package runtime defines the narrow boundary to container runtimes: an
// execution environment is created, started, waited on, its logs collected,
// and removed. The engine depends only on this contract, never on a
// specific runtime's full feature set. Two implementations exist: the
// Docker Engine and an in-process WASI runtime executing WebAssembly step
// images fetched from the blob store.
package runtime

import (
	"context"
	"fmt"
)

// Kinds of execution environments a pipeline step can request.
const (
	KindDocker = "docker"
	KindWasi   = "wasi"
)

// WorkMount is the path inside the environment where the step workspace
// appears. Input artifacts are materialized there before start; output
// files are collected from there after exit.
const WorkMount = "/work"

// Spec describes one ephemeral execution environment.
type Spec struct {
	// Name uniquely identifies the environment for its lifetime. Derived
	// from the step and document, so leaked environments are attributable.
	Name string

	// Image selects what runs: a Docker image reference, or for the WASI
	// runtime the blob ref of a compiled WebAssembly module.
	Image string

	Cmd []string
	Env []string // KEY=VALUE pairs

	// WorkDir is the host directory bound to WorkMount inside the
	// environment.
	WorkDir string

	// NetworkEnabled opts the environment into network access. Disabled by
	// default: processing steps work on mounted inputs only.
	NetworkEnabled bool

	Resources Resources
}

// Resources bounds an execution environment. Zero values leave the
// corresponding ceiling unset.
type Resources struct {
	MemoryBytes int64   `yaml:"memory_bytes" json:"memory_bytes"`
	CPUCores    float64 `yaml:"cpu_cores" json:"cpu_cores"`
	PidsLimit   int64   `yaml:"pids_limit" json:"pids_limit"`
}

// Handle identifies a provisioned environment within its Runtime.
type Handle string

// Runtime is the container-runtime boundary.
//
// The caller drives the lifecycle: Create, Start, Wait, Logs, Remove.
// Remove must succeed on every exit path and therefore should be called
// with a context that outlives the execution context; removing an already
// removed environment is not an error.
type Runtime interface {
	// Create provisions an environment described by spec.
	Create(ctx context.Context, spec Spec) (Handle, error)

	// Start begins execution of a created environment.
	Start(ctx context.Context, handle Handle) error

	// Wait blocks until the environment stops and returns its exit code.
	Wait(ctx context.Context, handle Handle) (int, error)

	// Logs returns the combined stdout/stderr captured so far. Called
	// after Wait it returns the full execution log.
	Logs(ctx context.Context, handle Handle) ([]byte, error)

	// Remove tears the environment down, killing it if still running.
	Remove(ctx context.Context, handle Handle) error

	// Close releases the runtime itself, tearing down any environments
	// still alive.
	Close() error
}

// Deterministic error codes for runtime failures.
const (
	// CodeUnavailable: the runtime itself cannot be reached or provision.
	CodeUnavailable = "ERR_RUNTIME_UNAVAILABLE"
	// CodeMemoryExhausted: the environment exceeded its memory ceiling.
	CodeMemoryExhausted = "ERR_MEMORY_EXHAUSTED"
	// CodeUnknownHandle: no environment exists under the handle.
	CodeUnknownHandle = "ERR_UNKNOWN_HANDLE"
	// CodeImageUnresolved: the execution image cannot be loaded.
	CodeImageUnresolved = "ERR_IMAGE_UNRESOLVED"
	// CodeModuleTrapped: the module crashed without reporting an exit code.
	CodeModuleTrapped = "ERR_MODULE_TRAPPED"
)

// Error is a typed runtime failure with a deterministic code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Config selects and bounds the runtimes available to the executor.
type Config struct {
	Docker DockerConfig `yaml:"docker" json:"docker"`
	Wasi   WasiConfig   `yaml:"wasi" json:"wasi"`
}

// DockerConfig holds connection settings for the Docker Engine runtime.
type DockerConfig struct {
	// Host overrides the daemon address; empty uses the environment
	// (DOCKER_HOST et al).
	Host string `yaml:"host" json:"host"`
}

// WasiConfig bounds the in-process WASI runtime.
type WasiConfig struct {
	// MemoryLimitBytes caps each module's linear memory. Zero applies
	// DefaultWasiMemoryLimit.
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes" json:"memory_limit_bytes"`
}

// DefaultWasiMemoryLimit bounds WASI module memory when unconfigured.
const DefaultWasiMemoryLimit = 256 << 20 // 256 MiB
