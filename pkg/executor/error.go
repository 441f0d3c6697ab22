package executor

import (
	"errors"
	"fmt"

	"github.com/fooker/adacta/pkg/blob"
)

// ErrQueueFull reports that admission is at capacity. The request was
// never started; callers back off and resubmit.
var ErrQueueFull = errors.New("executor queue full")

// Class separates failures the scheduler may retry from those it must not.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// Deterministic error codes for execution failures.
const (
	// CodeTimeout: the step exceeded its wall-clock budget.
	CodeTimeout = "ERR_EXEC_TIMEOUT"
	// CodeRuntimeFailure: the runtime failed around the step, not the step
	// itself.
	CodeRuntimeFailure = "ERR_RUNTIME_FAILURE"
	// CodeStepFailed: the step ran and reported failure.
	CodeStepFailed = "ERR_STEP_FAILED"
	// CodeOutputMissing: the step exited cleanly without producing a
	// declared output.
	CodeOutputMissing = "ERR_OUTPUT_MISSING"
	// CodeInputUnavailable: a declared input artifact could not be staged.
	CodeInputUnavailable = "ERR_INPUT_UNAVAILABLE"
	// CodeMemoryExhausted: the step hit its memory ceiling.
	CodeMemoryExhausted = "ERR_MEMORY_EXHAUSTED"
	// CodeStorageFailure: blob or workspace I/O around the run failed.
	CodeStorageFailure = "ERR_STORAGE_FAILURE"
)

// Error is the classified failure of one execution attempt. ExitCode and
// LogTail feed per-step failure classifiers; Log preserves the full
// captured output when it could be persisted.
type Error struct {
	Code     string
	Class    Class
	Message  string
	ExitCode int // -1 when the step never reported one
	LogTail  string
	Log      blob.Ref // zero when no log was captured
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Class, e.Message)
}

// Retryable reports whether another attempt can plausibly succeed.
func (e *Error) Retryable() bool {
	return e.Class == ClassTransient
}
