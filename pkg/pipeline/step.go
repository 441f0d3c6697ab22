// Package pipeline schedules processing steps over documents by artifact
// availability: a step becomes runnable the moment every artifact kind it
// declares as input exists on the document. Step sets form a directed
// acyclic graph keyed by artifact kind. Dispatch, retry with deterministic
// backoff, partial-failure isolation, and incremental result persistence
// all live here.
package pipeline

import (
	"time"

	"github.com/fooker/adacta/pkg/document"
	"github.com/fooker/adacta/pkg/runtime"
)

// Step declares one processing stage: what it consumes, what it produces,
// and how it runs.
type Step struct {
	Name string

	// Runtime selects the execution environment kind; docker when empty.
	Runtime string
	Image   string
	Cmd     []string
	Env     map[string]string

	// Inputs must all be available on the document before the step runs.
	// The specimen is available from ingestion; everything else comes from
	// other steps' outputs.
	Inputs []document.Kind

	// Outputs are produced by a successful run. Each kind has exactly one
	// producer in a valid graph.
	Outputs []document.Kind

	Timeout time.Duration
	Retry   RetryPolicy

	// Classifier optionally refines failure classification: a CEL
	// expression over exit_code, log_tail, and attempt. Evaluating to true
	// marks the failure transient.
	Classifier string

	NetworkEnabled bool
	Resources      runtime.Resources
}

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	// MaxAttempts counts all attempts including the first. Default 3.
	MaxAttempts int
	// BaseBackoff is the delay after the first failed attempt; it doubles
	// per further attempt. Default 500ms.
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential growth. Default 30s.
	MaxBackoff time.Duration
	// MaxJitter bounds the deterministic jitter added on top. Default 250ms.
	MaxJitter time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	if p.MaxJitter <= 0 {
		p.MaxJitter = 250 * time.Millisecond
	}
	return p
}
