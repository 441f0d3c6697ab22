package pipeline

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Classifier compiles and caches the per-step CEL expressions that refine
// failure classification. Expressions see exit_code, log_tail, and
// attempt; evaluating to true marks the failure transient.
type Classifier struct {
	env *cel.Env

	mu  sync.RWMutex
	prg map[string]cel.Program
}

// NewClassifier builds the shared evaluation environment.
func NewClassifier() (*Classifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("exit_code", cel.IntType),
		cel.Variable("log_tail", cel.StringType),
		cel.Variable("attempt", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("building classifier environment: %w", err)
	}
	return &Classifier{env: env, prg: make(map[string]cel.Program)}, nil
}

// Compile pre-compiles an expression so malformed configuration surfaces
// at load time, and warms the program cache.
func (c *Classifier) Compile(expr string) error {
	_, err := c.program(expr)
	return err
}

// Transient evaluates expr against one failure.
func (c *Classifier) Transient(expr string, exitCode int, logTail string, attempt int) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"exit_code": exitCode,
		"log_tail":  logTail,
		"attempt":   attempt,
	})
	if err != nil {
		return false, fmt.Errorf("evaluating classifier: %w", err)
	}

	verdict, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("classifier returned %T, want bool", out.Value())
	}
	return verdict, nil
}

func (c *Classifier) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.prg[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.prg[expr]; ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling classifier %q: %w", expr, issues.Err())
	}

	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("building classifier program: %w", err)
	}

	c.prg[expr] = prg
	return prg, nil
}
