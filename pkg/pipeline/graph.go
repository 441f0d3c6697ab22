package pipeline

import (
	"errors"
	"fmt"

	"github.com/fooker/adacta/pkg/blob"
	"github.com/fooker/adacta/pkg/document"
	"github.com/fooker/adacta/pkg/runtime"
)

// Graph is a validated step set: unique names, a single producer per
// artifact kind, every input resolvable from the specimen or another
// step's outputs, and no cycles.
type Graph struct {
	steps    []Step
	byName   map[string]Step
	producer map[document.Kind]string
}

// NewGraph validates the step set and builds the dependency graph.
func NewGraph(steps []Step) (*Graph, error) {
	g := &Graph{
		byName:   make(map[string]Step, len(steps)),
		producer: make(map[document.Kind]string),
	}

	for _, step := range steps {
		if step.Name == "" {
			return nil, errors.New("pipeline: step without a name")
		}
		if step.Image == "" {
			return nil, fmt.Errorf("pipeline: step %s has no image", step.Name)
		}
		switch step.Runtime {
		case "", runtime.KindDocker, runtime.KindWasi:
		default:
			return nil, fmt.Errorf("pipeline: step %s: unknown runtime %q", step.Name, step.Runtime)
		}
		if len(step.Outputs) == 0 {
			return nil, fmt.Errorf("pipeline: step %s produces nothing", step.Name)
		}
		if _, dup := g.byName[step.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate step %s", step.Name)
		}

		for _, kind := range step.Outputs {
			if kind == document.KindSpecimen {
				return nil, fmt.Errorf("pipeline: step %s would overwrite the specimen", step.Name)
			}
			if kind.IsLog() {
				return nil, fmt.Errorf("pipeline: step %s: %s is reserved for execution logs", step.Name, kind)
			}
			if prev, dup := g.producer[kind]; dup {
				return nil, fmt.Errorf("pipeline: %s produced by both %s and %s", kind, prev, step.Name)
			}
			g.producer[kind] = step.Name
		}

		g.byName[step.Name] = step
		g.steps = append(g.steps, step)
	}

	for _, step := range g.steps {
		for _, kind := range step.Inputs {
			if kind == document.KindSpecimen {
				continue
			}
			if _, ok := g.producer[kind]; !ok {
				return nil, fmt.Errorf("pipeline: step %s input %s has no producer", step.Name, kind)
			}
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) checkAcyclic() error {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(g.steps))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("pipeline: dependency cycle through step %s", name)
		case done:
			return nil
		}
		state[name] = visiting
		for _, kind := range g.byName[name].Inputs {
			if kind == document.KindSpecimen {
				continue
			}
			if err := visit(g.producer[kind]); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, step := range g.steps {
		if err := visit(step.Name); err != nil {
			return err
		}
	}
	return nil
}

// Steps returns the steps in declaration order.
func (g *Graph) Steps() []Step {
	return g.steps
}

// Step looks a step up by name.
func (g *Graph) Step(name string) (Step, bool) {
	step, ok := g.byName[name]
	return step, ok
}

// Producer names the step producing kind.
func (g *Graph) Producer(kind document.Kind) (string, bool) {
	name, ok := g.producer[kind]
	return name, ok
}

// Ready returns, in declaration order, the steps not yet dispatched whose
// inputs are all satisfied by the available artifact set.
func (g *Graph) Ready(available map[document.Kind]blob.Ref, dispatched map[string]bool) []Step {
	var ready []Step
	for _, step := range g.steps {
		if dispatched[step.Name] {
			continue
		}
		satisfied := true
		for _, kind := range step.Inputs {
			if _, ok := available[kind]; !ok {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, step)
		}
	}
	return ready
}

// Dependents returns, in declaration order, the names of steps that
// transitively require any of the given kinds. When a producer fails
// permanently these are exactly the steps that can never run.
func (g *Graph) Dependents(kinds ...document.Kind) []string {
	lost := make(map[document.Kind]bool, len(kinds))
	for _, kind := range kinds {
		lost[kind] = true
	}

	affected := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for _, step := range g.steps {
			if affected[step.Name] {
				continue
			}
			for _, kind := range step.Inputs {
				if lost[kind] {
					affected[step.Name] = true
					for _, out := range step.Outputs {
						lost[out] = true
					}
					changed = true
					break
				}
			}
		}
	}

	var names []string
	for _, step := range g.steps {
		if affected[step.Name] {
			names = append(names, step.Name)
		}
	}
	return names
}
