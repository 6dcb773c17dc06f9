package supervisor

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// advisoryEngine compiles and caches CEL programs over a `view` map.
type advisoryEngine struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newAdvisoryEngine() (*advisoryEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("view", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("supervisor: create CEL env: %w", err)
	}
	return &advisoryEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Compile checks expr without evaluating it.
func (e *advisoryEngine) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *advisoryEngine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	p, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	e.cache[expr] = p
	return p, nil
}

// Evaluate runs expr against view.
func (e *advisoryEngine) Evaluate(expr string, view map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"view": view})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL result not boolean")
	}
	return b, nil
}
