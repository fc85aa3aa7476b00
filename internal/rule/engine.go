package rule

import (
	"context"
	"fmt"
	"sync"
)

// Engine executes named rules with a parameter map. Rule identity is an
// opaque name resolved by the host; the engine here is a port onto whatever
// scripting runtime the deployment uses.
//
// Phase-transition invocations conventionally pass "certification",
// "certificationItem" (when transitioning an item), "previousPhase" and
// "nextPhase".
type Engine interface {
	Run(ctx context.Context, ref string, args map[string]any) (map[string]any, error)
}

// Func is one registered rule body.
type Func func(ctx context.Context, args map[string]any) (map[string]any, error)

// FuncEngine is a registry-backed Engine for hosts and tests.
type FuncEngine struct {
	mu    sync.RWMutex
	rules map[string]Func
}

// NewFuncEngine creates an empty registry.
func NewFuncEngine() *FuncEngine {
	return &FuncEngine{rules: make(map[string]Func)}
}

var _ Engine = (*FuncEngine)(nil)

// Register binds a rule name to a body, replacing any previous binding.
func (e *FuncEngine) Register(ref string, fn Func) {
	e.mu.Lock()
	e.rules[ref] = fn
	e.mu.Unlock()
}

// Run executes the named rule. An unresolvable name is a configuration
// error.
func (e *FuncEngine) Run(ctx context.Context, ref string, args map[string]any) (map[string]any, error) {
	e.mu.RLock()
	fn, ok := e.rules[ref]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rule %q not found", ref)
	}
	return fn(ctx, args)
}
