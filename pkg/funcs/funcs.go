// Package funcs defines the function-registry port. Registry functions are
// named units of work outside the tool path: checkpoint summarizers, title
// generators, session init hooks and delegated sub-agents all live here.
package funcs

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownFunction is returned when no function is registered under an id.
var ErrUnknownFunction = errors.New("unknown function")

// Func is one registry function. Params and result are free-form mappings;
// a result may carry a "_control" envelope which the caller splits out.
type Func func(ctx context.Context, params map[string]any) (map[string]any, error)

// Registry resolves function ids to callables.
type Registry interface {
	Call(ctx context.Context, id string, params map[string]any) (map[string]any, error)
	Has(id string) bool
}

// MapRegistry is a Registry backed by an in-process map. Safe for concurrent
// use; registration usually happens once at startup.
type MapRegistry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewMapRegistry returns an empty registry.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{funcs: map[string]Func{}}
}

// Register binds id to fn, replacing any previous binding.
func (r *MapRegistry) Register(id string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[id] = fn
}

func (r *MapRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[id]
	return ok
}

func (r *MapRegistry) Call(ctx context.Context, id string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	fn, ok := r.funcs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, id)
	}
	return fn(ctx, params)
}
