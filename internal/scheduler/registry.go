package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// JobFunc is a schedulable function.
type JobFunc func(ctx context.Context, input Input) error

// Registry maps the function names accepted in submit messages to code.
// Names outside the registry are rejected.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]JobFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]JobFunc)}
}

// Register adds fn under name.
func (r *Registry) Register(name string, fn JobFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("scheduler: register requires a name and function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("scheduler: job function %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

func (r *Registry) Lookup(name string) (JobFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names lists registered functions in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
