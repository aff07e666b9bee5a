// Package extension hosts the I/O side of suspended extension calls.
// The engine performs no I/O itself: $ext.call parks the execution and
// hands {extension, method, args} to the caller, who resolves it through
// a registered Provider and resumes with the outcome. Drive runs that
// loop to completion for callers that do not need to interleave their
// own work between slices.
package extension

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cocoon-run/cocoon/executor"
	"github.com/cocoon-run/cocoon/handler"
	"github.com/cocoon-run/cocoon/value"
)

// Provider performs host-side I/O for one extension namespace.
type Provider interface {
	// Methods lists the callable methods, used to declare the extension
	// in a handler context.
	Methods() []string

	// Call performs the I/O for one suspended call. A returned error
	// becomes a catchable failure at the script's resume point, never
	// an engine fault.
	Call(ctx context.Context, method string, args []value.Value) (value.Value, error)
}

// Registry maps extension names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	r.providers[name] = p
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	return p, ok
}

// List returns the registered extension names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations builds the extension name to method list mapping a
// handler context carries, so scripts can only call what is registered.
func (r *Registry) Declarations() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decls := make(map[string][]string, len(r.providers))
	for name, p := range r.providers {
		decls[name] = p.Methods()
	}
	return decls
}

// Resolve performs the I/O for one suspension. Provider errors and
// missing providers are mapped onto the failure branch of the result,
// surfacing inside the sandbox as a catchable error.
func (r *Registry) Resolve(ctx context.Context, s *handler.Suspension) handler.IOResult {
	p, ok := r.Get(s.Extension)
	if !ok {
		return handler.IOResult{Failure: fmt.Sprintf("no provider for extension %q", s.Extension)}
	}
	v, err := p.Call(ctx, s.Method, s.Args)
	if err != nil {
		return handler.IOResult{Failure: err.Error()}
	}
	return handler.IOResult{Value: v}
}

// Drive executes source and resolves every suspension through the
// registry until the execution reaches a terminal result. It returns
// every slice result in order, the terminal one last, so the caller can
// apply effect batches in the order they were flushed.
//
// The loop needs no iteration cap: each $ext.call is charged against the
// execution's host call budget, so a handler that suspends forever runs
// out of budget instead of looping.
func Drive(ctx context.Context, eng *executor.Engine, source string, ectx *handler.Context, reg *Registry, opts ...executor.Option) ([]*handler.Result, error) {
	res, err := eng.Execute(ctx, source, ectx, opts...)
	if err != nil {
		return nil, err
	}
	steps := []*handler.Result{res}
	for res.Suspended() {
		io := reg.Resolve(ctx, res.Suspension)
		if res, err = eng.Resume(ctx, res.Suspension.ID, io); err != nil {
			return steps, err
		}
		steps = append(steps, res)
	}
	return steps, nil
}

// params interprets the conventional single options-object argument of
// an extension call. Indexing the returned map is safe even when the
// call had no arguments: a nil map yields zero values.
func params(args []value.Value) map[string]value.Value {
	if len(args) > 0 && args[0].Kind() == value.KindMap {
		return args[0].AsMap()
	}
	return nil
}
