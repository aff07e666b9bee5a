// Package sandbox manages hardened interpreter instances and the bounded
// pool that reuses them across handler executions.
package sandbox

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// DefaultMaxCallStack bounds interpreter recursion depth.
const DefaultMaxCallStack = 1024

// clockEpoch is the instant every handler observes from Date. The clock
// is pinned so replaying a handler with the same context reproduces its
// effects; current time reaches handlers through state or args.
var clockEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// hardenScript closes the in-language code generation routes and freezes
// the builtin roots so one execution cannot poison the prototypes seen by
// a later one.
const hardenScript = `(function() {
	try {
		Object.defineProperty(Function.prototype, 'constructor', {
			value: function() { throw new TypeError('Function constructor is disabled'); },
			writable: false,
			configurable: false
		});
	} catch (e) {}
	try {
		var roots = [Object, Array, Function, String, Number, Boolean, Date, RegExp,
			Error, TypeError, RangeError, SyntaxError, ReferenceError, EvalError,
			URIError, Math, JSON];
		for (var i = 0; i < roots.length; i++) {
			if (roots[i].prototype) { Object.freeze(roots[i].prototype); }
			Object.freeze(roots[i]);
		}
	} catch (e) {}
})();`

// Options configures instance construction.
type Options struct {
	MaxCallStack int
}

func (o Options) withDefaults() Options {
	if o.MaxCallStack <= 0 {
		o.MaxCallStack = DefaultMaxCallStack
	}
	return o
}

// Instance is one reusable interpreter. It is owned by exactly one
// execution at a time; only Interrupt and Tainted may be called while
// another goroutine is running script on it.
type Instance struct {
	id      int
	opts    Options
	vm      *goja.Runtime
	tainted atomic.Bool
}

// New creates a hardened instance.
func New(id int, opts Options) *Instance {
	inst := &Instance{id: id, opts: opts.withDefaults()}
	inst.vm = newRuntime(inst.opts)
	return inst
}

func newRuntime(opts Options) *goja.Runtime {
	vm := goja.New()
	vm.SetMaxCallStackSize(opts.MaxCallStack)
	vm.SetTimeSource(func() time.Time { return clockEpoch })

	vm.Set("eval", goja.Undefined())
	vm.Set("require", goja.Undefined())
	vm.Set("process", goja.Undefined())
	vm.Set("module", goja.Undefined())
	vm.Set("exports", goja.Undefined())

	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, name := range []string{"setTimeout", "setInterval", "setImmediate", "clearTimeout", "clearInterval"} {
		vm.Set(name, noop)
	}

	// Errors are ignored deliberately: a hardening step that cannot apply
	// leaves the instance usable, just less locked down.
	_, _ = vm.RunString(hardenScript)

	vm.Set("Function", func(goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("Function constructor is disabled"))
	})
	return vm
}

// ID identifies the instance in metrics and logs. Stable across Reset,
// retired on Close.
func (i *Instance) ID() int {
	return i.id
}

// Runtime exposes the underlying interpreter for host binding.
func (i *Instance) Runtime() *goja.Runtime {
	return i.vm
}

// SeedRandom reseeds Math.random so a run is reproducible.
func (i *Instance) SeedRandom(seed int64) {
	src := rand.New(rand.NewSource(seed))
	i.vm.SetRandSource(src.Float64)
}

// Run executes a compiled program and returns its completion value.
func (i *Instance) Run(p *goja.Program) (goja.Value, error) {
	return i.vm.RunProgram(p)
}

// Interrupt stops running script from another goroutine and taints the
// instance. The running Run call returns a *goja.InterruptedError
// carrying reason.
func (i *Instance) Interrupt(reason string) {
	i.tainted.Store(true)
	i.vm.Interrupt(reason)
}

// ClearInterrupt discards a pending interrupt that fired after script
// completed but before its timer was stopped.
func (i *Instance) ClearInterrupt() {
	i.vm.ClearInterrupt()
}

// Taint marks the instance unsafe for reuse without a Reset.
func (i *Instance) Taint() {
	i.tainted.Store(true)
}

// Tainted reports whether the instance was interrupted or marked.
func (i *Instance) Tainted() bool {
	return i.tainted.Load()
}

// Reset discards the interpreter and rebuilds a hardened one, keeping the
// instance identity. Script-visible state cannot be scrubbed selectively
// once untrusted code has run, so the runtime is replaced wholesale.
func (i *Instance) Reset() {
	i.vm = newRuntime(i.opts)
	i.tainted.Store(false)
}

// Close releases the interpreter. The instance must not be used after.
func (i *Instance) Close() {
	i.vm = nil
}
