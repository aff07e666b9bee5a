// Package hostfunc implements the host operations visible to sandboxed
// handlers. All host bindings live under the reserved $ prefix ($state,
// $emit, $view, $ext, $log plus the read-only $args, $scope and $panel)
// so they can never collide with script identifiers; console is kept as
// a familiar alias for the log levels. Every operation charges the call
// budget, then checks the execution's capability set; denial is thrown
// back into the script as a catchable error that records nothing.
package hostfunc

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dop251/goja"

	"github.com/cocoon-run/cocoon/capability"
	"github.com/cocoon-run/cocoon/handler"
	"github.com/cocoon-run/cocoon/value"
)

// Abort is panicked through the interpreter to end an execution with a
// terminal code. It is not a script value, so script try/catch can never
// intercept it; the engine recovers it at the run boundary.
type Abort struct {
	Code    handler.Code
	Message string
}

func (a *Abort) Error() string {
	return string(a.Code) + ": " + a.Message
}

// Suspender parks the calling goroutine for the duration of one
// extension call. Implementations flush pending effects to the caller,
// hand out a suspension id, and block until the matching resume supplies
// the I/O outcome. A returned error aborts the execution uncatchably.
type Suspender interface {
	Suspend(extension, method string, args []value.Value) (handler.IOResult, error)
}

type overlayEntry struct {
	val     value.Value
	deleted bool
}

// Call is the host-side state of one execution: the state snapshot, the
// capability set, recorded effects and logs, and the call counter. It
// lives for the whole execution, across every suspension.
//
// Ownership: host operations run on the instance's goroutine. The engine
// only touches a Call while that goroutine is parked in Suspend or after
// it finished, so access is serialized without locking.
type Call struct {
	vm *goja.Runtime

	panel      string
	caps       capability.Set
	snapshot   map[string]value.Value
	args       map[string]value.Value
	scope      map[string]value.Value
	extensions map[string][]string
	suspender  Suspender
	budget     int

	calls   int
	effects handler.Effects
	overlay map[string]overlayEntry
	logs    []handler.LogEntry
}

// NewCall prepares host state for one execution. caps must already be
// parsed from the context's grants; budget <= 0 means unlimited.
func NewCall(ctx *handler.Context, caps capability.Set, susp Suspender, budget int) *Call {
	return &Call{
		panel:      ctx.PanelID,
		caps:       caps,
		snapshot:   ctx.State,
		args:       ctx.Args,
		scope:      ctx.Scope,
		extensions: ctx.Extensions,
		suspender:  susp,
		budget:     budget,
		overlay:    make(map[string]overlayEntry),
	}
}

// Bind installs the host surface into an interpreter under the $
// namespace. Map-valued globals are rebuilt from the context on every
// bind, so a fresh runtime after Reset sees identical data.
func (c *Call) Bind(vm *goja.Runtime) {
	c.vm = vm

	state := vm.NewObject()
	state.Set("get", c.stateGet)
	state.Set("set", c.stateSet)
	state.Set("delete", c.stateDelete)
	vm.Set("$state", state)

	vm.Set("$emit", c.emit)

	view := vm.NewObject()
	view.Set("command", c.viewCommand)
	vm.Set("$view", view)

	ext := vm.NewObject()
	ext.Set("call", c.extCall)
	vm.Set("$ext", ext)

	vm.Set("$log", c.makeLog("log"))
	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		console.Set(level, c.makeLog(level))
	}
	vm.Set("console", console)

	vm.Set("$args", mapToJS(vm, c.args))
	vm.Set("$scope", mapToJS(vm, c.scope))
	vm.Set("$panel", c.panel)
}

// Drain returns the effects and logs recorded since the previous drain
// and clears them. Called at every suspension point and at completion.
func (c *Call) Drain() (handler.Effects, []handler.LogEntry) {
	effects := c.effects
	logs := c.logs
	c.effects = handler.Effects{}
	c.logs = nil
	return effects, logs
}

// Calls returns the number of host calls charged so far.
func (c *Call) Calls() int {
	return c.calls
}

// charge counts one host call against the execution budget. Exhaustion
// is terminal and uncatchable.
func (c *Call) charge(op string) {
	c.calls++
	if c.budget > 0 && c.calls > c.budget {
		panic(&Abort{
			Code:    handler.CodeResourceLimit,
			Message: fmt.Sprintf("host call budget (%d) exhausted at %s", c.budget, op),
		})
	}
}

// require throws a catchable PERMISSION_DENIED error unless the
// execution holds a matching grant.
func (c *Call) require(op string, kind capability.Kind, scope string) {
	if c.caps.Allows(capability.Token{Kind: kind, Scope: scope}) {
		return
	}
	tok := capability.Token{Kind: kind, Scope: scope}
	panic(c.jsError(handler.CodePermissionDenied, fmt.Sprintf("%s requires capability %q", op, tok.String())))
}

// jsError builds a script Error object carrying code, thrown back into
// the sandbox where try/catch can see it.
func (c *Call) jsError(code handler.Code, msg string) goja.Value {
	obj, err := c.vm.New(c.vm.Get("Error"), c.vm.ToValue(msg))
	if err != nil {
		return c.vm.ToValue(msg)
	}
	if code != "" {
		obj.Set("code", string(code))
	}
	return obj
}

func (c *Call) stateGet(call goja.FunctionCall) goja.Value {
	c.charge("state.get")
	key := call.Argument(0).String()
	c.require("state.get", capability.StateRead, key)

	// Reads observe this execution's own pending writes.
	if e, ok := c.overlay[key]; ok {
		if e.deleted {
			return goja.Undefined()
		}
		return toJS(c.vm, e.val)
	}
	if v, ok := c.snapshot[key]; ok {
		return toJS(c.vm, v)
	}
	return goja.Undefined()
}

func (c *Call) stateSet(call goja.FunctionCall) goja.Value {
	c.charge("state.set")
	key := call.Argument(0).String()
	c.require("state.set", capability.StateWrite, key)

	v, err := FromJS(call.Argument(1))
	if err != nil {
		panic(c.vm.NewTypeError("state.set %q: %s", key, err.Error()))
	}
	c.effects.StateMutations = append(c.effects.StateMutations, handler.StateMutation{
		Key:   key,
		Value: v,
		Op:    handler.StateOpSet,
	})
	c.overlay[key] = overlayEntry{val: v}
	return goja.Undefined()
}

func (c *Call) stateDelete(call goja.FunctionCall) goja.Value {
	c.charge("state.delete")
	key := call.Argument(0).String()
	c.require("state.delete", capability.StateWrite, key)

	c.effects.StateMutations = append(c.effects.StateMutations, handler.StateMutation{
		Key: key,
		Op:  handler.StateOpDelete,
	})
	c.overlay[key] = overlayEntry{deleted: true}
	return goja.Undefined()
}

func (c *Call) emit(call goja.FunctionCall) goja.Value {
	c.charge("emit")
	name := call.Argument(0).String()
	c.require("emit", capability.EventEmit, name)

	payload, err := FromJS(call.Argument(1))
	if err != nil {
		panic(c.vm.NewTypeError("emit %q: %s", name, err.Error()))
	}
	c.effects.Events = append(c.effects.Events, handler.Event{Name: name, Payload: payload})
	return goja.Undefined()
}

func (c *Call) viewCommand(call goja.FunctionCall) goja.Value {
	c.charge("view.command")
	cmdType := call.Argument(0).String()
	target := c.panel
	if t := call.Argument(2); !goja.IsUndefined(t) && !goja.IsNull(t) {
		target = t.String()
	}
	c.require("view.command", capability.ViewUpdate, target)

	cmdArgs, err := FromJS(call.Argument(1))
	if err != nil {
		panic(c.vm.NewTypeError("view.command %q: %s", cmdType, err.Error()))
	}
	c.effects.ViewCommands = append(c.effects.ViewCommands, handler.ViewCommand{
		Type:     cmdType,
		TargetID: target,
		Args:     cmdArgs,
	})
	return goja.Undefined()
}

func (c *Call) extCall(call goja.FunctionCall) goja.Value {
	c.charge("extension.call")
	name := call.Argument(0).String()
	method := call.Argument(1).String()
	c.require("extension.call", capability.Extension, name)

	methods, ok := c.extensions[name]
	if !ok {
		panic(c.vm.NewTypeError("unknown extension %q", name))
	}
	if !slices.Contains(methods, method) {
		panic(c.vm.NewTypeError("extension %q has no method %q", name, method))
	}

	var args []value.Value
	if len(call.Arguments) > 2 {
		for _, a := range call.Arguments[2:] {
			v, err := FromJS(a)
			if err != nil {
				panic(c.vm.NewTypeError("extension.call %s.%s: %s", name, method, err.Error()))
			}
			args = append(args, v)
		}
	}

	res, err := c.suspender.Suspend(name, method, args)
	if err != nil {
		if ab, ok := err.(*Abort); ok {
			panic(ab)
		}
		panic(&Abort{Code: handler.CodeInternalError, Message: err.Error()})
	}
	if res.Failure != "" {
		panic(c.jsError("", res.Failure))
	}
	return toJS(c.vm, res.Value)
}

func (c *Call) makeLog(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		c.charge("log")

		var b strings.Builder
		for i, arg := range call.Arguments {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(arg.String())
		}
		c.logs = append(c.logs, handler.LogEntry{Level: level, Message: b.String()})
		return goja.Undefined()
	}
}
