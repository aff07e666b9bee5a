// Package handler defines the data model shared between the execution
// engine, the context codec, and embedding hosts: execution contexts,
// pending effects, results, and the error code taxonomy.
package handler

import (
	"errors"
	"fmt"
	"time"

	"github.com/cocoon-run/cocoon/value"
)

// Context carries everything one handler execution may see. Callers build
// it fresh per call; the engine injects a deep copy, so the sandbox can
// never alias caller memory. Grants use the capability wire form
// ("state:write:counter", "ext:http"); Extensions maps each extension
// name to the methods its provider supports.
type Context struct {
	PanelID     string                 `json:"panel_id" cbor:"panel_id"`
	HandlerName string                 `json:"handler_name" cbor:"handler_name"`
	State       map[string]value.Value `json:"state" cbor:"state"`
	Args        map[string]value.Value `json:"args,omitempty" cbor:"args,omitempty"`
	Scope       map[string]value.Value `json:"scope,omitempty" cbor:"scope,omitempty"`
	Grants      []string               `json:"grants" cbor:"grants"`
	Extensions  map[string][]string    `json:"extensions,omitempty" cbor:"extensions,omitempty"`
}

// Validate rejects contexts that cannot cross the sandbox boundary: a
// missing panel or handler identity, or a value whose nesting exceeds the
// codec bound (hand-assembled values can alias into cycles, which present
// as unbounded depth).
func (c *Context) Validate() error {
	if c.PanelID == "" {
		return errors.New("missing panel id")
	}
	if c.HandlerName == "" {
		return errors.New("missing handler name")
	}
	for name, group := range map[string]map[string]value.Value{
		"state": c.State,
		"args":  c.Args,
		"scope": c.Scope,
	} {
		for k, v := range group {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("%s key %q: %w", name, k, err)
			}
		}
	}
	return nil
}

// StateOp distinguishes mutation flavors.
type StateOp string

const (
	StateOpSet    StateOp = "set"
	StateOpDelete StateOp = "delete"
)

// StateMutation is one recorded (not applied) state change.
type StateMutation struct {
	Key   string      `json:"key" cbor:"key"`
	Value value.Value `json:"value" cbor:"value"`
	Op    StateOp     `json:"op" cbor:"op"`
}

// Event is one emitted application event.
type Event struct {
	Name    string      `json:"name" cbor:"name"`
	Payload value.Value `json:"payload" cbor:"payload"`
}

// ViewCommand is one UI command addressed to a panel.
type ViewCommand struct {
	Type     string      `json:"type" cbor:"type"`
	TargetID string      `json:"target_id" cbor:"target_id"`
	Args     value.Value `json:"args" cbor:"args"`
}

// Effects accumulates the side effects a handler intends. They are
// flushed to the caller at every suspension point and at completion,
// never edited retroactively.
type Effects struct {
	StateMutations []StateMutation `json:"state_mutations,omitempty" cbor:"state_mutations,omitempty"`
	Events         []Event         `json:"events,omitempty" cbor:"events,omitempty"`
	ViewCommands   []ViewCommand   `json:"view_commands,omitempty" cbor:"view_commands,omitempty"`
}

// Empty reports whether nothing was recorded.
func (e Effects) Empty() bool {
	return len(e.StateMutations) == 0 && len(e.Events) == 0 && len(e.ViewCommands) == 0
}

// Count returns the total number of recorded effects.
func (e Effects) Count() int {
	return len(e.StateMutations) + len(e.Events) + len(e.ViewCommands)
}

// ApplyState folds the recorded mutations, in order, into a
// caller-owned state map.
func (e Effects) ApplyState(state map[string]value.Value) {
	for _, m := range e.StateMutations {
		switch m.Op {
		case StateOpSet:
			state[m.Key] = m.Value
		case StateOpDelete:
			delete(state, m.Key)
		}
	}
}

// Status tags the result union.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusSuspended Status = "suspended"
	StatusError     Status = "error"
)

// Code classifies terminal failures.
type Code string

const (
	CodeTimeout          Code = "TIMEOUT"
	CodeMemoryLimit      Code = "MEMORY_LIMIT"
	CodeResourceLimit    Code = "RESOURCE_LIMIT"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeExecutionError   Code = "EXECUTION_ERROR"
	CodeCompilationError Code = "COMPILATION_ERROR"
	CodeInvalidHandler   Code = "INVALID_HANDLER"
	CodeInternalError    Code = "INTERNAL_ERROR"
)

// Location points at handler source. Source holds the offending line's
// text when the engine could resolve it.
type Location struct {
	Line   int    `json:"line" cbor:"line"`
	Column int    `json:"column" cbor:"column"`
	Source string `json:"source,omitempty" cbor:"source,omitempty"`
}

// LogEntry is one console call captured during a run slice.
type LogEntry struct {
	Level   string `json:"level" cbor:"level"`
	Message string `json:"message" cbor:"message"`
}

// Suspension describes a paused execution awaiting external I/O.
type Suspension struct {
	ID        string        `json:"id" cbor:"id"`
	Extension string        `json:"extension" cbor:"extension"`
	Method    string        `json:"method" cbor:"method"`
	Args      []value.Value `json:"args" cbor:"args"`
}

// Metrics describes one run slice.
type Metrics struct {
	Duration    time.Duration `json:"duration_ns" cbor:"duration_ns"`
	CacheHit    bool          `json:"cache_hit" cbor:"cache_hit"`
	HostCalls   int           `json:"host_calls" cbor:"host_calls"`
	Suspensions int           `json:"suspensions" cbor:"suspensions"`
	InstanceID  int           `json:"instance_id" cbor:"instance_id"`
}

// Result is the tagged union every execution and resumption returns.
// Effects are always populated so callers can apply partial progress,
// including on errors.
type Result struct {
	Status     Status      `json:"status" cbor:"status"`
	Value      value.Value `json:"value" cbor:"value"`
	Suspension *Suspension `json:"suspension,omitempty" cbor:"suspension,omitempty"`
	Code       Code        `json:"code,omitempty" cbor:"code,omitempty"`
	Message    string      `json:"message,omitempty" cbor:"message,omitempty"`
	Location   *Location   `json:"location,omitempty" cbor:"location,omitempty"`
	Effects    Effects     `json:"effects" cbor:"effects"`
	Logs       []LogEntry  `json:"logs,omitempty" cbor:"logs,omitempty"`
	Metrics    Metrics     `json:"metrics" cbor:"metrics"`
}

// Suspended reports whether the execution is paused awaiting Resume.
func (r *Result) Suspended() bool { return r.Status == StatusSuspended }

// Failed reports whether the execution ended with a terminal error.
func (r *Result) Failed() bool { return r.Status == StatusError }

// IOResult conveys the outcome of the host-side I/O for one suspension.
// A non-empty Failure is raised at the resume point as a catchable error
// inside the sandbox instead of delivering Value.
type IOResult struct {
	Value   value.Value `json:"value" cbor:"value"`
	Failure string      `json:"failure,omitempty" cbor:"failure,omitempty"`
}
