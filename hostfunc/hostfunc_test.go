package hostfunc

import (
	"errors"
	"strings"
	"testing"

	"github.com/dop251/goja"

	"github.com/cocoon-run/cocoon/capability"
	"github.com/cocoon-run/cocoon/handler"
	"github.com/cocoon-run/cocoon/value"
)

type fakeSuspender struct {
	extension string
	method    string
	args      []value.Value
	result    handler.IOResult
	err       error
}

func (f *fakeSuspender) Suspend(extension, method string, args []value.Value) (handler.IOResult, error) {
	f.extension = extension
	f.method = method
	f.args = args
	return f.result, f.err
}

func newTestCall(t *testing.T, ctx *handler.Context, susp Suspender, budget int) (*Call, *goja.Runtime) {
	t.Helper()
	caps, err := capability.ParseSet(ctx.Grants)
	if err != nil {
		t.Fatalf("parse grants: %v", err)
	}
	c := NewCall(ctx, caps, susp, budget)
	vm := goja.New()
	c.Bind(vm)
	return c, vm
}

func run(t *testing.T, vm *goja.Runtime, src string) goja.Value {
	t.Helper()
	v, err := vm.RunString(src)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return v
}

// mustAbort runs src expecting the uncatchable abort panic and returns it.
func mustAbort(t *testing.T, vm *goja.Runtime, src string) *Abort {
	t.Helper()
	var ab *Abort
	func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			var ok bool
			ab, ok = r.(*Abort)
			if !ok {
				panic(r)
			}
		}()
		_, _ = vm.RunString(src)
	}()
	if ab == nil {
		t.Fatal("script completed without abort")
	}
	return ab
}

func TestCounterIncrement(t *testing.T) {
	ctx := &handler.Context{
		PanelID: "panel-1",
		State:   map[string]value.Value{"counter": value.Number(5)},
		Grants:  []string{"state:read:*", "state:write:*"},
	}
	c, vm := newTestCall(t, ctx, nil, 0)

	run(t, vm, `$state.set("counter", $state.get("counter") + 1)`)

	effects, _ := c.Drain()
	if len(effects.StateMutations) != 1 {
		t.Fatalf("mutations: got %d, want 1", len(effects.StateMutations))
	}
	m := effects.StateMutations[0]
	if m.Key != "counter" || m.Op != handler.StateOpSet || !m.Value.Equal(value.Number(6)) {
		t.Fatalf("mutation: %+v", m)
	}
}

func TestDenialIsCatchableAndRecordsNothing(t *testing.T) {
	ctx := &handler.Context{
		PanelID: "panel-1",
		State:   map[string]value.Value{"counter": value.Number(5)},
		Grants:  []string{"state:read:*"},
	}
	c, vm := newTestCall(t, ctx, nil, 0)

	got := run(t, vm, `
		var out = "none";
		try {
			$state.set("counter", 1);
		} catch (e) {
			out = e.code + "|" + ($state.get("counter") === 5);
		}
		out`)
	if got.String() != "PERMISSION_DENIED|true" {
		t.Fatalf("catch result: %q", got.String())
	}

	effects, _ := c.Drain()
	if !effects.Empty() {
		t.Fatalf("denied call recorded effects: %+v", effects)
	}
}

func TestUncaughtDenialSurfacesAsException(t *testing.T) {
	ctx := &handler.Context{PanelID: "p", Grants: nil}
	_, vm := newTestCall(t, ctx, nil, 0)

	_, err := vm.RunString(`$emit("ping")`)
	var ex *goja.Exception
	if !errors.As(err, &ex) {
		t.Fatalf("error type: got %T (%v)", err, err)
	}
	obj, ok := ex.Value().(*goja.Object)
	if !ok {
		t.Fatalf("thrown value is %T, want object", ex.Value())
	}
	if code := obj.Get("code").String(); code != string(handler.CodePermissionDenied) {
		t.Fatalf("code: got %q", code)
	}
	if msg := obj.Get("message").String(); !strings.Contains(msg, `"emit:ping"`) {
		t.Fatalf("message does not name the capability: %q", msg)
	}
}

func TestScopedGrantLimitsKeys(t *testing.T) {
	ctx := &handler.Context{
		PanelID: "p",
		Grants:  []string{"state:write:counter"},
	}
	c, vm := newTestCall(t, ctx, nil, 0)

	got := run(t, vm, `
		$state.set("counter", 1);
		var denied = "no";
		try { $state.set("other", 2); } catch (e) { denied = e.code; }
		denied`)
	if got.String() != string(handler.CodePermissionDenied) {
		t.Fatalf("out-of-scope write: %q", got.String())
	}

	effects, _ := c.Drain()
	if len(effects.StateMutations) != 1 || effects.StateMutations[0].Key != "counter" {
		t.Fatalf("effects: %+v", effects)
	}
}

func TestReadsObservePendingWrites(t *testing.T) {
	ctx := &handler.Context{
		PanelID: "p",
		State:   map[string]value.Value{"k": value.Number(1)},
		Grants:  []string{"state:read:*", "state:write:*"},
	}
	_, vm := newTestCall(t, ctx, nil, 0)

	got := run(t, vm, `
		$state.set("k", 10);
		var afterSet = $state.get("k");
		$state.delete("k");
		var afterDelete = typeof $state.get("k");
		var missing = typeof $state.get("never");
		[afterSet, afterDelete, missing].join("|")`)
	if got.String() != "10|undefined|undefined" {
		t.Fatalf("overlay reads: %q", got.String())
	}
}

func TestStateReadsAreCopies(t *testing.T) {
	ctx := &handler.Context{
		PanelID: "p",
		State: map[string]value.Value{
			"obj": value.MapOf(map[string]value.Value{"n": value.Number(1)}),
		},
		Grants: []string{"state:read:*"},
	}
	_, vm := newTestCall(t, ctx, nil, 0)

	got := run(t, vm, `
		var a = $state.get("obj");
		a.n = 99;
		$state.get("obj").n`)
	if got.ToInteger() != 1 {
		t.Fatalf("snapshot was aliased: %v", got)
	}
}

func TestMapKeysEnumerateSorted(t *testing.T) {
	ctx := &handler.Context{
		PanelID: "p",
		State: map[string]value.Value{
			"m": value.MapOf(map[string]value.Value{
				"c": value.Number(3),
				"a": value.Number(1),
				"b": value.Number(2),
			}),
		},
		Grants: []string{"state:read:*"},
	}
	_, vm := newTestCall(t, ctx, nil, 0)

	got := run(t, vm, `
		var ks = [];
		var m = $state.get("m");
		for (var k in m) { ks.push(k); }
		ks.join(",")`)
	if got.String() != "a,b,c" {
		t.Fatalf("enumeration order: %q", got.String())
	}
}

func TestEmitRecordsEvent(t *testing.T) {
	ctx := &handler.Context{
		PanelID: "p",
		Grants:  []string{"emit:ping"},
	}
	c, vm := newTestCall(t, ctx, nil, 0)

	run(t, vm, `$emit("ping", {n: 1}); $emit("ping")`)

	effects, _ := c.Drain()
	if len(effects.Events) != 2 {
		t.Fatalf("events: %+v", effects.Events)
	}
	if effects.Events[0].Name != "ping" {
		t.Fatalf("event name: %q", effects.Events[0].Name)
	}
	want := value.MapOf(map[string]value.Value{"n": value.Number(1)})
	if !effects.Events[0].Payload.Equal(want) {
		t.Fatalf("payload: %v", effects.Events[0].Payload)
	}
	if !effects.Events[1].Payload.IsNull() {
		t.Fatalf("missing payload should fold to null: %v", effects.Events[1].Payload)
	}
}

func TestViewCommandTargetsOwnPanelByDefault(t *testing.T) {
	ctx := &handler.Context{
		PanelID: "panel-1",
		Grants:  []string{"view:panel-1"},
	}
	c, vm := newTestCall(t, ctx, nil, 0)

	got := run(t, vm, `
		$view.command("highlight", {row: 3});
		var denied = "no";
		try { $view.command("highlight", {}, "panel-2"); } catch (e) { denied = e.code; }
		denied`)
	if got.String() != string(handler.CodePermissionDenied) {
		t.Fatalf("cross-panel command: %q", got.String())
	}

	effects, _ := c.Drain()
	if len(effects.ViewCommands) != 1 {
		t.Fatalf("commands: %+v", effects.ViewCommands)
	}
	cmd := effects.ViewCommands[0]
	if cmd.Type != "highlight" || cmd.TargetID != "panel-1" {
		t.Fatalf("command: %+v", cmd)
	}
}

func TestViewCommandExplicitTargetWithWildcard(t *testing.T) {
	ctx := &handler.Context{
		PanelID: "panel-1",
		Grants:  []string{"view:*"},
	}
	c, vm := newTestCall(t, ctx, nil, 0)

	run(t, vm, `$view.command("scroll", {to: 0}, "panel-2")`)

	effects, _ := c.Drain()
	if len(effects.ViewCommands) != 1 || effects.ViewCommands[0].TargetID != "panel-2" {
		t.Fatalf("commands: %+v", effects.ViewCommands)
	}
}

func TestConsoleNeedsNoCapability(t *testing.T) {
	ctx := &handler.Context{PanelID: "p", Grants: nil}
	c, vm := newTestCall(t, ctx, nil, 0)

	run(t, vm, `console.log("hello", 1, true); console.warn("careful"); $log("plain")`)

	_, logs := c.Drain()
	if len(logs) != 3 {
		t.Fatalf("logs: %+v", logs)
	}
	if logs[0].Level != "log" || logs[0].Message != "hello 1 true" {
		t.Fatalf("first entry: %+v", logs[0])
	}
	if logs[1].Level != "warn" || logs[1].Message != "careful" {
		t.Fatalf("second entry: %+v", logs[1])
	}
	if logs[2].Level != "log" || logs[2].Message != "plain" {
		t.Fatalf("third entry: %+v", logs[2])
	}
	if c.Calls() != 3 {
		t.Fatalf("log calls not charged: %d", c.Calls())
	}
}

func TestBudgetExhaustionAborts(t *testing.T) {
	ctx := &handler.Context{
		PanelID: "p",
		Grants:  []string{"state:read:*"},
	}
	c, vm := newTestCall(t, ctx, nil, 3)

	ab := mustAbort(t, vm, `for (var i = 0; i < 10; i++) { $state.get("x") }`)
	if ab.Code != handler.CodeResourceLimit {
		t.Fatalf("abort code: %v", ab.Code)
	}
	if c.Calls() != 4 {
		t.Fatalf("calls at abort: %d, want 4", c.Calls())
	}
}

func TestBudgetCountsDeniedAndConsoleCalls(t *testing.T) {
	ctx := &handler.Context{PanelID: "p", Grants: nil}
	c, vm := newTestCall(t, ctx, nil, 0)

	run(t, vm, `
		console.log("a");
		try { $emit("ping"); } catch (e) {}
		console.log("b")`)
	if c.Calls() != 3 {
		t.Fatalf("calls: %d, want 3", c.Calls())
	}
}

func TestDrainClearsBetweenSlices(t *testing.T) {
	ctx := &handler.Context{
		PanelID: "p",
		Grants:  []string{"state:write:*"},
	}
	c, vm := newTestCall(t, ctx, nil, 0)

	run(t, vm, `$state.set("a", 1)`)
	first, _ := c.Drain()
	if first.Count() != 1 {
		t.Fatalf("first slice: %+v", first)
	}

	run(t, vm, `$state.set("b", 2)`)
	second, _ := c.Drain()
	if second.Count() != 1 || second.StateMutations[0].Key != "b" {
		t.Fatalf("second slice re-included drained effects: %+v", second)
	}
}

func TestExtensionCallDeliversResult(t *testing.T) {
	susp := &fakeSuspender{result: handler.IOResult{Value: value.String("ok")}}
	ctx := &handler.Context{
		PanelID:    "p",
		Grants:     []string{"ext:http"},
		Extensions: map[string][]string{"http": {"get"}},
	}
	_, vm := newTestCall(t, ctx, susp, 0)

	got := run(t, vm, `$ext.call("http", "get", "https://example.test", {retries: 2})`)
	if got.String() != "ok" {
		t.Fatalf("result: %q", got.String())
	}
	if susp.extension != "http" || susp.method != "get" {
		t.Fatalf("suspender saw %s.%s", susp.extension, susp.method)
	}
	if len(susp.args) != 2 || susp.args[0].AsString() != "https://example.test" {
		t.Fatalf("args: %+v", susp.args)
	}
}

func TestExtensionFailureIsCatchable(t *testing.T) {
	susp := &fakeSuspender{result: handler.IOResult{Failure: "connection refused"}}
	ctx := &handler.Context{
		PanelID:    "p",
		Grants:     []string{"ext:http"},
		Extensions: map[string][]string{"http": {"get"}},
	}
	_, vm := newTestCall(t, ctx, susp, 0)

	got := run(t, vm, `
		var out = "none";
		try { $ext.call("http", "get"); } catch (e) { out = e.message; }
		out`)
	if got.String() != "connection refused" {
		t.Fatalf("caught: %q", got.String())
	}
}

func TestExtensionRequiresGrantAndDeclaration(t *testing.T) {
	susp := &fakeSuspender{}
	ctx := &handler.Context{
		PanelID:    "p",
		Grants:     []string{"ext:http"},
		Extensions: map[string][]string{"http": {"get"}},
	}
	_, vm := newTestCall(t, ctx, susp, 0)

	got := run(t, vm, `
		var outcomes = [];
		try { $ext.call("kv", "get"); } catch (e) { outcomes.push(e.code); }
		try { $ext.call("http", "post"); } catch (e) { outcomes.push(e.name); }
		outcomes.join("|")`)
	if got.String() != "PERMISSION_DENIED|TypeError" {
		t.Fatalf("outcomes: %q", got.String())
	}
	if susp.extension != "" {
		t.Fatalf("suspender reached for rejected call %q", susp.extension)
	}
}

func TestSuspenderErrorAborts(t *testing.T) {
	susp := &fakeSuspender{err: &Abort{Code: handler.CodeTimeout, Message: "killed"}}
	ctx := &handler.Context{
		PanelID:    "p",
		Grants:     []string{"ext:http"},
		Extensions: map[string][]string{"http": {"get"}},
	}
	_, vm := newTestCall(t, ctx, susp, 0)

	ab := mustAbort(t, vm, `
		try { $ext.call("http", "get"); } catch (e) {}
		"unreachable"`)
	if ab.Code != handler.CodeTimeout {
		t.Fatalf("abort code: %v", ab.Code)
	}
}

func TestArgsAndScopeExposed(t *testing.T) {
	ctx := &handler.Context{
		PanelID: "panel-9",
		Args:    map[string]value.Value{"id": value.Number(7)},
		Scope:   map[string]value.Value{"row": value.String("r1")},
	}
	_, vm := newTestCall(t, ctx, nil, 0)

	got := run(t, vm, `[$panel, $args.id, $scope.row].join("|")`)
	if got.String() != "panel-9|7|r1" {
		t.Fatalf("context surface: %q", got.String())
	}
}
