package sandbox

import (
	"errors"
	"testing"
	"time"

	"github.com/dop251/goja"
)

func runString(t *testing.T, inst *Instance, src string) goja.Value {
	t.Helper()
	v, err := inst.Runtime().RunString(src)
	if err != nil {
		t.Fatalf("run %q: %v", src, err)
	}
	return v
}

func TestHardenedGlobals(t *testing.T) {
	inst := New(1, Options{})

	for _, name := range []string{"eval", "require", "process", "module", "exports"} {
		if got := runString(t, inst, "typeof "+name).String(); got != "undefined" {
			t.Errorf("typeof %s: got %q, want undefined", name, got)
		}
	}
	if got := runString(t, inst, "setTimeout(function() {}, 0)"); !goja.IsUndefined(got) {
		t.Errorf("setTimeout returned %v, want undefined", got)
	}
}

func TestCodeGenerationBlocked(t *testing.T) {
	inst := New(1, Options{})

	src := `(function() {
		try { Function("return 1")(); return "open"; } catch (e) { return "blocked"; }
	})()`
	if got := runString(t, inst, src).String(); got != "blocked" {
		t.Errorf("Function global: got %q, want blocked", got)
	}

	src = `(function() {
		try { (function() {}).constructor("return 1")(); return "open"; } catch (e) { return "blocked"; }
	})()`
	if got := runString(t, inst, src).String(); got != "blocked" {
		t.Errorf("constructor route: got %q, want blocked", got)
	}
}

func TestPrototypesFrozen(t *testing.T) {
	inst := New(1, Options{})

	if got := runString(t, inst, `Array.prototype.pwn = 1; typeof [].pwn`).String(); got != "undefined" {
		t.Errorf("Array.prototype accepted a write: typeof [].pwn = %q", got)
	}
	if got := runString(t, inst, `Math.floor = null; typeof Math.floor`).String(); got != "function" {
		t.Errorf("Math accepted a write: typeof Math.floor = %q", got)
	}
}

func TestClockPinned(t *testing.T) {
	inst := New(1, Options{})

	want := clockEpoch.UnixMilli()
	if got := runString(t, inst, "Date.now()").ToInteger(); got != want {
		t.Errorf("Date.now(): got %d, want %d", got, want)
	}
	if got := runString(t, inst, "new Date().getTime()").ToInteger(); got != want {
		t.Errorf("new Date().getTime(): got %d, want %d", got, want)
	}
}

func TestSeededRandomReproducible(t *testing.T) {
	inst := New(1, Options{})

	inst.SeedRandom(42)
	first := runString(t, inst, "[Math.random(), Math.random()].join(',')").String()

	inst.Reset()
	inst.SeedRandom(42)
	second := runString(t, inst, "[Math.random(), Math.random()].join(',')").String()

	if first != second {
		t.Fatalf("same seed diverged: %q vs %q", first, second)
	}

	inst.Reset()
	inst.SeedRandom(43)
	if third := runString(t, inst, "[Math.random(), Math.random()].join(',')").String(); third == first {
		t.Fatalf("different seed repeated the sequence %q", third)
	}
}

func TestResetClearsScriptState(t *testing.T) {
	inst := New(1, Options{})

	runString(t, inst, "leak = 7")
	if got := runString(t, inst, "typeof leak").String(); got != "number" {
		t.Fatalf("global not visible before reset: %q", got)
	}

	inst.Taint()
	inst.Reset()

	if inst.Tainted() {
		t.Error("taint survived reset")
	}
	if got := runString(t, inst, "typeof leak").String(); got != "undefined" {
		t.Errorf("global survived reset: typeof leak = %q", got)
	}
	if inst.ID() != 1 {
		t.Errorf("identity changed across reset: %d", inst.ID())
	}
}

func TestInterruptStopsRunningScript(t *testing.T) {
	inst := New(1, Options{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		inst.Interrupt("deadline")
	}()

	_, err := inst.Runtime().RunString("for (;;) {}")
	var ie *goja.InterruptedError
	if !errors.As(err, &ie) {
		t.Fatalf("error type: got %T (%v), want *goja.InterruptedError", err, err)
	}
	if !inst.Tainted() {
		t.Error("interrupted instance not tainted")
	}
}

func TestCallStackBounded(t *testing.T) {
	inst := New(1, Options{MaxCallStack: 64})

	_, err := inst.Runtime().RunString("(function dig() { return dig(); })()")
	var so *goja.StackOverflowError
	if !errors.As(err, &so) {
		t.Fatalf("error type: got %T (%v), want *goja.StackOverflowError", err, err)
	}
}
