// Package bench measures the overhead the sandbox adds over plain
// interpretation: engine startup, pooled reuse, host calls, and the
// suspend/resume round-trip.
//
// Run with: go test -bench=. -benchtime=3x ./bench/
package bench

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/cocoon-run/cocoon/executor"
	"github.com/cocoon-run/cocoon/handler"
	"github.com/cocoon-run/cocoon/value"
)

func benchCtx(grants ...string) *handler.Context {
	return &handler.Context{
		PanelID:     "bench",
		HandlerName: "main",
		State:       map[string]value.Value{"counter": value.Number(0)},
		Grants:      grants,
		Extensions:  map[string][]string{"svc": {"call"}},
	}
}

// --- Cold start: a fresh engine per execution ---

func BenchmarkColdStart(b *testing.B) {
	for i := 0; i < b.N; i++ {
		eng, _ := executor.New(executor.WithPoolSize(1))
		eng.Execute(context.Background(), "1 + 1", benchCtx())
		eng.Close()
	}
}

// --- Warm path: one engine, pooled instances, cached compilation ---

func BenchmarkWarm(b *testing.B) {
	eng, _ := executor.New()
	defer eng.Close()

	eng.Execute(context.Background(), "1 + 1", benchCtx()) // warmup

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		eng.Execute(context.Background(), "1 + 1", benchCtx())
	}
}

func BenchmarkWarm_Computation(b *testing.B) {
	eng, _ := executor.New()
	defer eng.Close()

	const code = `var s = 0; for (var i = 0; i < 1000; i++) s += i * i; s`
	eng.Execute(context.Background(), code, benchCtx()) // warmup

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		eng.Execute(context.Background(), code, benchCtx())
	}
}

func BenchmarkWarm_HostCall(b *testing.B) {
	eng, _ := executor.New()
	defer eng.Close()

	const code = `$state.set("counter", 1)`
	ectx := benchCtx("state:write:*")
	eng.Execute(context.Background(), code, ectx) // warmup

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		eng.Execute(context.Background(), code, benchCtx("state:write:*"))
	}
}

// --- Suspend/resume round-trip ---

func BenchmarkSuspendResume(b *testing.B) {
	eng, _ := executor.New()
	defer eng.Close()

	const code = `$ext.call("svc", "call", {})`

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sus, err := eng.Execute(context.Background(), code, benchCtx("ext:svc"))
		if err != nil || sus.Status != handler.StatusSuspended {
			b.Fatalf("execute: %v (%+v)", err, sus)
		}
		if _, err := eng.Resume(context.Background(), sus.Suspension.ID,
			handler.IOResult{Value: value.Number(1)}); err != nil {
			b.Fatalf("resume: %v", err)
		}
	}
}

// --- Compile cache ---

func BenchmarkCompileCacheMiss(b *testing.B) {
	eng, _ := executor.New()
	defer eng.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// Unique source defeats the cache every time.
		eng.Execute(context.Background(), fmt.Sprintf("1 + %d", i), benchCtx())
	}
}

// --- Human readable comparison ---

func TestPoolingComparison(t *testing.T) {
	fmt.Println()
	fmt.Printf("Platform: %s/%s, CPUs: %d\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())

	measure := func(runs int, fn func()) time.Duration {
		var total time.Duration
		for i := 0; i < runs; i++ {
			start := time.Now()
			fn()
			total += time.Since(start)
		}
		return total / time.Duration(runs)
	}
	runs := 5

	cold := measure(runs, func() {
		eng, _ := executor.New(executor.WithPoolSize(1))
		eng.Execute(context.Background(), "1 + 1", benchCtx())
		eng.Close()
	})

	eng, err := executor.New()
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()
	eng.Execute(context.Background(), "1 + 1", benchCtx())
	warm := measure(runs, func() {
		eng.Execute(context.Background(), "1 + 1", benchCtx())
	})

	fmt.Printf("cold (engine per run): %v\n", cold)
	fmt.Printf("warm (pooled, cached): %v\n", warm)
	if warm > 0 {
		fmt.Printf("speedup: %.1fx\n", float64(cold)/float64(warm))
	}

	st := eng.Stats()
	if st.Cache.Hits == 0 {
		t.Error("warm runs should hit the compile cache")
	}
}

func TestMemoryUsage(t *testing.T) {
	var m runtime.MemStats

	runtime.GC()
	runtime.ReadMemStats(&m)
	before := m.Alloc

	eng, _ := executor.New()
	for i := 0; i < 5; i++ {
		eng.Execute(context.Background(), "1 + 1", benchCtx())
	}

	runtime.ReadMemStats(&m)
	after := m.Alloc

	eng.Close()
	runtime.GC()
	runtime.ReadMemStats(&m)
	afterGC := m.Alloc

	t.Logf("Memory before: %d KB", before/1024)
	t.Logf("Memory after 5 runs: %d KB", after/1024)
	t.Logf("Memory after GC: %d KB", afterGC/1024)
}
