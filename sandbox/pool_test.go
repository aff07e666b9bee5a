package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPoolCreatesLazily(t *testing.T) {
	p := NewPool(3, Options{})
	defer p.Close()

	if got := p.Stats(); got.Size != 0 || got.Idle != 0 {
		t.Fatalf("fresh pool stats: %+v", got)
	}

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a.ID() == b.ID() {
		t.Fatalf("two live instances share id %d", a.ID())
	}
	if got := p.Stats(); got.Size != 2 || got.InUse != 2 || got.Idle != 0 {
		t.Fatalf("stats after two acquires: %+v", got)
	}
	p.Release(a)
	p.Release(b)
	if got := p.Stats(); got.Size != 2 || got.InUse != 0 || got.Idle != 2 {
		t.Fatalf("stats after release: %+v", got)
	}
}

func TestPoolReusesReleasedInstance(t *testing.T) {
	p := NewPool(1, Options{})
	defer p.Close()

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	id := a.ID()
	p.Release(a)

	b, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if b != a || b.ID() != id {
		t.Fatalf("expected the same instance back, got id %d want %d", b.ID(), id)
	}
	if got := p.Stats().Size; got != 1 {
		t.Fatalf("pool grew on reuse: size %d", got)
	}
}

func TestPoolQueuesInArrivalOrder(t *testing.T) {
	p := NewPool(1, Options{})
	defer p.Close()

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	order := make(chan int, 2)
	started := make(chan struct{}, 2)
	wait := func(tag int) {
		started <- struct{}{}
		inst, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("waiter %d: %v", tag, err)
			return
		}
		order <- tag
		p.Release(inst)
	}

	go wait(1)
	<-started
	waitFor(t, "first waiter queued", func() bool { return p.Stats().Waiting == 1 })
	go wait(2)
	<-started
	waitFor(t, "second waiter queued", func() bool { return p.Stats().Waiting == 2 })

	p.Release(held)

	if first := <-order; first != 1 {
		t.Fatalf("waiter %d served first, want 1", first)
	}
	if second := <-order; second != 2 {
		t.Fatalf("waiter %d served second, want 2", second)
	}
}

func TestPoolAtCapacityWaitsInsteadOfFailing(t *testing.T) {
	p := NewPool(2, Options{})
	defer p.Close()

	a, _ := p.Acquire(context.Background())
	b, _ := p.Acquire(context.Background())

	got := make(chan error, 1)
	go func() {
		inst, err := p.Acquire(context.Background())
		if err == nil {
			p.Release(inst)
		}
		got <- err
	}()

	waitFor(t, "third caller queued", func() bool { return p.Stats().Waiting == 1 })
	p.Release(a)

	if err := <-got; err != nil {
		t.Fatalf("queued acquire failed: %v", err)
	}
	p.Release(b)
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	p := NewPool(1, Options{})
	defer p.Close()

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release(held)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("acquire error: got %v, want deadline exceeded", err)
	}
	waitFor(t, "waiter list drained", func() bool { return p.Stats().Waiting == 0 })
}

func TestPoolDiscardReplacesForWaiter(t *testing.T) {
	p := NewPool(1, Options{})
	defer p.Close()

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	oldID := held.ID()

	got := make(chan *Instance, 1)
	go func() {
		inst, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("queued acquire: %v", err)
			close(got)
			return
		}
		got <- inst
	}()
	waitFor(t, "waiter queued", func() bool { return p.Stats().Waiting == 1 })

	p.Discard(held)

	repl := <-got
	if repl == nil {
		t.Fatal("waiter got no instance")
	}
	if repl.ID() == oldID {
		t.Fatalf("discarded identity %d came back", oldID)
	}
	if got := p.Stats(); got.Size != 1 || got.InUse != 1 {
		t.Fatalf("stats after replacement: %+v", got)
	}
	p.Release(repl)
}

func TestPoolDiscardShrinksUntilDemand(t *testing.T) {
	p := NewPool(1, Options{})
	defer p.Close()

	a, _ := p.Acquire(context.Background())
	oldID := a.ID()
	p.Discard(a)

	if got := p.Stats().Size; got != 0 {
		t.Fatalf("size after discard: %d, want 0", got)
	}

	b, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after discard: %v", err)
	}
	if b.ID() == oldID {
		t.Fatalf("retired identity %d was reissued", oldID)
	}
	p.Release(b)
}

func TestPoolDiscardsTaintedOnRelease(t *testing.T) {
	p := NewPool(1, Options{})
	defer p.Close()

	a, _ := p.Acquire(context.Background())
	oldID := a.ID()
	a.Taint()
	p.Release(a)

	b, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if b.ID() == oldID {
		t.Fatalf("tainted instance %d was reused", oldID)
	}
	p.Release(b)
}

func TestPoolCloseFailsWaiters(t *testing.T) {
	p := NewPool(1, Options{})

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		got <- err
	}()
	waitFor(t, "waiter queued", func() bool { return p.Stats().Waiting == 1 })

	p.Close()

	if err := <-got; !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("waiter error: got %v, want ErrPoolClosed", err)
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("acquire after close: got %v, want ErrPoolClosed", err)
	}

	p.Release(held)
	if got := p.Stats().Size; got != 0 {
		t.Fatalf("size after releasing into closed pool: %d, want 0", got)
	}

	p.Close() // second close is a no-op
}
