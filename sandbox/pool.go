package sandbox

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Acquire once Close has begun.
var ErrPoolClosed = errors.New("sandbox: pool is closed")

// DefaultPoolSize bounds the pool when no size is configured.
const DefaultPoolSize = 10

// Pool hands out instances up to a fixed maximum. Instances are created
// lazily on demand, reset and reused on release, and replaced after a
// discard. When all instances are out, Acquire queues callers in arrival
// order rather than failing.
type Pool struct {
	max  int
	opts Options

	mu      sync.Mutex
	free    []*Instance
	waiters *list.List // of chan *Instance, front is oldest
	created int
	nextID  int
	closed  bool
}

// NewPool creates a pool of at most max instances.
func NewPool(max int, opts Options) *Pool {
	if max <= 0 {
		max = DefaultPoolSize
	}
	return &Pool{
		max:     max,
		opts:    opts.withDefaults(),
		waiters: list.New(),
		nextID:  1,
	}
}

// Acquire returns an idle instance, creating one if the pool has not
// reached its maximum. At capacity it blocks until an instance is
// released or ctx is done. Callers must hand the instance back through
// Release or Discard and drop their reference.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.free); n > 0 {
		inst := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return inst, nil
	}
	if p.created < p.max {
		p.created++
		id := p.nextID
		p.nextID++
		p.mu.Unlock()
		return New(id, p.opts), nil
	}
	w := make(chan *Instance, 1)
	el := p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case inst := <-w:
		if inst == nil {
			return nil, ErrPoolClosed
		}
		return inst, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(el)
		// A release may have picked this waiter before it bailed; the
		// instance in the buffer must go back into circulation.
		select {
		case inst := <-w:
			if inst != nil {
				p.handOffLocked(inst)
			}
		default:
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release resets an instance and returns it to circulation. Tainted
// instances are discarded instead of reused.
func (p *Pool) Release(inst *Instance) {
	if inst == nil {
		return
	}
	if inst.Tainted() {
		p.Discard(inst)
		return
	}
	inst.Reset()

	p.mu.Lock()
	if p.closed {
		p.created--
		p.mu.Unlock()
		inst.Close()
		return
	}
	p.handOffLocked(inst)
	p.mu.Unlock()
}

// Discard removes a force-terminated instance from circulation. A
// replacement is created lazily: immediately when a caller is queued,
// otherwise on the next Acquire that needs one.
func (p *Pool) Discard(inst *Instance) {
	if inst == nil {
		return
	}
	inst.Close()

	p.mu.Lock()
	p.created--
	if p.closed || p.waiters.Len() == 0 || p.created >= p.max {
		p.mu.Unlock()
		return
	}
	p.created++
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	repl := New(id, p.opts)

	p.mu.Lock()
	if p.closed {
		p.created--
		p.mu.Unlock()
		repl.Close()
		return
	}
	p.handOffLocked(repl)
	p.mu.Unlock()
}

// handOffLocked gives a ready instance to the oldest waiter, or parks it
// on the free list. Callers hold p.mu.
func (p *Pool) handOffLocked(inst *Instance) {
	if el := p.waiters.Front(); el != nil {
		p.waiters.Remove(el)
		el.Value.(chan *Instance) <- inst
		return
	}
	p.free = append(p.free, inst)
}

// Close fails queued waiters, destroys idle instances and stops further
// acquisition. Instances still out with callers are destroyed as they
// come back through Release or Discard.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for el := p.waiters.Front(); el != nil; el = el.Next() {
		close(el.Value.(chan *Instance))
	}
	p.waiters.Init()
	idle := p.free
	p.free = nil
	p.created -= len(idle)
	p.mu.Unlock()

	for _, inst := range idle {
		inst.Close()
	}
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Size    int `json:"size"`
	Idle    int `json:"idle"`
	InUse   int `json:"in_use"`
	Waiting int `json:"waiting"`
	Max     int `json:"max"`
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:    p.created,
		Idle:    len(p.free),
		InUse:   p.created - len(p.free),
		Waiting: p.waiters.Len(),
		Max:     p.max,
	}
}
