// Package executor runs sandboxed handler programs against a bounded pool
// of interpreter instances, enforcing capability grants, per-execution
// resource limits, and the suspend/resume protocol around extension calls.
package executor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/cocoon-run/cocoon/capability"
	"github.com/cocoon-run/cocoon/codec"
	"github.com/cocoon-run/cocoon/compile"
	"github.com/cocoon-run/cocoon/handler"
	"github.com/cocoon-run/cocoon/hostfunc"
	"github.com/cocoon-run/cocoon/internal/monitoring"
	"github.com/cocoon-run/cocoon/sandbox"
)

var (
	// ErrEngineClosed is returned once Shutdown has begun.
	ErrEngineClosed = errors.New("executor: engine closed")

	// ErrUnknownSuspension is returned by Resume for an id that was never
	// issued, was already resumed, or was reclaimed by the idle timeout.
	ErrUnknownSuspension = errors.New("executor: unknown suspension")
)

// Engine compiles, schedules, and supervises handler executions. Script
// outcomes, including every limit violation and script fault, travel in
// the Result; the error return carries host-side conditions only: context
// cancellation, shutdown, and unknown suspension ids.
type Engine struct {
	cfg     engineConfig
	cache   *compile.Cache
	pool    *sandbox.Pool
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu        sync.Mutex
	active    map[*execution]struct{}
	suspended map[string]*execution
	closed    bool

	wg       sync.WaitGroup
	reapStop chan struct{}
	reapDone chan struct{}
}

// New creates an Engine.
func New(opts ...EngineOption) (*Engine, error) {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.poolSize <= 0 {
		return nil, fmt.Errorf("executor: pool size must be positive, got %d", cfg.poolSize)
	}
	if cfg.limits.timeout <= 0 {
		return nil, fmt.Errorf("executor: default timeout must be positive, got %v", cfg.limits.timeout)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.metrics == nil {
		cfg.metrics = monitoring.New()
	}

	e := &Engine{
		cfg:       cfg,
		cache:     compile.NewCache(cfg.cacheCapacity),
		pool:      sandbox.NewPool(cfg.poolSize, sandbox.Options{MaxCallStack: cfg.maxCallStack}),
		logger:    cfg.logger,
		metrics:   cfg.metrics,
		active:    make(map[*execution]struct{}),
		suspended: make(map[string]*execution),
	}

	if cfg.idleTimeout > 0 {
		e.reapStop = make(chan struct{})
		e.reapDone = make(chan struct{})
		go e.reap(reapInterval(cfg.idleTimeout))
	}

	return e, nil
}

// Execute compiles source through the cache and runs it with the given
// context. A Suspended result holds the instance until Resume is called
// with the suspension id; any other result releases or destroys it.
func (e *Engine) Execute(ctx context.Context, source string, ectx *handler.Context, opts ...Option) (*handler.Result, error) {
	h, hit, err := e.cache.Compile(source)
	e.metrics.RecordCacheLookup(hit)
	if err != nil {
		var ce *compile.Error
		if errors.As(err, &ce) {
			res := compileErrorResult(ce)
			e.record(res)
			return res, nil
		}
		return nil, err
	}
	return e.execute(ctx, h, hit, ectx, opts)
}

// ExecuteCompiled runs a handler previously returned by Precompile,
// skipping source compilation entirely.
func (e *Engine) ExecuteCompiled(ctx context.Context, h *compile.Handler, ectx *handler.Context, opts ...Option) (*handler.Result, error) {
	return e.execute(ctx, h, true, ectx, opts)
}

// Precompile compiles source through the cache without executing it. The
// bool reports whether the cache already held the program.
func (e *Engine) Precompile(source string) (*compile.Handler, bool, error) {
	h, hit, err := e.cache.Compile(source)
	e.metrics.RecordCacheLookup(hit)
	return h, hit, err
}

// Resume delivers the outcome of the host-side I/O for one suspension and
// continues the parked execution until it suspends again or finishes.
func (e *Engine) Resume(ctx context.Context, id string, io handler.IOResult) (*handler.Result, error) {
	x, err := e.claim(id)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordSuspensionClosed()
	return x.drive(ctx, &resumeMsg{io: io})
}

func (e *Engine) execute(ctx context.Context, h *compile.Handler, hit bool, ectx *handler.Context, opts []Option) (*handler.Result, error) {
	limits := e.cfg.limits
	for _, opt := range opts {
		opt(&limits)
	}

	if err := ectx.Validate(); err != nil {
		res := invalidResult(err)
		e.record(res)
		return res, nil
	}
	caps, err := capability.ParseSet(ectx.Grants)
	if err != nil {
		res := invalidResult(err)
		e.record(res)
		return res, nil
	}

	// Deep-copy through the codec so the sandbox can never alias caller
	// memory, however the caller assembled the context.
	clone, err := codec.CloneContext(ectx)
	if err != nil {
		res := invalidResult(err)
		e.record(res)
		return res, nil
	}

	inst, err := e.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, sandbox.ErrPoolClosed) {
			return nil, ErrEngineClosed
		}
		return nil, err
	}

	x := &execution{
		engine:      e,
		handler:     h,
		inst:        inst,
		panelID:     clone.PanelID,
		handlerName: clone.HandlerName,
		cacheHit:    hit,
		limits:      limits,
		remaining:   limits.timeout,
		suspendCh:   make(chan *handler.Suspension),
		resumeCh:    make(chan resumeMsg),
		doneCh:      make(chan runOutcome, 1),
	}
	x.call = hostfunc.NewCall(clone, caps, x, limits.callBudget)

	if err := e.track(x); err != nil {
		e.pool.Release(inst)
		return nil, err
	}

	inst.SeedRandom(deriveSeed(h.Hash, clone.PanelID, clone.HandlerName))
	x.call.Bind(inst.Runtime())

	e.wg.Add(1)
	go x.run()

	return x.drive(ctx, nil)
}

// Stats is a point-in-time view of engine health.
type Stats struct {
	Pool        sandbox.Stats       `json:"pool"`
	Cache       compile.Stats       `json:"cache"`
	Runtime     monitoring.Snapshot `json:"runtime"`
	Active      int                 `json:"active"`
	Suspensions int                 `json:"suspensions"`
}

// Stats reports pool occupancy, cache effectiveness, and the execution
// counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	active := len(e.active)
	suspensions := len(e.suspended)
	e.mu.Unlock()

	return Stats{
		Pool:        e.pool.Stats(),
		Cache:       e.cache.Stats(),
		Runtime:     e.metrics.Current(),
		Active:      active,
		Suspensions: suspensions,
	}
}

// Shutdown stops intake, aborts parked suspensions, interrupts running
// slices, and waits for in-flight executions until ctx expires. It is safe
// to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	parked := make([]*execution, 0, len(e.suspended))
	for id, x := range e.suspended {
		delete(e.suspended, id)
		parked = append(parked, x)
	}
	running := make([]*execution, 0, len(e.active))
	for x := range e.active {
		running = append(running, x)
	}
	e.mu.Unlock()

	if e.reapStop != nil {
		close(e.reapStop)
		<-e.reapDone
	}

	for _, x := range parked {
		e.logger.Info("aborting suspension at shutdown",
			zap.String("suspension_id", x.suspensionID),
			zap.String("panel", x.panelID),
			zap.String("handler", x.handlerName))
		e.abortParked(x, "engine shutdown")
		e.metrics.RecordSuspensionClosed()
	}
	for _, x := range running {
		x.inst.Interrupt(interruptShutdown)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	e.pool.Close()
	return err
}

// Close shuts the engine down without a drain deadline.
func (e *Engine) Close() error {
	return e.Shutdown(context.Background())
}

// track registers a new execution as active. It fails once the engine is
// closed so Shutdown never races a late arrival.
func (e *Engine) track(x *execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.active[x] = struct{}{}
	return nil
}

func (e *Engine) untrack(x *execution) {
	e.mu.Lock()
	delete(e.active, x)
	e.mu.Unlock()
}

// park moves an execution from the active set to the suspension table.
// Removing an id from that table, in claim, reapExpired, or Shutdown, is
// the linearization point that makes resume, reclamation, and shutdown
// mutually exclusive per suspension.
func (e *Engine) park(x *execution, req *handler.Suspension) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	delete(e.active, x)
	x.suspensionID = req.ID
	x.suspendedAt = time.Now()
	e.suspended[req.ID] = x
	return nil
}

func (e *Engine) claim(id string) (*execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	x, ok := e.suspended[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSuspension, id)
	}
	delete(e.suspended, id)
	x.suspensionID = ""
	e.active[x] = struct{}{}
	return x, nil
}

func (e *Engine) release(x *execution) {
	e.pool.Release(x.inst)
}

func (e *Engine) destroy(x *execution) {
	e.pool.Discard(x.inst)
	e.metrics.RecordInstanceDestroyed()
}

func (e *Engine) record(res *handler.Result) {
	e.metrics.RecordExecution(res.Status, res.Code, res.Metrics.Duration, res.Metrics.HostCalls)
}

// reap periodically reclaims suspensions whose resume never arrived.
func (e *Engine) reap(interval time.Duration) {
	defer close(e.reapDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.reapStop:
			return
		case <-ticker.C:
			e.reapExpired()
		}
	}
}

func (e *Engine) reapExpired() {
	cutoff := time.Now().Add(-e.cfg.idleTimeout)

	e.mu.Lock()
	var expired []*execution
	for id, x := range e.suspended {
		if x.suspendedAt.Before(cutoff) {
			delete(e.suspended, id)
			expired = append(expired, x)
		}
	}
	e.mu.Unlock()

	for _, x := range expired {
		e.logger.Error("reclaiming leaked suspension",
			zap.String("code", string(handler.CodeInternalError)),
			zap.String("suspension_id", x.suspensionID),
			zap.String("panel", x.panelID),
			zap.String("handler", x.handlerName),
			zap.Int("instance", x.inst.ID()),
			zap.Duration("idle", time.Since(x.suspendedAt)))
		e.abortParked(x, "suspension reclaimed after idle timeout")
		e.metrics.RecordLeak()
	}
}

// abortParked wakes a parked run goroutine with an uncatchable abort,
// waits for it to unwind, and destroys its instance. The caller must have
// already removed the suspension from the table.
func (e *Engine) abortParked(x *execution, why string) {
	x.resumeCh <- resumeMsg{err: &hostfunc.Abort{
		Code:    handler.CodeInternalError,
		Message: why,
	}}
	<-x.doneCh
	e.destroy(x)
}

func compileErrorResult(ce *compile.Error) *handler.Result {
	return &handler.Result{
		Status:  handler.StatusError,
		Code:    handler.CodeCompilationError,
		Message: ce.Message,
		Location: &handler.Location{
			Line:   ce.Line,
			Column: ce.Column,
			Source: ce.SrcLine,
		},
	}
}

func invalidResult(err error) *handler.Result {
	return &handler.Result{
		Status:  handler.StatusError,
		Code:    handler.CodeInvalidHandler,
		Message: err.Error(),
	}
}

// deriveSeed folds the program hash and the execution identity into the
// seed for the instance's random source, keeping repeated runs of one
// handler reproducible while decorrelating distinct handlers.
func deriveSeed(h compile.Hash, panelID, handlerName string) int64 {
	hasher := blake3.New()
	hasher.Write(h[:])
	hasher.Write([]byte(panelID))
	hasher.Write([]byte{0})
	hasher.Write([]byte(handlerName))
	sum := hasher.Sum(nil)
	return int64(binary.LittleEndian.Uint64(sum[:8]))
}

// reapInterval derives the reaper's scan period from the idle timeout so
// short timeouts reclaim promptly without a second knob.
func reapInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval < 10*time.Millisecond {
		return 10 * time.Millisecond
	}
	if interval > 30*time.Second {
		return 30 * time.Second
	}
	return interval
}
