package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/metrics"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cocoon-run/cocoon/compile"
	"github.com/cocoon-run/cocoon/handler"
	"github.com/cocoon-run/cocoon/hostfunc"
	"github.com/cocoon-run/cocoon/sandbox"
	"github.com/cocoon-run/cocoon/value"
)

// Interrupt reasons carried through the interpreter when a slice is
// killed.
const (
	interruptTimeout  = "timeout"
	interruptMemory   = "memory"
	interruptShutdown = "shutdown"
	interruptCanceled = "canceled"
)

// execution owns one handler run from its first slice to the terminal
// result. The run goroutine executes the program and parks inside Suspend
// between slices; the controller goroutine, whichever caller is inside
// Execute or Resume, arms the limiter and collects the slice outcome. The
// two sides meet only through the channels, so neither needs a lock.
type execution struct {
	engine      *Engine
	handler     *compile.Handler
	inst        *sandbox.Instance
	call        *hostfunc.Call
	panelID     string
	handlerName string
	cacheHit    bool
	limits      runConfig

	// Slice accounting, controller-owned.
	remaining   time.Duration
	started     time.Time
	activeDur   time.Duration
	suspensions int

	// Suspension bookkeeping, guarded by engine.mu.
	suspensionID string
	suspendedAt  time.Time

	suspendCh chan *handler.Suspension
	resumeCh  chan resumeMsg
	doneCh    chan runOutcome
}

// resumeMsg is what a parked Suspend call wakes up to: the I/O outcome on
// resume, or an abort when the suspension is reclaimed or the engine shuts
// down.
type resumeMsg struct {
	io  handler.IOResult
	err error
}

// runOutcome is the run goroutine's terminal report for one execution.
type runOutcome struct {
	value goja.Value
	err   error
	abort *hostfunc.Abort
}

// run executes the program on the run goroutine. Aborts raised by host
// functions unwind as panics that are not script values, so sandboxed code
// cannot intercept them; everything else surfaces as the interpreter's
// returned error.
func (x *execution) run() {
	defer x.engine.wg.Done()

	var out runOutcome
	defer func() {
		if r := recover(); r != nil {
			a, ok := r.(*hostfunc.Abort)
			if !ok {
				panic(r)
			}
			out = runOutcome{abort: a}
		}
		x.doneCh <- out
	}()

	v, err := x.inst.Run(x.handler.Program)
	out = runOutcome{value: v, err: err}
}

// Suspend implements hostfunc.Suspender. It hands the suspension to the
// controller and parks the run goroutine until a resume, a reclamation, or
// shutdown supplies the outcome. The parked stack is the saved execution
// position; nothing is copied.
func (x *execution) Suspend(extension, method string, args []value.Value) (handler.IOResult, error) {
	req := &handler.Suspension{
		ID:        uuid.NewString(),
		Extension: extension,
		Method:    method,
		Args:      args,
	}
	x.suspendCh <- req
	msg := <-x.resumeCh
	return msg.io, msg.err
}

// drive supervises one slice from the controller side: it arms the wall
// clock and the heap watchdog, unblocks the run goroutine when resuming,
// and waits for the slice to end in a suspension or a terminal outcome.
func (x *execution) drive(ctx context.Context, resume *resumeMsg) (*handler.Result, error) {
	e := x.engine

	x.started = time.Now()
	timer := time.AfterFunc(x.remaining, func() {
		x.inst.Interrupt(interruptTimeout)
	})
	wd := startWatchdog(x.inst, x.limits.memoryLimit)

	stop := func() {
		timer.Stop()
		wd.halt()
		elapsed := time.Since(x.started)
		x.remaining -= elapsed
		x.activeDur += elapsed
	}

	if resume != nil {
		x.resumeCh <- *resume
	}

	var hostErr error
	ctxDone := ctx.Done()
	for {
		select {
		case req := <-x.suspendCh:
			if hostErr == nil {
				if err := e.park(x, req); err != nil {
					hostErr = err
				}
			}
			if hostErr != nil {
				// Refuse to park; the aborted call unwinds the run
				// goroutine, which then reports through doneCh.
				x.resumeCh <- resumeMsg{err: &hostfunc.Abort{
					Code:    handler.CodeInternalError,
					Message: "execution aborted: " + hostErr.Error(),
				}}
				continue
			}
			stop()
			effects, logs := x.call.Drain()
			x.suspensions++
			e.metrics.RecordSuspension()
			return &handler.Result{
				Status:     handler.StatusSuspended,
				Suspension: req,
				Effects:    effects,
				Logs:       logs,
				Metrics:    x.metricsSnapshot(),
			}, nil

		case out := <-x.doneCh:
			stop()
			if hostErr != nil {
				e.untrack(x)
				e.destroy(x)
				return nil, hostErr
			}
			return x.finish(out)

		case <-ctxDone:
			ctxDone = nil
			hostErr = ctx.Err()
			x.inst.Interrupt(interruptCanceled)
		}
	}
}

// finish classifies a terminal outcome, settles the instance, and records
// metrics. A limit kill returns no effects: anything the caller should act
// on was already flushed at a suspension point. Script faults stop the
// interpreter at a defined point, so their slice effects are kept.
func (x *execution) finish(out runOutcome) (*handler.Result, error) {
	e := x.engine
	e.untrack(x)

	effects, logs := x.call.Drain()
	res := &handler.Result{
		Logs:    logs,
		Metrics: x.metricsSnapshot(),
	}

	if out.abort != nil {
		res.Status = handler.StatusError
		res.Code = out.abort.Code
		res.Message = out.abort.Message
		e.destroy(x)
		e.record(res)
		return res, nil
	}

	if out.err == nil {
		res.Status = handler.StatusSuccess
		res.Effects = effects
		if out.value != nil {
			if v, err := hostfunc.FromJS(out.value); err == nil {
				res.Value = v
			}
		}
		e.release(x)
		e.record(res)
		return res, nil
	}

	var interrupted *goja.InterruptedError
	if errors.As(out.err, &interrupted) {
		reason, _ := interrupted.Value().(string)
		if reason == interruptShutdown {
			e.destroy(x)
			return nil, ErrEngineClosed
		}
		res.Status = handler.StatusError
		if reason == interruptMemory {
			res.Code = handler.CodeMemoryLimit
			res.Message = fmt.Sprintf("memory limit of %d bytes exceeded", x.limits.memoryLimit)
		} else {
			res.Code = handler.CodeTimeout
			res.Message = fmt.Sprintf("timeout after %v of interpreter time", x.limits.timeout)
		}
		e.destroy(x)
		e.record(res)
		return res, nil
	}

	var overflow *goja.StackOverflowError
	if errors.As(out.err, &overflow) {
		res.Status = handler.StatusError
		res.Code = handler.CodeMemoryLimit
		res.Message = "call stack depth limit exceeded"
		x.inst.Taint()
		e.destroy(x)
		e.record(res)
		return res, nil
	}

	var exception *goja.Exception
	if errors.As(out.err, &exception) {
		res.Status = handler.StatusError
		res.Effects = effects
		res.Code, res.Message = classifyException(exception)
		res.Location = locate(x.handler, exception)
		e.release(x)
		e.record(res)
		return res, nil
	}

	e.logger.Error("unclassified interpreter failure",
		zap.Error(out.err),
		zap.String("panel", x.panelID),
		zap.String("handler", x.handlerName),
		zap.Int("instance", x.inst.ID()))
	res.Status = handler.StatusError
	res.Code = handler.CodeInternalError
	res.Message = out.err.Error()
	e.destroy(x)
	e.record(res)
	return res, nil
}

func (x *execution) metricsSnapshot() handler.Metrics {
	return handler.Metrics{
		Duration:    x.activeDur,
		CacheHit:    x.cacheHit,
		HostCalls:   x.call.Calls(),
		Suspensions: x.suspensions,
		InstanceID:  x.inst.ID(),
	}
}

// classifyException maps an uncaught script exception to a result code.
// Only the denial code may ride a thrown value; any other code a script
// fabricates stays an execution error.
func classifyException(ex *goja.Exception) (handler.Code, string) {
	val := ex.Value()
	if val == nil {
		return handler.CodeExecutionError, ex.Error()
	}
	msg := val.String()
	if obj, ok := val.(*goja.Object); ok {
		if mv := obj.Get("message"); mv != nil && !goja.IsUndefined(mv) {
			if s := mv.String(); s != "" {
				msg = s
			}
		}
		if cv := obj.Get("code"); cv != nil && cv.String() == string(handler.CodePermissionDenied) {
			return handler.CodePermissionDenied, msg
		}
	}
	return handler.CodeExecutionError, msg
}

func locate(h *compile.Handler, ex *goja.Exception) *handler.Location {
	line, col, ok := compile.ErrorPosition(ex.String())
	if !ok {
		return nil
	}
	return &handler.Location{
		Line:   line,
		Column: col,
		Source: h.Lines.Line(line),
	}
}

// watchdog samples process heap growth while a slice runs and interrupts
// the instance when the ceiling is exceeded. The heap is shared by the
// whole process, so the baseline delta is a conservative approximation of
// the slice's own allocations: a busy neighbor can make the check
// stricter, never looser.
type watchdog struct {
	stop chan struct{}
	done chan struct{}
}

func startWatchdog(inst *sandbox.Instance, limit int64) *watchdog {
	if limit <= 0 {
		return nil
	}
	w := &watchdog{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.watch(inst, limit)
	return w
}

func (w *watchdog) watch(inst *sandbox.Instance, limit int64) {
	defer close(w.done)

	baseline := heapInUse()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if heapInUse()-baseline > limit {
				inst.Interrupt(interruptMemory)
				return
			}
		}
	}
}

// halt stops the watchdog and waits for it to exit, so a stale sample can
// never interrupt the instance's next occupant.
func (w *watchdog) halt() {
	if w == nil {
		return
	}
	close(w.stop)
	<-w.done
}

func heapInUse() int64 {
	sample := make([]metrics.Sample, 1)
	sample[0].Name = "/memory/classes/heap/objects:bytes"
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return int64(sample[0].Value.Uint64())
}
