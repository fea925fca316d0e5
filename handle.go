package loom

import (
	"fmt"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/loom/pkg/fiber"
)

type SpawnOptions struct {
	StackSize int
	Timeout   time.Duration
	Detached  bool
}

type SpawnOption func(options *SpawnOptions) (err error)

// WithStackSize requests a stack size class for the closure's fiber.
func WithStackSize(stackSize int) SpawnOption {
	return func(options *SpawnOptions) (err error) {
		if stackSize < fiber.MinStackSize {
			stackSize = fiber.MinStackSize
		}
		options.StackSize = fiber.ClassSize(stackSize)
		return
	}
}

// WithTimeout cancels the closure if it is still live after d. A timeout is
// an ordinary cooperative cancellation driven by the worker's timer pass.
func WithTimeout(d time.Duration) SpawnOption {
	return func(options *SpawnOptions) (err error) {
		if d < 1 {
			err = errors.New("loom: spawn timeout must be positive")
			return
		}
		options.Timeout = d
		return
	}
}

// WithDetached hands cleanup to the loop; the handle never needs awaiting.
func WithDetached() SpawnOption {
	return func(options *SpawnOptions) (err error) {
		options.Detached = true
		return
	}
}

// Handle is the caller's view of one spawned closure. Exactly one of
// {result value, operation error, ErrCanceled} surfaces from Await.
type Handle[R any] struct {
	t *task
}

// Await blocks the calling goroutine until the closure completes. From
// inside a fiber use loom.Await instead, which suspends the fiber rather
// than stalling its worker thread.
func (h *Handle[R]) Await() (R, error) {
	<-h.t.done
	return h.take()
}

// Poll reports the result without blocking; done is false while the
// closure is still live.
func (h *Handle[R]) Poll() (r R, err error, done bool) {
	select {
	case <-h.t.done:
		r, err = h.take()
		done = true
	default:
	}
	return
}

// Cancel is cooperative and idempotent: the flag is observed at the
// closure's next suspension point.
func (h *Handle[R]) Cancel() {
	h.t.requestCancel()
}

// Detach makes the closure fire-and-forget; the loop retires its fiber on
// completion.
func (h *Handle[R]) Detach() {
	h.t.detached.Store(true)
	select {
	case <-h.t.done:
		h.t.retire()
	default:
	}
}

func (h *Handle[R]) State() TaskState {
	return h.t.state()
}

func (h *Handle[R]) take() (r R, err error) {
	t := h.t
	if t.err != nil {
		err = t.err
	} else {
		r, _ = t.result.(R)
	}
	t.retire()
	return
}

// Spawn schedules fn on the loop from outside any worker. The closure runs
// on a pooled fiber; a full injector rejects the spawn with ErrInjectorFull.
func Spawn[R any](loop *EventLoop, fn func(ctx *Context) (R, error), options ...SpawnOption) (*Handle[R], error) {
	return spawnTask(loop, nil, fn, options)
}

// Go spawns fn from inside a fiber, placing it at the back of the calling
// fiber's own worker queue.
func Go[R any](ctx *Context, fn func(ctx *Context) (R, error), options ...SpawnOption) (*Handle[R], error) {
	t := ctx.t
	t.mu.Lock()
	w := t.worker
	t.mu.Unlock()
	return spawnTask(t.loop, w, fn, options)
}

// Await suspends the calling fiber until h completes. A nil ctx degrades to
// the blocking Handle.Await.
func Await[R any](ctx *Context, h *Handle[R]) (R, error) {
	if ctx == nil {
		return h.Await()
	}
	awaiting := ctx.t
	if awaiting.fib.Cancelled() {
		var zero R
		return zero, canceledError("await")
	}
	target := h.t
	seq := awaiting.parkSeq.Add(1)
	awaiting.mu.Lock()
	w := awaiting.worker
	awaiting.res = parkResult{}
	awaiting.parked = true
	awaiting.parkKind = parkJoin
	awaiting.mu.Unlock()
	target.mu.Lock()
	if target.completed {
		target.mu.Unlock()
		awaiting.mu.Lock()
		awaiting.parked = false
		awaiting.mu.Unlock()
		return h.take()
	}
	target.waiters = append(target.waiters, waiter{t: awaiting, w: w, seq: seq})
	target.mu.Unlock()
	awaiting.fib.Suspend()
	if awaiting.fib.Cancelled() && !awaiting.res.delivered {
		var zero R
		return zero, canceledError("await")
	}
	return h.take()
}

func spawnTask[R any](loop *EventLoop, local *worker, fn func(ctx *Context) (R, error), options []SpawnOption) (*Handle[R], error) {
	if fn == nil {
		return nil, errors.New("loom: spawned closure must not be nil")
	}
	opts := SpawnOptions{StackSize: loop.opts.DefaultStackSize}
	for _, option := range options {
		if err := option(&opts); err != nil {
			return nil, err
		}
	}
	fib := loop.pool.Get(opts.StackSize)
	if fib == nil {
		// pool closed by shutdown
		return nil, errors.From(ErrClosed, errors.WithMeta("pkg", "loom"), errors.WithMeta("op", "spawn"))
	}
	t := &task{
		loop: loop,
		fib:  fib,
		done: make(chan struct{}),
	}
	t.phase.Store(uint32(TaskPending))
	if opts.Detached {
		t.detached.Store(true)
	}
	if opts.Timeout > 0 {
		t.deadline = loop.clock.Now().Add(opts.Timeout)
	}
	ctx := &Context{t: t}
	fib.Bind(func() {
		defer func() {
			if r := recover(); r != nil {
				if fiber.IsFatal(r) {
					panic(r)
				}
				t.err = errors.From(ErrUnexpected,
					errors.WithMeta("pkg", "loom"),
					errors.WithMeta("panic", fmt.Sprint(r)),
				)
			}
		}()
		r, err := fn(ctx)
		if err != nil {
			t.err = err
			return
		}
		t.result = r
	})
	if err := loop.enqueue(t, local); err != nil {
		fib.Abort()
		loop.pool.Put(fib)
		return nil, err
	}
	return &Handle[R]{t: t}, nil
}
