package loom

import (
	"io"
	"time"

	"github.com/brickingsoft/loom/pkg/transport"
)

// Context is handed to every spawned closure. Its operations are the
// closure's only suspension points: each one submits a request on the
// owning worker's transport, parks the fiber and resumes it with the
// completion. Code between calls must not block the OS thread.
type Context struct {
	t *task
}

func (ctx *Context) Loop() *EventLoop {
	return ctx.t.loop
}

// Canceled reports the cooperative cancellation flag. Operations observe
// it on entry and on every resumption; closures doing long CPU work should
// poll it too.
func (ctx *Context) Canceled() bool {
	return ctx.t.fib.Cancelled()
}

// Deadline reports the spawn timeout deadline, if one was set.
func (ctx *Context) Deadline() (time.Time, bool) {
	if ctx.t.deadline.IsZero() {
		return time.Time{}, false
	}
	return ctx.t.deadline, true
}

func (ctx *Context) Open(path string, flags int, mode uint32) (int, error) {
	return ctx.submit(&transport.Request{Kind: transport.Open, Path: path, Flags: flags, Mode: mode})
}

func (ctx *Context) Read(fd int, b []byte, off int64) (int, error) {
	n, err := ctx.submit(&transport.Request{Kind: transport.Read, Fd: fd, Buf: b, Off: off})
	if err != nil {
		return 0, err
	}
	if n == 0 && len(b) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (ctx *Context) Write(fd int, b []byte, off int64) (int, error) {
	return ctx.submit(&transport.Request{Kind: transport.Write, Fd: fd, Buf: b, Off: off})
}

func (ctx *Context) Close(fd int) error {
	_, err := ctx.submit(&transport.Request{Kind: transport.Close, Fd: fd})
	return err
}

func (ctx *Context) Fsync(fd int) error {
	_, err := ctx.submit(&transport.Request{Kind: transport.Fsync, Fd: fd})
	return err
}

func (ctx *Context) Accept(fd int) (int, error) {
	return ctx.submit(&transport.Request{Kind: transport.Accept, Fd: fd})
}

func (ctx *Context) Recv(fd int, b []byte) (int, error) {
	return ctx.submit(&transport.Request{Kind: transport.Recv, Fd: fd, Buf: b})
}

func (ctx *Context) Send(fd int, b []byte) (int, error) {
	return ctx.submit(&transport.Request{Kind: transport.Send, Fd: fd, Buf: b})
}

// Sleep parks the fiber until d elapses or the closure is canceled.
func (ctx *Context) Sleep(d time.Duration) error {
	t := ctx.t
	if t.fib.Cancelled() {
		return canceledError("sleep")
	}
	if d <= 0 {
		return nil
	}
	w := ctx.owner()
	seq := t.parkSeq.Add(1)
	t.mu.Lock()
	t.res = parkResult{}
	t.parked = true
	t.parkKind = parkTimer
	t.mu.Unlock()
	w.timers.push(timerEntry{
		when: t.loop.clock.Now().Add(d),
		t:    t,
		seq:  seq,
		kind: timerWake,
	})
	t.fib.Suspend()
	if t.fib.Cancelled() && !t.res.delivered {
		return canceledError("sleep")
	}
	return nil
}

// Yield hands the worker back without parking; the fiber is requeued at
// the back of its ready queue. Yield always yields, cancellation included,
// so the worker regains control every round even from a closure that
// ignores the canceled result.
func (ctx *Context) Yield() error {
	t := ctx.t
	t.fib.YieldNow()
	if t.fib.Cancelled() {
		return canceledError("yield")
	}
	return nil
}

// owner is the worker currently running this fiber. Stable for the whole
// resume window: the worker is blocked inside Resume while the fiber runs.
func (ctx *Context) owner() *worker {
	ctx.t.mu.Lock()
	w := ctx.t.worker
	ctx.t.mu.Unlock()
	return w
}

// submit is the single suspension path for I/O: allocate an arena slot,
// stage the request on the owning worker's transport (or its overflow
// queue when the ring is full), suspend, then map the completion into the
// operation's closed error set.
func (ctx *Context) submit(req *transport.Request) (int, error) {
	t := ctx.t
	if t.fib.Cancelled() {
		return 0, opCanceled(req.Kind)
	}
	w := ctx.owner()
	slot, token := w.arena.alloc(t)
	req.Token = token
	t.parkSeq.Add(1)
	t.mu.Lock()
	t.res = parkResult{}
	t.parked = true
	t.parkKind = parkIO
	t.slot = slot
	t.mu.Unlock()
	if err := w.tr.Submit(req); err != nil {
		if transport.IsQueueFull(err) || transport.IsTooManyInFlight(err) {
			// backpressure: the fiber stays parked and the worker
			// drains this before any new ready work
			w.overflow.Add(req)
		} else {
			w.arena.release(slot)
			t.mu.Lock()
			t.parked = false
			t.mu.Unlock()
			return 0, opError(req.Kind, ErrUnexpected, err)
		}
	}
	t.fib.Suspend()
	if t.fib.Cancelled() {
		return 0, opCanceled(req.Kind)
	}
	if !t.res.delivered {
		return 0, opCanceled(req.Kind)
	}
	if t.res.err != nil {
		return 0, mapOpError(req.Kind, t.res.err)
	}
	return t.res.n, nil
}
