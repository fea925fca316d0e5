package loom

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/loom/pkg/fiber"
	"github.com/brickingsoft/loom/pkg/queues"
	"github.com/brickingsoft/loom/pkg/transport"
	"github.com/eapache/queue/v2"
	"go.uber.org/zap"
)

type wakeMsg struct {
	t         *task
	seq       uint64
	delivered bool
}

// worker owns one transport, one local ready deque, the parked arena and
// the timer heap. Everything except the deque, the inbox and the atomic
// counters is single-writer: only the worker's own OS thread (or a fiber
// it is currently resuming) touches it.
type worker struct {
	idx      int
	loop     *EventLoop
	tr       transport.Transport
	local    *queues.Deque[*task]
	inbox    *queues.Ring[wakeMsg]
	arena    parkArena
	timers   timerHeap
	overflow *queue.Queue[*transport.Request]
	comps    []transport.Completion
	tran     *transmission
	steals   atomic.Uint64
	rng      uint64
	logger   *zap.Logger
}

func newWorker(idx int, loop *EventLoop, tr transport.Transport) *worker {
	return &worker{
		idx:      idx,
		loop:     loop,
		tr:       tr,
		local:    queues.NewDeque[*task](),
		inbox:    queues.NewRing[wakeMsg](loop.opts.QueueDepth),
		overflow: queue.New[*transport.Request](),
		comps:    make([]transport.Completion, loop.opts.QueueDepth),
		tran:     newTransmission(loop.opts.WaitCurve),
		rng:      uint64(idx)*0x9e3779b97f4a7c15 + 1,
		logger:   loop.logger,
	}
}

func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer w.loop.wg.Done()
	w.logger.Debug("loom: worker started", zap.Int("worker", w.idx))
	for {
		if w.loop.quitting() {
			break
		}
		progress := false
		if w.drainOverflow() {
			progress = true
		}
		if w.harvest() {
			progress = true
		}
		if w.runOne() {
			progress = true
		} else if w.stealOne() {
			progress = true
		}
		if progress {
			w.tran.Down()
			continue
		}
		w.idle()
	}
	w.logger.Debug("loom: worker stopped", zap.Int("worker", w.idx))
}

// drainOverflow resubmits requests buffered by a prior full ring, in FIFO
// order, strictly before any new ready work runs.
func (w *worker) drainOverflow() bool {
	progress := false
	for w.overflow.Length() > 0 {
		req := w.overflow.Peek()
		if !w.arena.valid(req.Token) {
			// the parked fiber was cancel-woken before this ever
			// reached the kernel
			w.overflow.Remove()
			progress = true
			continue
		}
		if err := w.tr.Submit(req); err != nil {
			if transport.IsQueueFull(err) || transport.IsTooManyInFlight(err) {
				break
			}
			w.overflow.Remove()
			if t := w.arena.take(req.Token); t != nil {
				t.mu.Lock()
				t.res = parkResult{err: err, delivered: true}
				t.parked = false
				t.mu.Unlock()
				t.fib.SetReady()
				w.local.PushBack(t)
			}
			progress = true
			continue
		}
		w.overflow.Remove()
		progress = true
	}
	return progress
}

// harvest drains completions, cross-worker wakes and due timers, moving
// parked fibers back to the ready queue.
func (w *worker) harvest() bool {
	progress := false
	if n := w.tr.Poll(w.comps); n > 0 {
		for i := 0; i < n; i++ {
			w.deliver(w.comps[i])
		}
		progress = true
	}
	for {
		msg, ok := w.inbox.Dequeue()
		if !ok {
			break
		}
		w.tryWake(msg.t, msg.seq, msg.delivered)
		progress = true
	}
	if w.fireTimers() {
		progress = true
	}
	return progress
}

func (w *worker) deliver(c transport.Completion) {
	t := w.arena.take(c.Token)
	if t == nil {
		w.logger.Debug("loom: stale completion discarded",
			zap.Int("worker", w.idx),
			zap.Uint64("token", uint64(c.Token)),
		)
		return
	}
	t.mu.Lock()
	t.res = parkResult{n: c.N, err: c.Err, delivered: true}
	t.parked = false
	t.mu.Unlock()
	t.fib.SetReady()
	w.local.PushBack(t)
}

// tryWake resumes a parked fiber early. The sequence number pins the wake
// to one specific park, and the task must be parked on this worker: a
// stale wake for a fiber that migrated and re-parked elsewhere is dropped
// without touching arena state.
func (w *worker) tryWake(t *task, seq uint64, delivered bool) bool {
	t.mu.Lock()
	if t.worker != w || !t.parked || t.parkSeq.Load() != seq {
		t.mu.Unlock()
		return false
	}
	if t.parkKind == parkIO {
		// in-flight request is not retracted; its completion will
		// miss the freed slot's generation and be discarded
		w.arena.release(t.slot)
	}
	t.res.delivered = delivered
	t.parked = false
	t.mu.Unlock()
	t.fib.SetReady()
	w.local.PushBack(t)
	return true
}

func (w *worker) fireTimers() bool {
	if w.timers.empty() {
		return false
	}
	now := w.loop.clock.Now()
	progress := false
	for {
		entry, ok := w.timers.pop(now)
		if !ok {
			break
		}
		t := entry.t
		switch entry.kind {
		case timerWake:
			if w.tryWake(t, entry.seq, true) {
				progress = true
			}
		case timerCancel:
			t.mu.Lock()
			completed := t.completed
			if !completed {
				t.fib.Cancel()
			}
			owner := t.worker
			seq := t.parkSeq.Load()
			t.mu.Unlock()
			if completed {
				continue
			}
			w.logger.Debug("loom: deadline cancellation",
				zap.Int("worker", w.idx),
				zap.Uint64("fiber", t.fib.Id()),
			)
			// the task may have been stolen since its first resume
			// pushed this entry; only its current worker may touch
			// its park state
			if owner == w {
				if w.tryWake(t, seq, false) {
					progress = true
				}
			} else if owner != nil {
				owner.postWake(t, seq, false)
				progress = true
			}
		}
	}
	return progress
}

// runOne pops the front of the local queue and resumes it until it
// suspends, yields or finishes.
func (w *worker) runOne() bool {
	t, ok := w.local.PopFront()
	if !ok {
		return false
	}
	w.resume(t)
	return true
}

func (w *worker) resume(t *task) {
	t.mu.Lock()
	if !t.started {
		if t.fib.Cancelled() {
			// canceled before its first resumption: never runs
			t.started = true
			t.mu.Unlock()
			if !t.fib.Abort() {
				panic(&fiber.FatalError{Reason: "fiber not ready at first resume"})
			}
			t.err = canceledError("spawn")
			w.finalize(t)
			return
		}
		t.started = true
		if !t.deadline.IsZero() {
			w.timers.push(timerEntry{when: t.deadline, t: t, kind: timerCancel})
		}
	}
	t.worker = w
	t.phase.CompareAndSwap(uint32(TaskPending), uint32(TaskRunning))
	t.mu.Unlock()
	switch t.fib.Resume() {
	case fiber.YieldFinished:
		w.finalize(t)
	case fiber.YieldReady:
		w.local.PushBack(t)
	case fiber.YieldSuspended:
		// park bookkeeping already done by the fiber itself
	}
}

func (w *worker) finalize(t *task) {
	t.mu.Lock()
	t.completed = true
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()
	canceled := t.err != nil && errors.Is(t.err, ErrCanceled)
	if canceled {
		t.phase.Store(uint32(TaskCanceled))
	} else {
		t.phase.Store(uint32(TaskDone))
	}
	close(t.done)
	for _, wt := range waiters {
		wt.w.postWake(wt.t, wt.seq, true)
	}
	w.loop.unregister(t, canceled)
	if t.detached.Load() {
		t.retire()
	}
}

// postWake enqueues a wake for a fiber owned by w, from any thread. The
// inbox is drained every loop iteration, so a full inbox only ever delays
// the producer briefly.
func (w *worker) postWake(t *task, seq uint64, delivered bool) {
	msg := wakeMsg{t: t, seq: seq, delivered: delivered}
	for !w.inbox.Enqueue(msg) {
		runtime.Gosched()
	}
	w.tr.Wake()
}

// stealOne takes work from a random victim's queue back, then from the
// shared injector. Only reached when the local queue is empty.
func (w *worker) stealOne() bool {
	workers := w.loop.workers
	if n := len(workers); n > 1 {
		start := int(w.nextRand() % uint64(n))
		for i := 0; i < n; i++ {
			victim := workers[(start+i)%n]
			if victim == w {
				continue
			}
			if t, ok := victim.local.Steal(); ok {
				w.steals.Add(1)
				w.resume(t)
				return true
			}
		}
	}
	if t, ok := w.loop.injector.Dequeue(); ok {
		w.resume(t)
		return true
	}
	return false
}

func (w *worker) nextRand() uint64 {
	x := w.rng
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	w.rng = x
	return x
}

// idle parks on the transport, bounded by the wait curve and the nearest
// pending timer.
func (w *worker) idle() {
	timeout := w.tran.Up()
	if when, ok := w.timers.next(); ok {
		if d := when.Sub(w.loop.clock.Now()); d < timeout {
			timeout = d
		}
	}
	if w.loop.draining() && timeout > time.Millisecond {
		timeout = time.Millisecond
	}
	if timeout <= 0 {
		return
	}
	if n := w.tr.Park(w.comps, timeout); n > 0 {
		for i := 0; i < n; i++ {
			w.deliver(w.comps[i])
		}
	}
}
