package loom

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/brickingsoft/loom/pkg/fiber"
)

type TaskState uint8

const (
	TaskPending TaskState = iota + 1
	TaskRunning
	TaskDone
	TaskCanceled
)

func (state TaskState) String() string {
	switch state {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskDone:
		return "done"
	case TaskCanceled:
		return "canceled"
	default:
		return "invalid"
	}
}

type parkKind uint8

const (
	parkNone parkKind = iota
	parkIO
	parkTimer
	parkJoin
)

// parkResult carries the outcome of one park back into the fiber. delivered
// stays false when the fiber was woken early by cancellation; the facade
// turns that into ErrCanceled instead of a completion.
type parkResult struct {
	n         int
	err       error
	delivered bool
}

type waiter struct {
	t   *task
	w   *worker
	seq uint64
}

// task binds one closure to one fiber cell. Everything below mu, the park
// bookkeeping included, is guarded by mu: a stale wake routed to a former
// worker may probe the park fields while the fiber re-parks elsewhere.
type task struct {
	loop     *EventLoop
	fib      *fiber.Fiber
	done     chan struct{}
	result   any
	err      error
	deadline time.Time

	mu        sync.Mutex
	worker    *worker
	started   bool
	completed bool
	waiters   []waiter

	phase    atomic.Uint32
	parkSeq  atomic.Uint64
	detached atomic.Bool
	retired  atomic.Bool

	parked   bool
	parkKind parkKind
	slot     uint64
	res      parkResult
}

func (t *task) state() TaskState {
	return TaskState(t.phase.Load())
}

// requestCancel raises the cooperative flag and nudges the owning worker so
// a parked fiber observes it without waiting for its event.
func (t *task) requestCancel() {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		return
	}
	t.fib.Cancel()
	w := t.worker
	seq := t.parkSeq.Load()
	t.mu.Unlock()
	if w != nil {
		w.postWake(t, seq, false)
	}
}

// retire returns the fiber cell to the pool. Runs at most once, and only
// after the closure has been joined, polled or detached.
func (t *task) retire() {
	if t.retired.CompareAndSwap(false, true) {
		t.loop.pool.Put(t.fib)
	}
}
