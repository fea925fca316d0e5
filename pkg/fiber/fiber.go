package fiber

import (
	"sync/atomic"
)

type State uint32

const (
	Ready State = iota + 1
	Running
	Suspended
	Finished
	Canceled
)

func (state State) String() string {
	switch state {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Finished:
		return "finished"
	case Canceled:
		return "canceled"
	default:
		return "invalid"
	}
}

type Yield uint8

const (
	// YieldSuspended means the fiber parked on an external event; the
	// resumer must not requeue it.
	YieldSuspended Yield = iota + 1
	// YieldReady means the fiber yielded cooperatively and should be
	// requeued at the back of the ready queue.
	YieldReady
	// YieldFinished means the fiber's entry returned.
	YieldFinished
)

// Fiber is a suspendable unit of execution backed by a long-lived
// goroutine. Resume and Suspend form a strict handoff over unbuffered
// channels: exactly one of {resumer, fiber} runs at any instant, and
// Resume returns only once the fiber has suspended, yielded or finished.
// That handoff is the whole context-switch interface; everything above it
// is portable scheduler code.
type Fiber struct {
	id        uint64
	class     int
	stackSize int
	state     atomic.Uint32
	cancel    atomic.Bool
	resume    chan struct{}
	yield     chan Yield
	entry     func()
	canary    []byte
}

func (f *Fiber) Id() uint64 {
	return f.id
}

// StackSize is the size class the fiber was drawn from.
func (f *Fiber) StackSize() int {
	return f.stackSize
}

func (f *Fiber) State() State {
	return State(f.state.Load())
}

// Bind attaches a new entry to a retired cell and marks it Ready.
func (f *Fiber) Bind(entry func()) {
	if entry == nil {
		fatal("fiber bound with nil entry")
	}
	f.entry = entry
	f.cancel.Store(false)
	if !f.state.CompareAndSwap(uint32(Finished), uint32(Ready)) {
		fatal("fiber bound while " + f.State().String())
	}
}

// Resume transfers control into the fiber until it suspends, yields or
// finishes. Resuming a fiber that is not Ready is a scheduler invariant
// violation: it means the fiber is reachable from two locations at once.
func (f *Fiber) Resume() Yield {
	if !f.state.CompareAndSwap(uint32(Ready), uint32(Running)) {
		fatal("fiber resumed while " + f.State().String())
	}
	f.resume <- struct{}{}
	return <-f.yield
}

// Suspend parks the calling fiber until a resumer wakes it. Must be called
// from inside the fiber's own entry.
func (f *Fiber) Suspend() {
	if !f.state.CompareAndSwap(uint32(Running), uint32(Suspended)) {
		fatal("fiber suspended while " + f.State().String())
	}
	f.yield <- YieldSuspended
	<-f.resume
}

// YieldNow hands control back to the scheduler, leaving the fiber runnable.
func (f *Fiber) YieldNow() {
	if !f.state.CompareAndSwap(uint32(Running), uint32(Ready)) {
		fatal("fiber yielded while " + f.State().String())
	}
	f.yield <- YieldReady
	<-f.resume
}

// SetReady moves a suspended fiber back to Ready. Called by the owning
// worker once the awaited event completed.
func (f *Fiber) SetReady() {
	if !f.state.CompareAndSwap(uint32(Suspended), uint32(Ready)) {
		fatal("fiber woken while " + f.State().String())
	}
}

// Abort cancels a fiber that was bound but never resumed. Reports false if
// the fiber already started.
func (f *Fiber) Abort() bool {
	return f.state.CompareAndSwap(uint32(Ready), uint32(Canceled))
}

// Cancel raises the cooperative cancellation flag. It is observed at
// suspension points only.
func (f *Fiber) Cancel() {
	f.cancel.Store(true)
}

func (f *Fiber) Cancelled() bool {
	return f.cancel.Load()
}

func (f *Fiber) loop() {
	for range f.resume {
		entry := f.entry
		f.entry = nil
		entry()
		if !f.state.CompareAndSwap(uint32(Running), uint32(Finished)) {
			fatal("fiber finished while " + f.State().String())
		}
		f.yield <- YieldFinished
	}
}
