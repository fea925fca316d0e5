package fiber

import (
	"sync"
)

const (
	// MinStackSize is the smallest stack size class.
	MinStackSize = 16 * 1024

	canarySize = 64
	canaryByte = 0xA5
)

// ClassSize rounds a requested stack size up to its size class: powers of
// two starting at MinStackSize.
func ClassSize(stackSize int) int {
	if stackSize < MinStackSize {
		return MinStackSize
	}
	class := MinStackSize
	for class < stackSize {
		class <<= 1
	}
	return class
}

// Pool keeps retired fiber cells on per-size-class freelists. A cell keeps
// its goroutine (and whatever stack the runtime grew for it) across
// closures, so spawning from the pool costs a channel handoff instead of a
// goroutine start. Before a cell is handed out again its canary block is
// verified and re-armed; a tripped canary is fatal.
type Pool struct {
	mu        sync.Mutex
	classes   map[int][]*Fiber
	size      int
	idle      int
	highWater int
	nextId    uint64
	closed    bool
}

func NewPool() *Pool {
	return &Pool{
		classes: make(map[int][]*Fiber),
	}
}

// Get returns a retired cell of the stack size's class, growing the pool
// when the class freelist is empty. This is the only allocation point of
// the fiber lifecycle; resume and suspend never allocate.
func (p *Pool) Get(stackSize int) *Fiber {
	class := ClassSize(stackSize)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if cells := p.classes[class]; len(cells) > 0 {
		f := cells[len(cells)-1]
		p.classes[class] = cells[:len(cells)-1]
		p.idle--
		p.mu.Unlock()
		p.checkCanary(f)
		return f
	}
	p.nextId++
	p.size++
	if p.size > p.highWater {
		p.highWater = p.size
	}
	f := &Fiber{
		id:        p.nextId,
		class:     class,
		stackSize: class,
		resume:    make(chan struct{}),
		yield:     make(chan Yield),
		canary:    make([]byte, canarySize),
	}
	f.state.Store(uint32(Finished))
	p.mu.Unlock()
	armCanary(f)
	go f.loop()
	return f
}

// Put retires a finished (or aborted) cell back to its class freelist.
// Retiring a live fiber is fatal.
func (p *Pool) Put(f *Fiber) {
	if !f.state.CompareAndSwap(uint32(Canceled), uint32(Finished)) {
		if State(f.state.Load()) != Finished {
			fatal("fiber retired while " + f.State().String())
		}
	}
	p.checkCanary(f)
	armCanary(f)
	p.mu.Lock()
	if p.closed {
		p.size--
		p.mu.Unlock()
		close(f.resume)
		return
	}
	p.classes[f.class] = append(p.classes[f.class], f)
	p.idle++
	p.mu.Unlock()
}

// Close releases all idle cells. Cells still out are released as they come
// back through Put.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for class, cells := range p.classes {
		for _, f := range cells {
			close(f.resume)
			p.size--
		}
		delete(p.classes, class)
	}
	p.idle = 0
	p.mu.Unlock()
}

func (p *Pool) Size() int {
	p.mu.Lock()
	n := p.size
	p.mu.Unlock()
	return n
}

func (p *Pool) Idle() int {
	p.mu.Lock()
	n := p.idle
	p.mu.Unlock()
	return n
}

// HighWater is the most cells the pool ever held at once.
func (p *Pool) HighWater() int {
	p.mu.Lock()
	n := p.highWater
	p.mu.Unlock()
	return n
}

func armCanary(f *Fiber) {
	for i := range f.canary {
		f.canary[i] = canaryByte
	}
}

func (p *Pool) checkCanary(f *Fiber) {
	for i := range f.canary {
		if f.canary[i] != canaryByte {
			fatal("fiber stack canary tripped")
		}
	}
}
