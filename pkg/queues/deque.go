package queues

import (
	"sync"
)

const minDequeCap = 16

// Deque is a double-ended work queue with a single owner and many thieves.
// The owner pushes at the back and pops at the front (FIFO, bounding tail
// latency); thieves take from the back (LIFO, away from the owner's end).
// The steal path and the owner path share one narrow mutex, which is the
// only synchronization point.
type Deque[E any] struct {
	mu    sync.Mutex
	items []E
	head  int
	size  int
}

func NewDeque[E any]() *Deque[E] {
	return &Deque[E]{
		items: make([]E, minDequeCap),
	}
}

// PushBack appends an entry at the back. Owner only.
func (dq *Deque[E]) PushBack(entry E) {
	dq.mu.Lock()
	if dq.size == len(dq.items) {
		dq.grow()
	}
	dq.items[(dq.head+dq.size)%len(dq.items)] = entry
	dq.size++
	dq.mu.Unlock()
}

// PopFront removes the entry at the front. Owner only.
func (dq *Deque[E]) PopFront() (entry E, ok bool) {
	dq.mu.Lock()
	if dq.size == 0 {
		dq.mu.Unlock()
		return
	}
	var zero E
	entry = dq.items[dq.head]
	dq.items[dq.head] = zero
	dq.head = (dq.head + 1) % len(dq.items)
	dq.size--
	ok = true
	dq.mu.Unlock()
	return
}

// Steal removes the entry at the back on behalf of another worker.
func (dq *Deque[E]) Steal() (entry E, ok bool) {
	dq.mu.Lock()
	if dq.size == 0 {
		dq.mu.Unlock()
		return
	}
	var zero E
	tail := (dq.head + dq.size - 1) % len(dq.items)
	entry = dq.items[tail]
	dq.items[tail] = zero
	dq.size--
	ok = true
	dq.mu.Unlock()
	return
}

func (dq *Deque[E]) Len() int {
	dq.mu.Lock()
	n := dq.size
	dq.mu.Unlock()
	return n
}

func (dq *Deque[E]) grow() {
	next := make([]E, len(dq.items)*2)
	for i := 0; i < dq.size; i++ {
		next[i] = dq.items[(dq.head+i)%len(dq.items)]
	}
	dq.items = next
	dq.head = 0
}
