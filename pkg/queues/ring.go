package queues

import (
	"sync/atomic"
)

const cacheLinePad = 64

// Ring is a bounded multi-producer queue over sequence-numbered cells.
// Capacity is rounded up to a power of two and fixed at construction, so a
// full ring reports backpressure instead of growing. Producers may race
// freely; consumers are expected to be a single goroutine per ring, though
// the dequeue side is written with the same discipline and tolerates more.
func NewRing[E any](capacity int) *Ring[E] {
	if capacity < 2 {
		capacity = 2
	}
	capacity = int(RoundupPow2(uint64(capacity)))
	r := &Ring[E]{
		mask:  uint64(capacity - 1),
		cells: make([]ringCell[E], capacity),
	}
	for i := range r.cells {
		r.cells[i].sequence.Store(uint64(i))
	}
	return r
}

type ringCell[E any] struct {
	sequence atomic.Uint64
	entry    E
}

type Ring[E any] struct {
	head  atomic.Uint64
	_     [cacheLinePad]byte
	tail  atomic.Uint64
	_     [cacheLinePad]byte
	mask  uint64
	cells []ringCell[E]
}

// Enqueue adds an entry, reporting false when the ring is full.
func (r *Ring[E]) Enqueue(entry E) bool {
	for {
		tail := r.tail.Load()
		cell := &r.cells[tail&r.mask]
		seq := cell.sequence.Load()
		dif := int64(seq) - int64(tail)
		if dif == 0 {
			if r.tail.CompareAndSwap(tail, tail+1) {
				cell.entry = entry
				cell.sequence.Store(tail + 1)
				return true
			}
		} else if dif < 0 {
			return false
		}
	}
}

// Dequeue removes the oldest entry.
func (r *Ring[E]) Dequeue() (entry E, ok bool) {
	for {
		head := r.head.Load()
		cell := &r.cells[head&r.mask]
		seq := cell.sequence.Load()
		dif := int64(seq) - int64(head+1)
		if dif == 0 {
			if r.head.CompareAndSwap(head, head+1) {
				var zero E
				entry = cell.entry
				cell.entry = zero
				cell.sequence.Store(head + r.mask + 1)
				ok = true
				return
			}
		} else if dif < 0 {
			return
		}
	}
}

// DequeueBatch fills entries with as many queued items as available.
func (r *Ring[E]) DequeueBatch(entries []E) (n int) {
	for n < len(entries) {
		entry, ok := r.Dequeue()
		if !ok {
			break
		}
		entries[n] = entry
		n++
	}
	return
}

func (r *Ring[E]) Len() int {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

func (r *Ring[E]) Cap() int {
	return len(r.cells)
}

// RoundupPow2 rounds n up to the next power of two.
func RoundupPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
