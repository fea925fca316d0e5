package loom

import (
	"github.com/brickingsoft/loom/pkg/transport"
)

// parkArena maps correlation tokens to parked tasks through dense slot
// indices instead of pointers. Each slot carries a generation counter,
// bumped on free, so a completion that outlives its fiber's park is
// detected by mismatch and discarded. Owned by a single worker; never
// locked.
type parkArena struct {
	slots  []parkSlot
	free   []uint64
	active int
}

type parkSlot struct {
	t     *task
	gen   uint32
	inUse bool
}

// generations start at 1 so no live token ever equals TokenZero
const genFirst = 1

func (a *parkArena) alloc(t *task) (uint64, transport.Token) {
	var idx uint64
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint64(len(a.slots))
		a.slots = append(a.slots, parkSlot{gen: genFirst})
	}
	slot := &a.slots[idx]
	slot.t = t
	slot.inUse = true
	a.active++
	return idx, transport.PackToken(idx, slot.gen)
}

// take resolves a completion token, frees its slot and returns the parked
// task. Stale or unknown tokens return nil.
func (a *parkArena) take(token transport.Token) *task {
	idx := token.Index()
	if idx >= uint64(len(a.slots)) {
		return nil
	}
	slot := &a.slots[idx]
	if !slot.inUse || slot.gen != token.Gen() {
		return nil
	}
	t := slot.t
	a.release(idx)
	return t
}

// valid reports whether a token still addresses a parked task, without
// consuming it. Used to drop overflow requests whose fiber was already
// cancel-woken.
func (a *parkArena) valid(token transport.Token) bool {
	idx := token.Index()
	if idx >= uint64(len(a.slots)) {
		return false
	}
	slot := &a.slots[idx]
	return slot.inUse && slot.gen == token.Gen()
}

func (a *parkArena) release(idx uint64) {
	slot := &a.slots[idx]
	slot.t = nil
	slot.inUse = false
	slot.gen++
	if slot.gen == 0 || slot.gen > transport.TokenGenMax {
		slot.gen = genFirst
	}
	a.active--
	a.free = append(a.free, idx)
}

func (a *parkArena) parkedCount() int {
	return a.active
}
