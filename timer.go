package loom

import (
	"container/heap"
	"time"
)

type timerKind uint8

const (
	// timerWake resumes a sleeping fiber with a delivered (nil) result.
	timerWake timerKind = iota + 1
	// timerCancel raises the cooperative flag on a task past its deadline.
	timerCancel
)

type timerEntry struct {
	when time.Time
	t    *task
	seq  uint64
	kind timerKind
}

// timerHeap is the per-worker deadline min-heap driving sleeps and spawn
// timeouts. Owned by one worker; entries for completed tasks are lazily
// skipped when they surface.
type timerHeap struct {
	entries timerEntries
}

func (th *timerHeap) push(entry timerEntry) {
	heap.Push(&th.entries, entry)
}

func (th *timerHeap) empty() bool {
	return len(th.entries) == 0
}

// next returns the nearest deadline.
func (th *timerHeap) next() (time.Time, bool) {
	if len(th.entries) == 0 {
		return time.Time{}, false
	}
	return th.entries[0].when, true
}

// pop removes and returns the nearest entry if it is due at now.
func (th *timerHeap) pop(now time.Time) (timerEntry, bool) {
	if len(th.entries) == 0 || th.entries[0].when.After(now) {
		return timerEntry{}, false
	}
	return heap.Pop(&th.entries).(timerEntry), true
}

type timerEntries []timerEntry

func (es timerEntries) Len() int {
	return len(es)
}

func (es timerEntries) Less(i, j int) bool {
	return es[i].when.Before(es[j].when)
}

func (es timerEntries) Swap(i, j int) {
	es[i], es[j] = es[j], es[i]
}

func (es *timerEntries) Push(x any) {
	*es = append(*es, x.(timerEntry))
}

func (es *timerEntries) Pop() any {
	old := *es
	n := len(old)
	entry := old[n-1]
	*es = old[:n-1]
	return entry
}
