// Package reference counts pinned uses of a shared closable value and
// closes it when the last pin is released.
package reference

import (
	"io"
	"sync/atomic"
)

func Make[E io.Closer](value E) *Pointer[E] {
	return &Pointer[E]{value: value}
}

type Pointer[E io.Closer] struct {
	value E
	count atomic.Int64
}

// Value pins the referent and returns it. Every Value call must be paired
// with a Close.
func (pointer *Pointer[E]) Value() E {
	pointer.count.Add(1)
	return pointer.value
}

func (pointer *Pointer[E]) Count() int64 {
	return pointer.count.Load()
}

// Close releases one pin; the referent closes when the count reaches zero.
func (pointer *Pointer[E]) Close() error {
	if n := pointer.count.Add(-1); n <= 0 {
		return pointer.value.Close()
	}
	return nil
}
