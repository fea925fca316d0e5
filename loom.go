package loom

import (
	"sync"

	"github.com/brickingsoft/loom/pkg/reference"
)

var (
	instanceMu      sync.Mutex
	instance        *reference.Pointer[*EventLoop]
	instanceOptions []Option
)

// Preset stores options for the lazily started default loop. Calls after
// the default loop exists have no effect until it is released and rebuilt.
func Preset(options ...Option) {
	instanceMu.Lock()
	instanceOptions = append(instanceOptions, options...)
	instanceMu.Unlock()
}

// Pin acquires the default loop, starting it on first use. Every Pin must
// be paired with an Unpin; the loop shuts down when the last pin drops.
func Pin() (*EventLoop, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		loop, err := New(instanceOptions...)
		if err != nil {
			return nil, err
		}
		instance = reference.Make(loop)
	}
	return instance.Value(), nil
}

// Run spawns fn on the default loop and awaits its result, holding a pin
// for the duration of the call.
func Run[R any](fn func(ctx *Context) (R, error), options ...SpawnOption) (R, error) {
	var zero R
	loop, err := Pin()
	if err != nil {
		return zero, err
	}
	defer func() {
		_ = Unpin()
	}()
	h, err := Spawn(loop, fn, options...)
	if err != nil {
		return zero, err
	}
	return h.Await()
}

func Unpin() error {
	instanceMu.Lock()
	pointer := instance
	if pointer != nil && pointer.Count() <= 1 {
		instance = nil
	}
	instanceMu.Unlock()
	if pointer == nil {
		return nil
	}
	return pointer.Close()
}
