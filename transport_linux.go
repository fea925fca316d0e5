//go:build linux

package loom

import (
	"github.com/brickingsoft/loom/pkg/transport"
	"github.com/brickingsoft/loom/pkg/transport/mem"
	"github.com/brickingsoft/loom/pkg/transport/uring"
)

func defaultTransportFactory(depth int) (transport.Transport, error) {
	if uring.Available() {
		return uring.New(depth)
	}
	return mem.New(depth), nil
}
