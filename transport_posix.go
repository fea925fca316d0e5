//go:build !linux

package loom

import (
	"github.com/brickingsoft/loom/pkg/transport"
	"github.com/brickingsoft/loom/pkg/transport/mem"
)

func defaultTransportFactory(depth int) (transport.Transport, error) {
	return mem.New(depth), nil
}
