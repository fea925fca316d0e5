package transport

import (
	"github.com/brickingsoft/errors"
)

var (
	ErrQueueFull       = errors.Define("transport: submission queue full")
	ErrTooManyInFlight = errors.Define("transport: in-flight requests exceed queue depth")
	ErrClosed          = errors.Define("transport: closed")
	ErrBusy            = errors.Define("transport: in-flight requests remain")
	ErrUnsupported     = errors.Define("transport: operation unsupported")
)

func IsQueueFull(err error) bool {
	return errors.Is(err, ErrQueueFull)
}

func IsTooManyInFlight(err error) bool {
	return errors.Is(err, ErrTooManyInFlight)
}

func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}
