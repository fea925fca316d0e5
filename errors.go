package loom

import (
	"syscall"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/loom/pkg/transport"
)

var (
	ErrClosed             = errors.Define("loom: closed")
	ErrCanceled           = errors.Define("loom: canceled")
	ErrInjectorFull       = errors.Define("loom: injector queue full")
	ErrShutdownIncomplete = errors.Define("loom: shutdown incomplete")

	ErrNotFound         = errors.Define("loom: not found")
	ErrPermissionDenied = errors.Define("loom: permission denied")
	ErrBadDescriptor    = errors.Define("loom: bad descriptor")
	ErrNoSpace          = errors.Define("loom: no space left")
	ErrRefused          = errors.Define("loom: connection refused")
	ErrReset            = errors.Define("loom: connection reset")
	ErrUnexpected       = errors.Define("loom: unexpected failure")
)

func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

func IsInjectorFull(err error) bool {
	return errors.Is(err, ErrInjectorFull)
}

func IsShutdownIncomplete(err error) bool {
	return errors.Is(err, ErrShutdownIncomplete)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

func IsBadDescriptor(err error) bool {
	return errors.Is(err, ErrBadDescriptor)
}

func IsNoSpace(err error) bool {
	return errors.Is(err, ErrNoSpace)
}

func IsRefused(err error) bool {
	return errors.Is(err, ErrRefused)
}

func IsReset(err error) bool {
	return errors.Is(err, ErrReset)
}

func IsUnexpected(err error) bool {
	return errors.Is(err, ErrUnexpected)
}

func opError(kind transport.OpKind, sentinel error, cause error) error {
	opts := []errors.Option{
		errors.WithMeta("pkg", "loom"),
		errors.WithMeta("op", kind.Name()),
	}
	if cause != nil {
		opts = append(opts, errors.WithWrap(cause))
	}
	return errors.From(sentinel, opts...)
}

func opCanceled(kind transport.OpKind) error {
	return opError(kind, ErrCanceled, nil)
}

func canceledError(op string) error {
	return errors.From(ErrCanceled, errors.WithMeta("pkg", "loom"), errors.WithMeta("op", op))
}

// mapOpError folds an OS-level failure into the closed error set of the
// operation that produced it. Everything outside the set surfaces as
// ErrUnexpected with the cause attached, never as a bare errno.
func mapOpError(kind transport.OpKind, cause error) error {
	var errno syscall.Errno
	if !errors.As(cause, &errno) {
		return opError(kind, ErrUnexpected, cause)
	}
	if errno == syscall.ECANCELED {
		return opError(kind, ErrCanceled, cause)
	}
	switch kind {
	case transport.Open:
		switch errno {
		case syscall.ENOENT:
			return opError(kind, ErrNotFound, cause)
		case syscall.EACCES, syscall.EPERM:
			return opError(kind, ErrPermissionDenied, cause)
		}
	case transport.Read, transport.Close, transport.Fsync:
		if errno == syscall.EBADF {
			return opError(kind, ErrBadDescriptor, cause)
		}
	case transport.Write:
		switch errno {
		case syscall.EBADF:
			return opError(kind, ErrBadDescriptor, cause)
		case syscall.ENOSPC, syscall.EDQUOT:
			return opError(kind, ErrNoSpace, cause)
		}
	case transport.Accept, transport.Recv, transport.Send:
		switch errno {
		case syscall.EBADF:
			return opError(kind, ErrBadDescriptor, cause)
		case syscall.ECONNREFUSED:
			return opError(kind, ErrRefused, cause)
		case syscall.ECONNRESET, syscall.EPIPE:
			return opError(kind, ErrReset, cause)
		}
	}
	return opError(kind, ErrUnexpected, cause)
}
