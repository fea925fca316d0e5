package transport

import (
	"time"
)

type OpKind uint8

const (
	Nop OpKind = iota
	Open
	Read
	Write
	Close
	Fsync
	Accept
	Recv
	Send
)

func (kind OpKind) Name() string {
	switch kind {
	case Nop:
		return "nop"
	case Open:
		return "open"
	case Read:
		return "read"
	case Write:
		return "write"
	case Close:
		return "close"
	case Fsync:
		return "fsync"
	case Accept:
		return "accept"
	case Recv:
		return "receive"
	case Send:
		return "send"
	default:
		return "unknown"
	}
}

// Request describes one kernel operation. It is owned by the submitting
// worker until the matching completion arrives and is never shared across
// workers.
type Request struct {
	Kind  OpKind
	Fd    int
	Buf   []byte
	Off   int64
	Path  string
	Flags int
	Mode  uint32
	Token Token
}

// Completion reports the outcome of one submitted request. Err, when not
// nil, is an OS-level failure, normally a syscall.Errno.
type Completion struct {
	Token Token
	N     int
	Err   error
}

// Transport wraps one kernel submission/completion queue pair.
//
// Submit never blocks and never allocates the queue's backing memory: it
// stages the request or reports ErrQueueFull so the caller can buffer and
// retry in user space. Poll is a non-blocking completion harvest. Park
// blocks for at most timeout waiting for at least one completion, flushing
// staged submissions first. Wake interrupts a concurrent Park when the
// implementation supports it; otherwise Park's timeout bounds the delay.
//
// Close may only be called once every in-flight request has produced a
// completion or been explicitly discarded.
type Transport interface {
	Submit(req *Request) error
	Poll(completions []Completion) int
	Park(completions []Completion, timeout time.Duration) int
	Wake()
	Pending() int
	Depth() int
	Close() error
}
