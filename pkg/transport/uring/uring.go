//go:build linux

// Package uring implements Transport on io_uring. One ring per worker, no
// locking: the owning worker is the only caller of Submit, Poll and Park.
package uring

import (
	"syscall"
	"time"
	"unsafe"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/loom/pkg/kernel"
	"github.com/brickingsoft/loom/pkg/transport"
	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

var ErrKernelTooOld = errors.Define("uring: kernel does not support the required io_uring operations")

func IsKernelTooOld(err error) bool {
	return errors.Is(err, ErrKernelTooOld)
}

// Available reports whether the running kernel can back a Transport. The
// 5.6 floor covers openat, recv and send submission entries.
func Available() bool {
	return kernel.Atleast(5, 6)
}

func New(depth int) (*Transport, error) {
	if !Available() {
		return nil, errors.From(ErrKernelTooOld)
	}
	if depth < 1 {
		depth = 1
	}
	ring, err := giouring.CreateRing(uint32(depth))
	if err != nil {
		return nil, errors.New("uring: ring setup failed", errors.WithWrap(err))
	}
	return &Transport{
		ring:    ring,
		depth:   depth,
		paths:   make(map[transport.Token][]byte),
		accepts: make(map[transport.Token]*acceptAddr),
		cq:      make([]*giouring.CompletionQueueEvent, depth),
	}, nil
}

// acceptAddr keeps the peer address storage alive and at a stable location
// until the kernel writes through the pointers handed to PrepareAccept.
type acceptAddr struct {
	addr syscall.RawSockaddrAny
	size uint32
}

type Transport struct {
	ring    *giouring.Ring
	depth   int
	pending int
	staged  int
	paths   map[transport.Token][]byte
	accepts map[transport.Token]*acceptAddr
	cq      []*giouring.CompletionQueueEvent
	closed  bool
}

func (tr *Transport) Submit(req *transport.Request) error {
	if tr.closed {
		return transport.ErrClosed
	}
	if tr.pending >= tr.depth {
		return transport.ErrTooManyInFlight
	}
	sqe := tr.ring.GetSQE()
	if sqe == nil {
		tr.flush()
		if sqe = tr.ring.GetSQE(); sqe == nil {
			return transport.ErrQueueFull
		}
	}
	switch req.Kind {
	case transport.Nop:
		sqe.PrepareNop()
	case transport.Open:
		path := make([]byte, len(req.Path)+1)
		copy(path, req.Path)
		tr.paths[req.Token] = path
		// the stock PrepareOpenat helper hands the kernel the address of
		// the slice header rather than the bytes; fill the entry directly
		sqe.OpCode = giouring.OpOpenat
		sqe.Flags = 0
		sqe.IoPrio = 0
		sqe.Fd = int32(unix.AT_FDCWD)
		sqe.Off = 0
		sqe.Addr = uint64(uintptr(unsafe.Pointer(&path[0])))
		sqe.Len = req.Mode
		sqe.OpcodeFlags = uint32(req.Flags)
		sqe.BufIG = 0
		sqe.Personality = 0
		sqe.SpliceFdIn = 0
	case transport.Read:
		sqe.PrepareRead(req.Fd, uintptr(unsafe.Pointer(&req.Buf[0])), uint32(len(req.Buf)), uint64(req.Off))
	case transport.Write:
		sqe.PrepareWrite(req.Fd, uintptr(unsafe.Pointer(&req.Buf[0])), uint32(len(req.Buf)), uint64(req.Off))
	case transport.Close:
		sqe.PrepareClose(req.Fd)
	case transport.Fsync:
		sqe.PrepareFsync(req.Fd, 0)
	case transport.Accept:
		aa := &acceptAddr{size: uint32(unsafe.Sizeof(syscall.RawSockaddrAny{}))}
		tr.accepts[req.Token] = aa
		addrPtr := uintptr(unsafe.Pointer(&aa.addr))
		addrLenPtr := uint64(uintptr(unsafe.Pointer(&aa.size)))
		sqe.PrepareAccept(req.Fd, addrPtr, addrLenPtr, 0)
	case transport.Recv:
		sqe.PrepareRecv(req.Fd, uintptr(unsafe.Pointer(&req.Buf[0])), uint32(len(req.Buf)), 0)
	case transport.Send:
		sqe.PrepareSend(req.Fd, uintptr(unsafe.Pointer(&req.Buf[0])), uint32(len(req.Buf)), 0)
	default:
		sqe.PrepareNop()
		sqe.SetData64(0)
		return transport.ErrUnsupported
	}
	sqe.SetData64(uint64(req.Token))
	tr.staged++
	tr.pending++
	return nil
}

func (tr *Transport) flush() {
	if tr.staged == 0 {
		return
	}
	for {
		if _, err := tr.ring.Submit(); err != nil {
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
				continue
			}
		}
		break
	}
	tr.staged = 0
}

func (tr *Transport) Poll(completions []transport.Completion) int {
	tr.flush()
	return tr.harvest(completions)
}

func (tr *Transport) Park(completions []transport.Completion, timeout time.Duration) int {
	if tr.staged > 0 {
		ts := syscall.NsecToTimespec(timeout.Nanoseconds())
		_, _ = tr.ring.SubmitAndWaitTimeout(1, &ts, nil)
		tr.staged = 0
	} else {
		ts := syscall.NsecToTimespec(timeout.Nanoseconds())
		_, _ = tr.ring.WaitCQEs(1, &ts, nil)
	}
	return tr.harvest(completions)
}

func (tr *Transport) harvest(completions []transport.Completion) int {
	cq := tr.cq
	if len(completions) < len(cq) {
		cq = cq[:len(completions)]
	}
	peeked := tr.ring.PeekBatchCQE(cq)
	if peeked == 0 {
		return 0
	}
	n := 0
	for i := uint32(0); i < peeked; i++ {
		cqe := cq[i]
		cq[i] = nil
		if cqe.UserData == 0 {
			continue
		}
		token := transport.Token(cqe.UserData)
		completion := transport.Completion{Token: token}
		if cqe.Res < 0 {
			completion.Err = syscall.Errno(-cqe.Res)
		} else {
			completion.N = int(cqe.Res)
		}
		delete(tr.paths, token)
		delete(tr.accepts, token)
		completions[n] = completion
		n++
	}
	tr.ring.CQAdvance(peeked)
	tr.pending -= n
	return n
}

// Wake is a no-op: a park on the ring is only interruptible by a
// completion, so cross-worker wakes ride on the park timeout instead.
func (tr *Transport) Wake() {}

func (tr *Transport) Pending() int {
	return tr.pending
}

func (tr *Transport) Depth() int {
	return tr.depth
}

func (tr *Transport) Close() error {
	if tr.closed {
		return nil
	}
	if tr.pending > 0 {
		return transport.ErrBusy
	}
	tr.closed = true
	tr.ring.QueueExit()
	return nil
}
