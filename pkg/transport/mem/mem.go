// Package mem is an in-memory Transport implementation. It services
// requests against an in-memory file table with the same contract as the
// kernel-backed transport, including deliberate completion reordering and
// injectable backpressure, so the scheduler can be exercised on any
// platform and under failure modes that are hard to provoke on a real
// ring.
package mem

import (
	"math/rand/v2"
	"sync"
	"syscall"
	"time"

	"github.com/brickingsoft/loom/pkg/transport"
)

type Option func(tr *Transport)

// WithReorder makes completion delivery order deliberately non-FIFO, which
// is what the kernel is allowed to do.
func WithReorder(seed uint64) Option {
	return func(tr *Transport) {
		tr.reorder = true
		tr.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithFault installs a per-request fault hook; a non-zero errno returned
// by the hook completes the request with that errno.
func WithFault(fault func(req *transport.Request) syscall.Errno) Option {
	return func(tr *Transport) {
		tr.fault = fault
	}
}

// WithTable backs the transport with a shared file table. Workers each own
// a ring but descriptors live in one table, so a fiber stolen between two
// operations still finds its fd on the new worker's transport.
func WithTable(table *Table) Option {
	return func(tr *Transport) {
		tr.table = table
	}
}

func New(depth int, options ...Option) *Transport {
	if depth < 1 {
		depth = 1
	}
	tr := &Transport{
		depth:  depth,
		signal: make(chan struct{}, 1),
	}
	for _, option := range options {
		option(tr)
	}
	if tr.table == nil {
		tr.table = NewTable()
	}
	return tr
}

type file struct {
	data      []byte
	protected bool
}

type openFile struct {
	f *file
}

// Table is the file and descriptor table transports service against.
type Table struct {
	mu     sync.Mutex
	files  map[string]*file
	fds    map[int]*openFile
	nextFd int
}

func NewTable() *Table {
	return &Table{
		files:  make(map[string]*file),
		fds:    make(map[int]*openFile),
		nextFd: 100,
	}
}

// RegisterFile seeds the file table with a path backed by data. The table
// takes ownership of the slice.
func (tbl *Table) RegisterFile(path string, data []byte) {
	tbl.mu.Lock()
	tbl.files[path] = &file{data: data}
	tbl.mu.Unlock()
}

// RegisterProtected seeds a path whose open always fails with EACCES.
func (tbl *Table) RegisterProtected(path string) {
	tbl.mu.Lock()
	tbl.files[path] = &file{protected: true}
	tbl.mu.Unlock()
}

// Data returns the current content of a registered path.
func (tbl *Table) Data(path string) []byte {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	f, has := tbl.files[path]
	if !has {
		return nil
	}
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out
}

type Transport struct {
	mu         sync.Mutex
	depth      int
	pending    int
	table      *Table
	ready      []transport.Completion
	forcedFull int
	reorder    bool
	rng        *rand.Rand
	fault      func(req *transport.Request) syscall.Errno
	signal     chan struct{}
	closed     bool
}

func (tr *Transport) RegisterFile(path string, data []byte) {
	tr.table.RegisterFile(path, data)
}

func (tr *Transport) RegisterProtected(path string) {
	tr.table.RegisterProtected(path)
}

func (tr *Transport) Data(path string) []byte {
	return tr.table.Data(path)
}

// ForceQueueFull makes the next n submissions report ErrQueueFull,
// exercising the worker's user-space overflow path.
func (tr *Transport) ForceQueueFull(n int) {
	tr.mu.Lock()
	tr.forcedFull = n
	tr.mu.Unlock()
}

func (tr *Transport) Submit(req *transport.Request) error {
	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		return transport.ErrClosed
	}
	if tr.forcedFull > 0 {
		tr.forcedFull--
		tr.mu.Unlock()
		return transport.ErrQueueFull
	}
	if tr.pending >= tr.depth {
		tr.mu.Unlock()
		return transport.ErrTooManyInFlight
	}
	completion := tr.service(req)
	if tr.reorder && len(tr.ready) > 0 {
		at := tr.rng.IntN(len(tr.ready) + 1)
		tr.ready = append(tr.ready, transport.Completion{})
		copy(tr.ready[at+1:], tr.ready[at:])
		tr.ready[at] = completion
	} else {
		tr.ready = append(tr.ready, completion)
	}
	tr.pending++
	tr.mu.Unlock()
	tr.Wake()
	return nil
}

func (tr *Transport) service(req *transport.Request) transport.Completion {
	completion := transport.Completion{Token: req.Token}
	if tr.fault != nil {
		if errno := tr.fault(req); errno != 0 {
			completion.Err = errno
			return completion
		}
	}
	tbl := tr.table
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	switch req.Kind {
	case transport.Nop:
	case transport.Open:
		f, has := tbl.files[req.Path]
		if !has {
			if req.Flags&syscall.O_CREAT == 0 {
				completion.Err = syscall.ENOENT
				return completion
			}
			f = &file{}
			tbl.files[req.Path] = f
		}
		if f.protected {
			completion.Err = syscall.EACCES
			return completion
		}
		fd := tbl.nextFd
		tbl.nextFd++
		tbl.fds[fd] = &openFile{f: f}
		completion.N = fd
	case transport.Read:
		of, has := tbl.fds[req.Fd]
		if !has {
			completion.Err = syscall.EBADF
			return completion
		}
		if req.Off >= int64(len(of.f.data)) {
			completion.N = 0
			return completion
		}
		completion.N = copy(req.Buf, of.f.data[req.Off:])
	case transport.Write:
		of, has := tbl.fds[req.Fd]
		if !has {
			completion.Err = syscall.EBADF
			return completion
		}
		end := req.Off + int64(len(req.Buf))
		if end > int64(len(of.f.data)) {
			grown := make([]byte, end)
			copy(grown, of.f.data)
			of.f.data = grown
		}
		completion.N = copy(of.f.data[req.Off:end], req.Buf)
	case transport.Close:
		if _, has := tbl.fds[req.Fd]; !has {
			completion.Err = syscall.EBADF
			return completion
		}
		delete(tbl.fds, req.Fd)
	case transport.Fsync:
		if _, has := tbl.fds[req.Fd]; !has {
			completion.Err = syscall.EBADF
			return completion
		}
	default:
		completion.Err = syscall.ENOTSUP
	}
	return completion
}

func (tr *Transport) Poll(completions []transport.Completion) int {
	tr.mu.Lock()
	n := copy(completions, tr.ready)
	if n > 0 {
		tr.ready = tr.ready[:copy(tr.ready, tr.ready[n:])]
		tr.pending -= n
	}
	tr.mu.Unlock()
	return n
}

func (tr *Transport) Park(completions []transport.Completion, timeout time.Duration) int {
	if n := tr.Poll(completions); n > 0 {
		return n
	}
	if timeout <= 0 {
		return 0
	}
	timer := time.NewTimer(timeout)
	select {
	case <-tr.signal:
		// a Wake interrupts the park even without completions so the
		// caller can re-examine its queues
		timer.Stop()
	case <-timer.C:
	}
	return tr.Poll(completions)
}

func (tr *Transport) Wake() {
	select {
	case tr.signal <- struct{}{}:
	default:
	}
}

func (tr *Transport) Pending() int {
	tr.mu.Lock()
	n := tr.pending
	tr.mu.Unlock()
	return n
}

func (tr *Transport) Depth() int {
	return tr.depth
}

func (tr *Transport) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.pending > 0 {
		return transport.ErrBusy
	}
	tr.closed = true
	return nil
}
