package loom

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/loom/pkg/fiber"
	"github.com/brickingsoft/loom/pkg/queues"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	stateRunning uint32 = iota + 1
	stateDraining
	stateQuitting
	stateClosed
)

const (
	graceRoundInterval = 25 * time.Millisecond
	drainBudget        = 500 * time.Millisecond
	joinBudget         = 2 * time.Second
)

// EventLoop owns the worker pool, the shared injector and the global fiber
// pool. Every live task is reachable from exactly one of: a worker's local
// queue, a worker's parked arena or timer heap, the injector, or "running
// on some worker right now".
type EventLoop struct {
	opts     *Options
	logger   *zap.Logger
	clock    clock.Clock
	pool     *fiber.Pool
	injector *queues.Ring[*task]
	workers  []*worker
	state    atomic.Uint32
	wg       sync.WaitGroup

	liveMu sync.Mutex
	live   map[*task]struct{}

	spawned   atomic.Uint64
	completed atomic.Uint64
	canceled  atomic.Uint64
}

func New(options ...Option) (*EventLoop, error) {
	opts := defaultOptions()
	for _, option := range options {
		if err := option(opts); err != nil {
			return nil, err
		}
	}
	loop := &EventLoop{
		opts:     opts,
		logger:   opts.Logger,
		clock:    opts.Clock,
		pool:     fiber.NewPool(),
		injector: queues.NewRing[*task](opts.InjectorCapacity),
		live:     make(map[*task]struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		tr, err := opts.TransportFactory(opts.QueueDepth)
		if err != nil {
			for _, built := range loop.workers {
				_ = built.tr.Close()
			}
			return nil, errors.New("loom: transport setup failed",
				errors.WithMeta("worker", strconv.Itoa(i)),
				errors.WithWrap(err),
			)
		}
		loop.workers = append(loop.workers, newWorker(i, loop, tr))
	}
	loop.state.Store(stateRunning)
	loop.wg.Add(len(loop.workers))
	for _, w := range loop.workers {
		go w.run()
	}
	loop.logger.Debug("loom: event loop started",
		zap.Int("workers", opts.Workers),
		zap.Int("queueDepth", opts.QueueDepth),
	)
	return loop, nil
}

func (loop *EventLoop) Workers() int {
	return len(loop.workers)
}

func (loop *EventLoop) draining() bool {
	return loop.state.Load() >= stateDraining
}

func (loop *EventLoop) quitting() bool {
	return loop.state.Load() >= stateQuitting
}

// enqueue routes a freshly bound task: onto the spawning fiber's own
// worker when there is one, otherwise through the bounded injector.
func (loop *EventLoop) enqueue(t *task, local *worker) error {
	if loop.state.Load() != stateRunning {
		return errors.From(ErrClosed, errors.WithMeta("pkg", "loom"), errors.WithMeta("op", "spawn"))
	}
	loop.register(t)
	if local != nil {
		local.local.PushBack(t)
		return nil
	}
	if !loop.injector.Enqueue(t) {
		loop.liveMu.Lock()
		delete(loop.live, t)
		loop.liveMu.Unlock()
		loop.spawned.Add(^uint64(0))
		return errors.From(ErrInjectorFull, errors.WithMeta("pkg", "loom"), errors.WithMeta("op", "spawn"))
	}
	// nudge one parked worker
	w := loop.workers[int(t.fib.Id())%len(loop.workers)]
	w.tr.Wake()
	return nil
}

func (loop *EventLoop) register(t *task) {
	loop.liveMu.Lock()
	loop.live[t] = struct{}{}
	loop.liveMu.Unlock()
	loop.spawned.Add(1)
}

func (loop *EventLoop) unregister(t *task, canceled bool) {
	loop.liveMu.Lock()
	delete(loop.live, t)
	loop.liveMu.Unlock()
	loop.completed.Add(1)
	if canceled {
		loop.canceled.Add(1)
	}
}

func (loop *EventLoop) liveCount() int {
	loop.liveMu.Lock()
	n := len(loop.live)
	loop.liveMu.Unlock()
	return n
}

func (loop *EventLoop) liveTasks() []*task {
	loop.liveMu.Lock()
	tasks := make([]*task, 0, len(loop.live))
	for t := range loop.live {
		tasks = append(tasks, t)
	}
	loop.liveMu.Unlock()
	return tasks
}

// Close shuts the loop down without an external deadline.
func (loop *EventLoop) Close() error {
	return loop.Shutdown(context.Background())
}

// Shutdown stops intake, cancels every outstanding closure, grants the
// configured grace rounds, then joins workers and tears the transports
// down. Fibers that refuse cancellation within the grace rounds are a
// programming error in user code; they surface in the returned aggregate,
// never silently.
func (loop *EventLoop) Shutdown(ctx context.Context) error {
	if !loop.state.CompareAndSwap(stateRunning, stateDraining) {
		return errors.From(ErrClosed, errors.WithMeta("pkg", "loom"), errors.WithMeta("op", "shutdown"))
	}
	loop.logger.Debug("loom: shutdown draining", zap.Int("live", loop.liveCount()))
	for _, t := range loop.liveTasks() {
		t.requestCancel()
	}

	var err error
	for round := 0; round < loop.opts.CancelGraceRounds; round++ {
		if loop.liveCount() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			err = multierr.Append(err, ctx.Err())
			round = loop.opts.CancelGraceRounds
		default:
			loop.clock.Sleep(graceRoundInterval)
		}
	}
	if stuck := loop.liveCount(); stuck > 0 {
		loop.logger.Warn("loom: fibers refused cancellation", zap.Int("count", stuck))
		err = multierr.Append(err, errors.From(ErrShutdownIncomplete,
			errors.WithMeta("pkg", "loom"),
			errors.WithMeta("fibers", strconv.Itoa(stuck)),
		))
	}

	loop.state.Store(stateQuitting)
	for _, w := range loop.workers {
		w.tr.Wake()
	}
	joined := make(chan struct{})
	go func() {
		loop.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
		return err
	case <-time.After(joinBudget):
		// a worker is wedged inside a fiber doing a blocking call;
		// closing its transport under it would be unsafe
		err = multierr.Append(err, errors.From(ErrShutdownIncomplete,
			errors.WithMeta("pkg", "loom"),
			errors.WithMeta("reason", "worker join timed out"),
		))
		return err
	}

	for _, w := range loop.workers {
		deadline := loop.clock.Now().Add(drainBudget)
		for w.tr.Pending() > 0 && loop.clock.Now().Before(deadline) {
			// completions for canceled fibers: drained and discarded
			_ = w.tr.Park(w.comps, 10*time.Millisecond)
		}
		if cerr := w.tr.Close(); cerr != nil {
			err = multierr.Append(err, errors.New("loom: transport close failed",
				errors.WithMeta("worker", strconv.Itoa(w.idx)),
				errors.WithWrap(cerr),
			))
		}
	}
	loop.pool.Close()
	loop.state.Store(stateClosed)
	loop.logger.Debug("loom: event loop stopped")
	return err
}
