package loom

import (
	"runtime"

	"github.com/benbjohnson/clock"
	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/loom/pkg/fiber"
	"github.com/brickingsoft/loom/pkg/queues"
	"github.com/brickingsoft/loom/pkg/transport"
	"go.uber.org/zap"
)

const (
	DefaultQueueDepth       = 1024
	DefaultStackSize        = 128 * 1024
	DefaultInjectorCapacity = 4096
	DefaultGraceRounds      = 8
)

type TransportFactory func(depth int) (transport.Transport, error)

type Options struct {
	Workers           int
	QueueDepth        int
	DefaultStackSize  int
	InjectorCapacity  int
	CancelGraceRounds int
	WaitCurve         Curve
	Logger            *zap.Logger
	Clock             clock.Clock
	TransportFactory  TransportFactory
}

type Option func(options *Options) (err error)

// WithWorkers sets the worker thread count. Defaults to runtime.NumCPU().
func WithWorkers(workers int) Option {
	return func(options *Options) (err error) {
		if workers < 1 {
			workers = runtime.NumCPU()
		}
		options.Workers = workers
		return
	}
}

// WithQueueDepth sets the per-worker ring depth. Rounded up to a power of
// two. Defaults to 1024.
func WithQueueDepth(depth int) Option {
	return func(options *Options) (err error) {
		if depth < 1 {
			err = errors.New("loom: queue depth must be positive")
			return
		}
		options.QueueDepth = int(queues.RoundupPow2(uint64(depth)))
		return
	}
}

// WithDefaultStackSize sets the stack size class fibers are drawn from when
// a spawn does not name one. Defaults to 128 KiB, floor 16 KiB.
func WithDefaultStackSize(stackSize int) Option {
	return func(options *Options) (err error) {
		if stackSize < fiber.MinStackSize {
			stackSize = fiber.MinStackSize
		}
		options.DefaultStackSize = fiber.ClassSize(stackSize)
		return
	}
}

// WithInjectorCapacity bounds the shared injector queue. A full injector
// rejects spawns with ErrInjectorFull rather than growing.
func WithInjectorCapacity(capacity int) Option {
	return func(options *Options) (err error) {
		if capacity < 1 {
			err = errors.New("loom: injector capacity must be positive")
			return
		}
		options.InjectorCapacity = capacity
		return
	}
}

// WithCancelGraceRounds bounds how many scheduling passes shutdown grants
// canceled fibers before reporting them as stuck.
func WithCancelGraceRounds(rounds int) Option {
	return func(options *Options) (err error) {
		if rounds < 1 {
			err = errors.New("loom: cancel grace rounds must be positive")
			return
		}
		options.CancelGraceRounds = rounds
		return
	}
}

func WithWaitCurve(curve Curve) Option {
	return func(options *Options) (err error) {
		if len(curve) > 0 {
			options.WaitCurve = curve
		}
		return
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(options *Options) (err error) {
		if logger != nil {
			options.Logger = logger
		}
		return
	}
}

func WithClock(clk clock.Clock) Option {
	return func(options *Options) (err error) {
		if clk != nil {
			options.Clock = clk
		}
		return
	}
}

// WithTransportFactory swaps the per-worker transport constructor. The
// default uses io_uring on kernels that support it and the in-memory
// transport elsewhere.
func WithTransportFactory(factory TransportFactory) Option {
	return func(options *Options) (err error) {
		if factory == nil {
			err = errors.New("loom: transport factory must not be nil")
			return
		}
		options.TransportFactory = factory
		return
	}
}

func defaultOptions() *Options {
	return &Options{
		Workers:           runtime.NumCPU(),
		QueueDepth:        DefaultQueueDepth,
		DefaultStackSize:  DefaultStackSize,
		InjectorCapacity:  DefaultInjectorCapacity,
		CancelGraceRounds: DefaultGraceRounds,
		WaitCurve:         defaultCurve,
		Logger:            zap.NewNop(),
		Clock:             clock.New(),
		TransportFactory:  defaultTransportFactory,
	}
}
