package loom_test

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/brickingsoft/loom"
	"github.com/brickingsoft/loom/pkg/transport"
	"github.com/brickingsoft/loom/pkg/transport/mem"
	"github.com/stretchr/testify/require"
)

// memLoop builds a loop whose workers all run in-memory transports over
// one shared file table, and returns those transports so tests can seed
// files and force backpressure.
func memLoop(t *testing.T, options ...loom.Option) (*loom.EventLoop, []*mem.Transport) {
	t.Helper()
	table := mem.NewTable()
	var (
		mu         sync.Mutex
		transports []*mem.Transport
	)
	options = append(options, loom.WithTransportFactory(func(depth int) (transport.Transport, error) {
		tr := mem.New(depth, mem.WithTable(table))
		mu.Lock()
		transports = append(transports, tr)
		mu.Unlock()
		return tr, nil
	}))
	loop, err := loom.New(options...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = loop.Close()
	})
	return loop, transports
}

func seedFile(transports []*mem.Transport, path string, data []byte) {
	for _, tr := range transports {
		tr.RegisterFile(path, data)
	}
}

func TestSpawnAwaitValue(t *testing.T) {
	loop, _ := memLoop(t, loom.WithWorkers(2))
	h, err := loom.Spawn(loop, func(ctx *loom.Context) (string, error) {
		return "woven", nil
	})
	require.NoError(t, err)
	v, err := h.Await()
	require.NoError(t, err)
	require.Equal(t, "woven", v)
	require.Equal(t, loom.TaskDone, h.State())
}

func TestAwaitSurfacesClosureError(t *testing.T) {
	loop, _ := memLoop(t, loom.WithWorkers(1))
	boom := fmt.Errorf("boom")
	h, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		return 0, boom
	})
	require.NoError(t, err)
	_, err = h.Await()
	require.ErrorIs(t, err, boom)
}

func TestThreeReadsMatchRegardlessOfOrder(t *testing.T) {
	loop, transports := memLoop(t, loom.WithWorkers(2))
	contents := [][]byte{
		[]byte("first segment"),
		[]byte("second segment, somewhat longer"),
		[]byte("third"),
	}
	for i, data := range contents {
		seedFile(transports, fmt.Sprintf("/seg/%d", i), data)
	}
	handles := make([]*loom.Handle[[]byte], len(contents))
	for i := range contents {
		path := fmt.Sprintf("/seg/%d", i)
		h, err := loom.Spawn(loop, func(ctx *loom.Context) ([]byte, error) {
			fd, err := ctx.Open(path, 0, 0)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, 64)
			n, err := ctx.Read(fd, buf, 0)
			if err != nil {
				return nil, err
			}
			if err := ctx.Close(fd); err != nil {
				return nil, err
			}
			return buf[:n], nil
		})
		require.NoError(t, err)
		handles[i] = h
	}
	for i, h := range handles {
		got, err := h.Await()
		require.NoError(t, err)
		require.Equal(t, contents[i], got)
	}
}

func TestCancelBeforeFirstResume(t *testing.T) {
	loop, _ := memLoop(t, loom.WithWorkers(1))

	gate := make(chan struct{})
	blocker, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		<-gate
		return 1, nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return blocker.State() == loom.TaskRunning
	}, time.Second, time.Millisecond)

	victim, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		return 2, nil
	})
	require.NoError(t, err)
	victim.Cancel()
	close(gate)

	_, err = blocker.Await()
	require.NoError(t, err)
	_, err = victim.Await()
	require.True(t, loom.IsCanceled(err))
	require.Equal(t, loom.TaskCanceled, victim.State())

	// both fiber cells back in the pool
	require.Eventually(t, func() bool {
		stats := loop.Stats()
		return stats.PoolIdle == stats.PoolSize && stats.PoolHighWater >= 2
	}, time.Second, time.Millisecond)
}

func TestCancelIdempotent(t *testing.T) {
	loop, _ := memLoop(t, loom.WithWorkers(1))
	h, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		for {
			if err := ctx.Sleep(time.Millisecond); err != nil {
				return 0, err
			}
		}
	})
	require.NoError(t, err)
	h.Cancel()
	h.Cancel()
	_, err = h.Await()
	require.True(t, loom.IsCanceled(err))
	require.Equal(t, uint64(1), loop.Stats().Canceled)
}

func TestQueueFullBuffersAndCompletes(t *testing.T) {
	loop, transports := memLoop(t, loom.WithWorkers(1), loom.WithQueueDepth(4))
	seedFile(transports, "/data", []byte("backpressure payload"))
	require.Len(t, transports, 1)
	transports[0].ForceQueueFull(2)

	const tasks = 5
	handles := make([]*loom.Handle[[]byte], 0, tasks)
	for i := 0; i < tasks; i++ {
		h, err := loom.Spawn(loop, func(ctx *loom.Context) ([]byte, error) {
			fd, err := ctx.Open("/data", 0, 0)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, 32)
			n, err := ctx.Read(fd, buf, 0)
			if err != nil {
				return nil, err
			}
			return buf[:n], nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		got, err := h.Await()
		require.NoError(t, err)
		require.Equal(t, []byte("backpressure payload"), got)
	}
}

func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	loop, _ := memLoop(t, loom.WithWorkers(4), loom.WithInjectorCapacity(1<<15))
	const tasks = 10000
	handles := make([]*loom.Handle[int], tasks)
	for i := 0; i < tasks; i++ {
		i := i
		h, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
			if err := ctx.Yield(); err != nil {
				return 0, err
			}
			return i * 2, nil
		})
		require.NoError(t, err)
		handles[i] = h
	}
	for i, h := range handles {
		v, err := h.Await()
		require.NoError(t, err)
		require.Equal(t, i*2, v)
	}
	stats := loop.Stats()
	require.Equal(t, uint64(tasks), stats.Spawned)
	require.Equal(t, uint64(tasks), stats.Completed)
	require.Equal(t, 0, stats.Pending)
}

func TestSequentialOpsObserveOrder(t *testing.T) {
	// two facade calls A then B from one fiber: A's result must be
	// observed before B is submitted, stealing included
	loop, transports := memLoop(t, loom.WithWorkers(4))
	const tasks = 64
	handles := make([]*loom.Handle[[]byte], tasks)
	for i := 0; i < tasks; i++ {
		i := i
		path := fmt.Sprintf("/w/%d", i)
		seedFile(transports, path, nil)
		payload := []byte(fmt.Sprintf("payload-%d", i))
		h, err := loom.Spawn(loop, func(ctx *loom.Context) ([]byte, error) {
			fd, err := ctx.Open(path, 0, 0)
			if err != nil {
				return nil, err
			}
			if _, err := ctx.Write(fd, payload, 0); err != nil {
				return nil, err
			}
			buf := make([]byte, 32)
			n, err := ctx.Read(fd, buf, 0)
			if err != nil {
				return nil, err
			}
			return buf[:n], nil
		})
		require.NoError(t, err)
		handles[i] = h
	}
	for i, h := range handles {
		got, err := h.Await()
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("payload-%d", i)), got)
	}
}

func TestReorderedCompletionsKeepProgramOrder(t *testing.T) {
	// transports deliver completions in shuffled order; per-fiber
	// write-then-read must still observe program order through the
	// worker path
	table := mem.NewTable()
	loop, err := loom.New(
		loom.WithWorkers(2),
		loom.WithTransportFactory(func(depth int) (transport.Transport, error) {
			return mem.New(depth, mem.WithReorder(1), mem.WithTable(table)), nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })

	const tasks = 32
	handles := make([]*loom.Handle[[]byte], tasks)
	for i := 0; i < tasks; i++ {
		path := fmt.Sprintf("/r/%d", i)
		payload := []byte(fmt.Sprintf("shuffled-%d", i))
		h, err := loom.Spawn(loop, func(ctx *loom.Context) ([]byte, error) {
			fd, err := ctx.Open(path, syscall.O_CREAT, 0o644)
			if err != nil {
				return nil, err
			}
			if _, err := ctx.Write(fd, payload, 0); err != nil {
				return nil, err
			}
			buf := make([]byte, 32)
			n, err := ctx.Read(fd, buf, 0)
			if err != nil {
				return nil, err
			}
			if err := ctx.Close(fd); err != nil {
				return nil, err
			}
			return buf[:n], nil
		})
		require.NoError(t, err)
		handles[i] = h
	}
	for i, h := range handles {
		got, err := h.Await()
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("shuffled-%d", i)), got)
	}
}

func TestAwaitFromFiber(t *testing.T) {
	loop, _ := memLoop(t, loom.WithWorkers(2))
	h, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		inner, err := loom.Go(ctx, func(ctx *loom.Context) (int, error) {
			if err := ctx.Sleep(time.Millisecond); err != nil {
				return 0, err
			}
			return 21, nil
		})
		if err != nil {
			return 0, err
		}
		v, err := loom.Await(ctx, inner)
		if err != nil {
			return 0, err
		}
		return v * 2, nil
	})
	require.NoError(t, err)
	v, err := h.Await()
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestDeadlineCancelAfterSteal(t *testing.T) {
	// the deadline entry lives on the heap of the worker that first
	// resumed the task; the task then migrates and parks for I/O on the
	// other worker, so the firing worker must hand the wake over instead
	// of touching a foreign arena
	loop, transports := memLoop(t, loom.WithWorkers(2))
	for _, tr := range transports {
		tr.ForceQueueFull(1 << 20)
	}

	gate := make(chan struct{})
	blocker, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		<-gate
		return 0, nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return blocker.State() == loom.TaskRunning
	}, time.Second, time.Millisecond)

	started := make(chan struct{})
	victim, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		close(started)
		// keep yielding until the freed worker steals this fiber
		for ctx.Loop().Stats().Steals == 0 {
			if err := ctx.Yield(); err != nil {
				return 0, err
			}
		}
		// the ring is forced full, so this sits in the overflow until
		// the deadline fires
		return 0, ctx.Fsync(1)
	}, loom.WithTimeout(200*time.Millisecond))
	require.NoError(t, err)
	<-started
	close(gate)

	_, err = blocker.Await()
	require.NoError(t, err)
	_, err = victim.Await()
	require.True(t, loom.IsCanceled(err))
	require.GreaterOrEqual(t, loop.Stats().Steals, uint64(1))

	// the orphaned overflow request is discarded and both cells retire
	require.Eventually(t, func() bool {
		stats := loop.Stats()
		return stats.PoolIdle == stats.PoolSize && stats.Canceled == 1
	}, time.Second, time.Millisecond)
}

func TestSpawnTimeout(t *testing.T) {
	loop, _ := memLoop(t, loom.WithWorkers(1))
	h, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		for {
			if err := ctx.Sleep(time.Millisecond); err != nil {
				return 0, err
			}
		}
	}, loom.WithTimeout(20*time.Millisecond))
	require.NoError(t, err)
	_, err = h.Await()
	require.True(t, loom.IsCanceled(err))
}

func TestSleep(t *testing.T) {
	loop, _ := memLoop(t, loom.WithWorkers(1))
	started := time.Now()
	h, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		if err := ctx.Sleep(30 * time.Millisecond); err != nil {
			return 0, err
		}
		return 0, nil
	})
	require.NoError(t, err)
	_, err = h.Await()
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(started), 30*time.Millisecond)
}

func TestDetach(t *testing.T) {
	loop, _ := memLoop(t, loom.WithWorkers(1))
	var ran atomic.Bool
	_, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		ran.Store(true)
		return 0, nil
	}, loom.WithDetached())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		stats := loop.Stats()
		return ran.Load() && stats.Completed == 1 && stats.PoolIdle == stats.PoolSize
	}, time.Second, time.Millisecond)
}

func TestShutdownReportsStubbornFiber(t *testing.T) {
	loop, _ := memLoop(t, loom.WithWorkers(1), loom.WithCancelGraceRounds(1))
	started := make(chan struct{})
	var once sync.Once
	_, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		for {
			once.Do(func() { close(started) })
			// ignores cancellation on purpose
			_ = ctx.Yield()
		}
	})
	require.NoError(t, err)
	<-started
	err = loop.Close()
	require.True(t, loom.IsShutdownIncomplete(err))
}

func TestSpawnAfterShutdown(t *testing.T) {
	loop, _ := memLoop(t, loom.WithWorkers(1))
	require.NoError(t, loop.Close())
	_, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		return 0, nil
	})
	require.True(t, loom.IsClosed(err))
}

func TestInjectorFull(t *testing.T) {
	loop, _ := memLoop(t, loom.WithWorkers(1), loom.WithInjectorCapacity(2))

	gate := make(chan struct{})
	defer close(gate)
	blocker, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		<-gate
		return 0, nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return blocker.State() == loom.TaskRunning
	}, time.Second, time.Millisecond)

	spawn := func() error {
		_, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
			return 0, nil
		})
		return err
	}
	require.NoError(t, spawn())
	require.NoError(t, spawn())
	require.True(t, loom.IsInjectorFull(spawn()))
}

func TestFacadeErrorSets(t *testing.T) {
	loop, transports := memLoop(t, loom.WithWorkers(1))
	for _, tr := range transports {
		tr.RegisterProtected("/protected")
	}
	seedFile(transports, "/tiny", []byte("x"))

	h, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		if _, err := ctx.Open("/missing", 0, 0); !loom.IsNotFound(err) {
			return 0, fmt.Errorf("open missing: %v", err)
		}
		if _, err := ctx.Open("/protected", 0, 0); !loom.IsPermissionDenied(err) {
			return 0, fmt.Errorf("open protected: %v", err)
		}
		if _, err := ctx.Read(12345, make([]byte, 4), 0); !loom.IsBadDescriptor(err) {
			return 0, fmt.Errorf("read bad fd: %v", err)
		}
		if _, err := ctx.Accept(12345); !loom.IsUnexpected(err) {
			return 0, fmt.Errorf("accept unsupported: %v", err)
		}
		fd, err := ctx.Open("/tiny", 0, 0)
		if err != nil {
			return 0, err
		}
		if _, err := ctx.Read(fd, make([]byte, 4), 1); !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("read at end: %v", err)
		}
		return 0, nil
	})
	require.NoError(t, err)
	_, err = h.Await()
	require.NoError(t, err)
}

func TestWriteNoSpace(t *testing.T) {
	var (
		mu         sync.Mutex
		transports []*mem.Transport
	)
	loop, err := loom.New(
		loom.WithWorkers(1),
		loom.WithTransportFactory(func(depth int) (transport.Transport, error) {
			tr := mem.New(depth, mem.WithFault(func(req *transport.Request) syscall.Errno {
				if req.Kind == transport.Write {
					return syscall.ENOSPC
				}
				return 0
			}))
			mu.Lock()
			transports = append(transports, tr)
			mu.Unlock()
			return tr, nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	seedFile(transports, "/f", nil)

	h, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		fd, err := ctx.Open("/f", 0, 0)
		if err != nil {
			return 0, err
		}
		_, err = ctx.Write(fd, []byte("data"), 0)
		return 0, err
	})
	require.NoError(t, err)
	_, err = h.Await()
	require.True(t, loom.IsNoSpace(err))
}

func TestStatsAndVersion(t *testing.T) {
	require.Equal(t, "1.0.0", loom.Version())
	loop, _ := memLoop(t, loom.WithWorkers(2))
	h, err := loom.Spawn(loop, func(ctx *loom.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	_, err = h.Await()
	require.NoError(t, err)
	stats := loop.Stats()
	require.Equal(t, 2, stats.Workers)
	require.Equal(t, uint64(1), stats.Spawned)
	require.Equal(t, uint64(1), stats.Completed)
	require.Equal(t, uint64(0), stats.Canceled)
	require.Equal(t, 0, stats.Pending)
}
