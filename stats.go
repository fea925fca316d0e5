package loom

// Stats is a point-in-time snapshot of the loop. Safe to call from any
// goroutine; counters are monotonic, gauges are instantaneous.
type Stats struct {
	Workers        int
	Spawned        uint64
	Completed      uint64
	Canceled       uint64
	Pending        int
	Steals         uint64
	InjectorLength int
	PoolSize       int
	PoolIdle       int
	PoolHighWater  int
}

func (loop *EventLoop) Stats() Stats {
	steals := uint64(0)
	for _, w := range loop.workers {
		steals += w.steals.Load()
	}
	return Stats{
		Workers:        len(loop.workers),
		Spawned:        loop.spawned.Load(),
		Completed:      loop.completed.Load(),
		Canceled:       loop.canceled.Load(),
		Pending:        loop.liveCount(),
		Steals:         steals,
		InjectorLength: loop.injector.Len(),
		PoolSize:       loop.pool.Size(),
		PoolIdle:       loop.pool.Idle(),
		PoolHighWater:  loop.pool.HighWater(),
	}
}
