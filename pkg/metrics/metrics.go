// Package metrics exposes an event loop's Stats as a prometheus
// collector.
package metrics

import (
	"github.com/brickingsoft/loom"
	"github.com/prometheus/client_golang/prometheus"
)

type Source interface {
	Stats() loom.Stats
}

func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		workers: prometheus.NewDesc("loom_workers",
			"Worker thread count.", nil, nil),
		spawned: prometheus.NewDesc("loom_tasks_spawned_total",
			"Closures spawned onto the loop.", nil, nil),
		completed: prometheus.NewDesc("loom_tasks_completed_total",
			"Closures finished, canceled ones included.", nil, nil),
		canceled: prometheus.NewDesc("loom_tasks_canceled_total",
			"Closures that surfaced a canceled outcome.", nil, nil),
		pending: prometheus.NewDesc("loom_tasks_pending",
			"Live closures not yet finished.", nil, nil),
		steals: prometheus.NewDesc("loom_steals_total",
			"Fibers taken from another worker's queue.", nil, nil),
		injectorLength: prometheus.NewDesc("loom_injector_length",
			"Tasks waiting in the shared injector.", nil, nil),
		poolSize: prometheus.NewDesc("loom_fiber_pool_size",
			"Fiber cells ever created.", nil, nil),
		poolIdle: prometheus.NewDesc("loom_fiber_pool_idle",
			"Fiber cells parked in the pool.", nil, nil),
		poolHighWater: prometheus.NewDesc("loom_fiber_pool_high_water",
			"Most fiber cells simultaneously checked out.", nil, nil),
	}
}

type Collector struct {
	source         Source
	workers        *prometheus.Desc
	spawned        *prometheus.Desc
	completed      *prometheus.Desc
	canceled       *prometheus.Desc
	pending        *prometheus.Desc
	steals         *prometheus.Desc
	injectorLength *prometheus.Desc
	poolSize       *prometheus.Desc
	poolIdle       *prometheus.Desc
	poolHighWater  *prometheus.Desc
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workers
	ch <- c.spawned
	ch <- c.completed
	ch <- c.canceled
	ch <- c.pending
	ch <- c.steals
	ch <- c.injectorLength
	ch <- c.poolSize
	ch <- c.poolIdle
	ch <- c.poolHighWater
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(stats.Workers))
	ch <- prometheus.MustNewConstMetric(c.spawned, prometheus.CounterValue, float64(stats.Spawned))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(stats.Completed))
	ch <- prometheus.MustNewConstMetric(c.canceled, prometheus.CounterValue, float64(stats.Canceled))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(stats.Pending))
	ch <- prometheus.MustNewConstMetric(c.steals, prometheus.CounterValue, float64(stats.Steals))
	ch <- prometheus.MustNewConstMetric(c.injectorLength, prometheus.GaugeValue, float64(stats.InjectorLength))
	ch <- prometheus.MustNewConstMetric(c.poolSize, prometheus.GaugeValue, float64(stats.PoolSize))
	ch <- prometheus.MustNewConstMetric(c.poolIdle, prometheus.GaugeValue, float64(stats.PoolIdle))
	ch <- prometheus.MustNewConstMetric(c.poolHighWater, prometheus.GaugeValue, float64(stats.PoolHighWater))
}
