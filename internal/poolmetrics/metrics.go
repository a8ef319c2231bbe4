// Package poolmetrics exposes pool occupancy as Prometheus metrics.
package poolmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dbpool/mysqlpool/pool"
)

// Collector holds every metric this module exports, registered against a
// private registry so multiple Collectors (e.g. one per test) never
// collide.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhaustedTotal *prometheus.CounterVec
	acquireDuration    *prometheus.HistogramVec
	dialErrorsTotal    *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlpool_connections_active",
				Help: "Number of checked-out connections per pool",
			},
			[]string{"pool"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlpool_connections_idle",
				Help: "Number of idle connections per pool",
			},
			[]string{"pool"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlpool_connections_total",
				Help: "Total number of open connections per pool",
			},
			[]string{"pool"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlpool_connections_waiting",
				Help: "Number of goroutines currently blocked waiting for a connection per pool",
			},
			[]string{"pool"},
		),
		poolExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlpool_pool_exhausted_total",
				Help: "Number of times TryGet gave up with a timeout per pool",
			},
			[]string{"pool"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlpool_acquire_duration_seconds",
				Help:    "Time spent waiting inside Get/TryGet per pool",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"pool"},
		),
		dialErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlpool_dial_errors_total",
				Help: "Dial failures encountered while growing a pool",
			},
			[]string{"pool"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhaustedTotal,
		c.acquireDuration,
		c.dialErrorsTotal,
	)

	return c
}

// UpdatePoolStats sets the gauge metrics for name from a pool.Stats
// snapshot.
func (c *Collector) UpdatePoolStats(name string, stats pool.Stats) {
	c.connectionsActive.WithLabelValues(name).Set(float64(stats.Active))
	c.connectionsIdle.WithLabelValues(name).Set(float64(stats.Idle))
	c.connectionsTotal.WithLabelValues(name).Set(float64(stats.Total))
	c.connectionsWaiting.WithLabelValues(name).Set(float64(stats.Waiting))
}

// PoolExhausted increments the exhaustion counter for name.
func (c *Collector) PoolExhausted(name string) {
	c.poolExhaustedTotal.WithLabelValues(name).Inc()
}

// AcquireDuration observes how long a Get/TryGet call took for name.
func (c *Collector) AcquireDuration(name string, d time.Duration) {
	c.acquireDuration.WithLabelValues(name).Observe(d.Seconds())
}

// DialError increments the dial-error counter for name.
func (c *Collector) DialError(name string) {
	c.dialErrorsTotal.WithLabelValues(name).Inc()
}

// RemovePool deletes every metric series labeled with name.
func (c *Collector) RemovePool(name string) {
	c.connectionsActive.DeleteLabelValues(name)
	c.connectionsIdle.DeleteLabelValues(name)
	c.connectionsTotal.DeleteLabelValues(name)
	c.connectionsWaiting.DeleteLabelValues(name)
	c.poolExhaustedTotal.DeleteLabelValues(name)
	c.acquireDuration.DeleteLabelValues(name)
	c.dialErrorsTotal.DeleteLabelValues(name)
}

// ObserveManager updates every gauge from the manager's current stats for
// every registered pool. Intended to run periodically (see
// cmd/mysqlpoold) rather than on every acquire/release.
func (c *Collector) ObserveManager(m *pool.Manager) {
	for name, stats := range m.AllStats() {
		c.UpdatePoolStats(name, stats)
	}
}
