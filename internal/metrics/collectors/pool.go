// Package collectors provides Prometheus collectors that read live pool state.
package collectors

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/smazurov/clusterd/internal/supervisor"
)

// PoolSource is the read side of a supervisor.
type PoolSource interface {
	Status() supervisor.Status
	Workers() []supervisor.Info
}

// PoolCollector reports pool size and per-worker state at scrape time.
type PoolCollector struct {
	source PoolSource
	now    func() time.Time

	poolSize   *prometheus.Desc
	workers    *prometheus.Desc
	online     *prometheus.Desc
	generation *prometheus.Desc
	uptime     *prometheus.Desc
}

// NewPoolCollector creates a collector over source.
func NewPoolCollector(source PoolSource) *PoolCollector {
	return &PoolCollector{
		source: source,
		now:    time.Now,
		poolSize: prometheus.NewDesc("clusterd_pool_size",
			"Configured number of workers", nil, nil),
		workers: prometheus.NewDesc("clusterd_pool_workers",
			"Workers currently registered", nil, nil),
		online: prometheus.NewDesc("clusterd_pool_online",
			"Workers currently online", nil, nil),
		generation: prometheus.NewDesc("clusterd_pool_generation",
			"Rolling restart generation", nil, nil),
		uptime: prometheus.NewDesc("clusterd_worker_uptime_seconds",
			"Seconds since the worker was started",
			[]string{"worker_id", "state", "generation"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolSize
	ch <- c.workers
	ch <- c.online
	ch <- c.generation
	ch <- c.uptime
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.source.Status()
	ch <- prometheus.MustNewConstMetric(c.poolSize, prometheus.GaugeValue, float64(st.PoolSize))
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(st.Workers))
	ch <- prometheus.MustNewConstMetric(c.online, prometheus.GaugeValue, float64(st.Online))
	ch <- prometheus.MustNewConstMetric(c.generation, prometheus.GaugeValue, float64(st.Generation))

	now := c.now()
	for _, w := range c.source.Workers() {
		ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue,
			now.Sub(w.StartedAt).Seconds(),
			strconv.Itoa(w.ID), string(w.State), strconv.Itoa(w.Generation))
	}
}
