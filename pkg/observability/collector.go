package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports a Monitor snapshot as Prometheus metrics on every scrape.
type Collector struct {
	monitor *Monitor

	size        *prometheus.Desc
	owned       *prometheus.Desc
	enabled     *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	evictions   *prometheus.Desc
	activations *prometheus.Desc
	passivated  *prometheus.Desc
	checkpoints *prometheus.Desc
	deferred    *prometheus.Desc
	highWater   *prometheus.Desc
}

// NewCollector creates a collector for m. constLabels are attached to every
// metric, typically {"node": id}.
func NewCollector(m *Monitor, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("keel_"+name, help, nil, constLabels)
	}
	return &Collector{
		monitor:     m,
		size:        desc("cache_size", "Resident session instances"),
		owned:       desc("owned_sessions", "Sessions owned by this node"),
		enabled:     desc("monitoring_enabled", "1 when fine-grained instrumentation is on"),
		hits:        desc("cache_hits_total", "Cache hits while monitoring was enabled"),
		misses:      desc("cache_misses_total", "Cache misses while monitoring was enabled"),
		evictions:   desc("cache_evictions_total", "Instances evicted while monitoring was enabled"),
		activations: desc("activations_total", "Sessions loaded from the checkpoint store"),
		passivated:  desc("passivations_total", "Sessions checkpointed and evicted"),
		checkpoints: desc("checkpoints_total", "Successful checkpoint writes"),
		deferred:    desc("deferred_evictions_total", "Passivations that failed and kept the instance resident"),
		highWater:   desc("high_water_marks_total", "Insertions that left the cache over capacity"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.owned
	ch <- c.enabled
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.activations
	ch <- c.passivated
	ch <- c.checkpoints
	ch <- c.deferred
	ch <- c.highWater
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.monitor.Stats()
	enabled := 0.0
	if s.MonitoringEnabled {
		enabled = 1
	}

	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.CurrentSize))
	ch <- prometheus.MustNewConstMetric(c.owned, prometheus.GaugeValue, float64(s.OwnedSessions))
	ch <- prometheus.MustNewConstMetric(c.enabled, prometheus.GaugeValue, enabled)
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.HitCount))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.MissCount))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.EvictionCount))
	ch <- prometheus.MustNewConstMetric(c.activations, prometheus.CounterValue, float64(s.Activations))
	ch <- prometheus.MustNewConstMetric(c.passivated, prometheus.CounterValue, float64(s.Passivations))
	ch <- prometheus.MustNewConstMetric(c.checkpoints, prometheus.CounterValue, float64(s.Checkpoints))
	ch <- prometheus.MustNewConstMetric(c.deferred, prometheus.CounterValue, float64(s.DeferredEvictions))
	ch <- prometheus.MustNewConstMetric(c.highWater, prometheus.CounterValue, float64(s.HighWaterMarks))
}
