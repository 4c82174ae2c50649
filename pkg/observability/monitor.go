package observability

import (
	"sync/atomic"
	"time"

	"github.com/aretw0/keel/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Monitor implements cache.Metrics and the lifecycle event hooks.
// The zero value is not usable; call NewMonitor.
type Monitor struct {
	enabled atomic.Bool

	// Coarse figures, always maintained.
	size           atomic.Int64
	owned          atomic.Int64
	activations    atomic.Int64
	passivations   atomic.Int64
	checkpoints    atomic.Int64
	deferred       atomic.Int64
	highWaterMarks atomic.Int64

	// Fine-grained, only while enabled.
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	storeLatency *prometheus.HistogramVec
}

// Option configures the Monitor.
type Option func(*monitorConfig)

type monitorConfig struct {
	enabled    bool
	registerer prometheus.Registerer
}

// WithEnabled sets the initial state of fine-grained instrumentation. Default true.
func WithEnabled(enabled bool) Option {
	return func(c *monitorConfig) {
		c.enabled = enabled
	}
}

// WithRegisterer registers checkpoint latency histograms on reg.
// Without it latencies are not recorded.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *monitorConfig) {
		c.registerer = reg
	}
}

// NewMonitor creates a Monitor.
func NewMonitor(opts ...Option) *Monitor {
	cfg := monitorConfig{enabled: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Monitor{}
	m.enabled.Store(cfg.enabled)
	if cfg.registerer != nil {
		m.storeLatency = promauto.With(cfg.registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_checkpoint_store_duration_seconds",
				Help:    "Latency of checkpoint store operations by operation",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
			},
			[]string{"op"}, // "save", "load", "remove"
		)
	}
	return m
}

// SetEnabled toggles fine-grained instrumentation without touching coarse figures.
func (m *Monitor) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// Enabled reports whether fine-grained instrumentation is on.
func (m *Monitor) Enabled() bool {
	return m.enabled.Load()
}

// RecordHit counts a cache hit.
func (m *Monitor) RecordHit() {
	if m.enabled.Load() {
		m.hits.Add(1)
	}
}

// RecordMiss counts a cache miss.
func (m *Monitor) RecordMiss() {
	if m.enabled.Load() {
		m.misses.Add(1)
	}
}

// RecordEviction counts an instance removed from memory after passivation.
func (m *Monitor) RecordEviction() {
	if m.enabled.Load() {
		m.evictions.Add(1)
	}
}

// RecordSize stores the resident instance count.
func (m *Monitor) RecordSize(n int) {
	m.size.Store(int64(n))
}

// RecordHighWaterMark counts insertions that left the cache over capacity.
func (m *Monitor) RecordHighWaterMark() {
	m.highWaterMarks.Add(1)
}

// RecordActivation counts a session loaded from the checkpoint store.
func (m *Monitor) RecordActivation() {
	m.activations.Add(1)
}

// RecordPassivation counts a session checkpointed and evicted.
func (m *Monitor) RecordPassivation() {
	m.passivations.Add(1)
}

// RecordCheckpoint counts a successful Save.
func (m *Monitor) RecordCheckpoint() {
	m.checkpoints.Add(1)
}

// RecordDeferredEviction counts a passivation that failed and left the
// instance resident.
func (m *Monitor) RecordDeferredEviction() {
	m.deferred.Add(1)
}

// SetOwned stores the number of sessions this node owns.
func (m *Monitor) SetOwned(n int) {
	m.owned.Store(int64(n))
}

// AddOwned adjusts the owned session count.
func (m *Monitor) AddOwned(delta int) {
	m.owned.Add(int64(delta))
}

// ObserveStore records the latency of a checkpoint store operation.
func (m *Monitor) ObserveStore(op string, d time.Duration) {
	if m.storeLatency == nil || !m.enabled.Load() {
		return
	}
	m.storeLatency.WithLabelValues(op).Observe(d.Seconds())
}

// Stats returns a snapshot. It takes no locks and has no side effects.
func (m *Monitor) Stats() domain.StoreStats {
	return domain.StoreStats{
		CurrentSize:       m.size.Load(),
		HitCount:          m.hits.Load(),
		MissCount:         m.misses.Load(),
		EvictionCount:     m.evictions.Load(),
		MonitoringEnabled: m.enabled.Load(),
		Activations:       m.activations.Load(),
		Passivations:      m.passivations.Load(),
		Checkpoints:       m.checkpoints.Load(),
		DeferredEvictions: m.deferred.Load(),
		HighWaterMarks:    m.highWaterMarks.Load(),
		OwnedSessions:     m.owned.Load(),
	}
}
