package lifecycle

import (
	"log/slog"
	"time"

	"github.com/aretw0/keel/pkg/affinity"
	"github.com/aretw0/keel/pkg/observability"
	"github.com/aretw0/keel/pkg/ports"
)

// CheckpointPolicy decides when dirty instances are written to the store.
type CheckpointPolicy string

const (
	// CheckpointEveryCall saves on every release of a dirty instance.
	CheckpointEveryCall CheckpointPolicy = "EVERY_CALL"

	// CheckpointOnPassivateOnly saves only on passivation and explicit checkpoints.
	CheckpointOnPassivateOnly CheckpointPolicy = "ON_PASSIVATE_ONLY"
)

// RetryPolicy bounds retries of store I/O.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries three times starting at 50ms.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     time.Second,
}

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithLogger configures a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithCapacity sets the soft capacity of the instance cache. Default 1000.
func WithCapacity(n int) Option {
	return func(c *Coordinator) {
		c.capacity = n
	}
}

// WithPolicy sets the checkpoint policy. Default CheckpointEveryCall.
func WithPolicy(p CheckpointPolicy) Option {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// WithIdleTimeout passivates instances unused for d on each sweep. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.idleTimeout = d
	}
}

// WithSweepInterval sets how often Run sweeps. Default is half the idle timeout.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.sweepInterval = d
	}
}

// WithCheckpointTimeout bounds every single store call. Default 5s.
func WithCheckpointTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.checkpointTimeout = d
	}
}

// WithCheckpointTTL purges checkpoints older than d on each sweep, when the
// store supports it.
func WithCheckpointTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		c.checkpointTTL = d
	}
}

// WithRetry overrides DefaultRetryPolicy.
func WithRetry(p RetryPolicy) Option {
	return func(c *Coordinator) {
		c.retry = p
	}
}

// WithMembership sets the cluster view. The local node ID is taken from it.
func WithMembership(m ports.Membership) Option {
	return func(c *Coordinator) {
		c.membership = m
	}
}

// WithDirectory shares an affinity directory, e.g. between in-process nodes.
func WithDirectory(d *affinity.Directory) Option {
	return func(c *Coordinator) {
		c.directory = d
	}
}

// WithMonitor shares a monitor, e.g. with a Prometheus collector.
func WithMonitor(m *observability.Monitor) Option {
	return func(c *Coordinator) {
		c.monitor = m
	}
}

// WithLocker serializes activations across nodes sharing a checkpoint store.
func WithLocker(locker ports.DistributedLocker, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.locker = locker
		c.lockTTL = ttl
	}
}

// WithLease holds an ownership lease on every resident session, so nodes
// sharing a checkpoint store never run two live instances of one session.
// Run renews the leases every ttl/3.
func WithLease(lease ports.OwnershipLease, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.lease = lease
		if ttl > 0 {
			c.leaseTTL = ttl
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}
