package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/ports"
)

// SweepIdle passivates instances unused for longer than the idle timeout and,
// when a checkpoint TTL is set, purges expired checkpoints from the store.
// It returns the number of instances passivated.
func (c *Coordinator) SweepIdle(ctx context.Context) (int, error) {
	var (
		n    int
		errs []error
	)
	if c.idleTimeout > 0 {
		idle := c.cache.Idle(c.now().Add(-c.idleTimeout))
		var err error
		n, err = c.passivate(ctx, idle)
		if err != nil {
			errs = append(errs, err)
		}
		if n > 0 {
			c.logger.Debug("idle sessions passivated", "count", n)
		}
	}

	if c.checkpointTTL > 0 {
		if exp, ok := c.store.(ports.Expirer); ok {
			removed, err := exp.RemoveExpired(ctx, c.checkpointTTL)
			if err != nil {
				errs = append(errs, fmt.Errorf("remove expired checkpoints: %w", err))
			} else if removed > 0 {
				c.logger.Info("expired checkpoints removed", "count", removed)
			}
		}
	}
	return n, errors.Join(errs...)
}

// Run sweeps periodically, and renews ownership leases when a lease is
// configured, until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	var renew <-chan time.Time
	if c.lease != nil {
		lt := time.NewTicker(max(c.leaseTTL/3, 10*time.Millisecond))
		defer lt.Stop()
		renew = lt.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.SweepIdle(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("sweep failed", "err", err)
			}
		case <-renew:
			if err := c.RenewLeases(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("lease renewal failed", "err", err)
			}
		}
	}
}

// Shutdown passivates every unpinned instance. Instances pinned by in-flight
// calls are left alone and reported.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	all := c.cache.Drain()
	_, err := c.passivate(ctx, all)
	if left := c.cache.Len(); left > 0 {
		c.logger.Warn("instances still resident after shutdown", "count", left)
	}
	return err
}

// HandleNodeDown takes over the sessions of a failed node that list this node
// as a backup, resuming each from its latest checkpoint. Concurrent calls for
// the same node share one takeover. Sessions that cannot be resumed are
// reported with domain.ErrSessionLost.
func (c *Coordinator) HandleNodeDown(ctx context.Context, failed domain.NodeID) error {
	if failed == c.node {
		return nil
	}
	_, err, _ := c.failover.Do(string(failed), func() (any, error) {
		return nil, c.takeOver(ctx, failed)
	})
	return err
}

func (c *Coordinator) takeOver(ctx context.Context, failed domain.NodeID) error {
	var (
		errs     []error
		resumed  int
		promoted int
	)
	for _, entry := range c.directory.OwnedBy(failed) {
		if !entry.HasBackup(c.node) {
			continue
		}
		if _, ok := c.directory.Promote(entry.Key, failed, c.node); !ok {
			continue
		}
		promoted++
		c.monitor.AddOwned(1)

		h, err := c.activate(ctx, entry.Key)
		if errors.Is(err, domain.ErrConcurrentAccess) {
			// Already resident or being activated by a caller.
			continue
		}
		if err != nil {
			c.logger.Error("session lost in failover", "session", entry.Key, "node", failed, "err", err)
			errs = append(errs, fmt.Errorf("%w: %s from %s: %v", domain.ErrSessionLost, entry.Key, failed, err))
			continue
		}
		_ = c.cache.Release(h.Key, false)
		resumed++
	}

	if promoted > 0 {
		c.logger.Info("failover complete", "node", failed, "promoted", promoted, "resumed", resumed, "lost", len(errs))
	}
	return errors.Join(errs...)
}
