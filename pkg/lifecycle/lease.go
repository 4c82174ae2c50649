package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/aretw0/keel/pkg/domain"
)

func leaseKey(key domain.SessionKey) string {
	return "session:" + key.String()
}

// claim takes the ownership lease of key for this node. It fails with
// domain.ErrNotOwner while another node holds the live instance.
func (c *Coordinator) claim(ctx context.Context, key domain.SessionKey) error {
	if c.lease == nil {
		return nil
	}
	var holder domain.NodeID
	err := c.storeCall(ctx, "claim", func(ctx context.Context) error {
		var err error
		holder, err = c.lease.Claim(ctx, leaseKey(key), c.node, c.leaseTTL)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to claim session %s: %w", key, err)
	}
	if holder != c.node {
		return fmt.Errorf("%w: session %s is held by %s", domain.ErrNotOwner, key, holder)
	}
	return nil
}

// unclaim releases the ownership lease of key. A failure only delays other
// nodes until the lease expires.
func (c *Coordinator) unclaim(ctx context.Context, key domain.SessionKey) {
	if c.lease == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.checkpointTimeout)
	defer cancel()
	if err := c.lease.Release(cctx, leaseKey(key), c.node); err != nil {
		c.logger.Warn("failed to release session lease (will expire via TTL)", "session", key, "err", err)
	}
}

// RenewLeases extends the ownership lease of every resident session. A lease
// found in another node's hands means the instance here is no longer the live
// one; it is reported with domain.ErrOwnershipLost.
func (c *Coordinator) RenewLeases(ctx context.Context) error {
	if c.lease == nil {
		return nil
	}
	var errs []error
	for _, key := range c.cache.Keys() {
		err := c.claim(ctx, key)
		if errors.Is(err, domain.ErrNotOwner) {
			c.logger.Error("session lease lost", "session", key, "err", err)
			err = fmt.Errorf("%w: %v", domain.ErrOwnershipLost, err)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		// Passivated meanwhile; its release may have run before this claim.
		if _, ok := c.cache.Peek(key); !ok {
			c.unclaim(ctx, key)
		}
	}
	return errors.Join(errs...)
}
