package ports

import (
	"context"
	"time"

	"github.com/aretw0/keel/pkg/domain"
)

// UnlockFunc releases a lock taken by DistributedLocker.Lock.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker serializes activation of a session across nodes that
// share one checkpoint store.
type DistributedLocker interface {
	// Lock blocks until key is held or ctx ends. The lock lapses after ttl
	// if the holder never calls the returned UnlockFunc.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// OwnershipLease names the node holding the live instance of a session for as
// long as it stays resident, across nodes sharing one checkpoint store.
type OwnershipLease interface {
	// Claim takes or renews the lease on key for node. While another node holds
	// an unexpired lease, Claim leaves it untouched and returns that node.
	Claim(ctx context.Context, key string, node domain.NodeID, ttl time.Duration) (holder domain.NodeID, err error)

	// Release drops the lease if node still holds it.
	Release(ctx context.Context, key string, node domain.NodeID) error
}
