package lifecycle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/keel/pkg/adapters/memory"
	"github.com/aretw0/keel/pkg/affinity"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/lifecycle"
	"github.com/aretw0/keel/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapLease is an in-memory ports.OwnershipLease shared by in-process nodes.
type mapLease struct {
	mu      sync.Mutex
	holders map[string]domain.NodeID
}

func newMapLease() *mapLease {
	return &mapLease{holders: map[string]domain.NodeID{}}
}

func (l *mapLease) Claim(_ context.Context, key string, node domain.NodeID, _ time.Duration) (domain.NodeID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.holders[key]; ok {
		return cur, nil
	}
	l.holders[key] = node
	return node, nil
}

func (l *mapLease) Release(_ context.Context, key string, node domain.NodeID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[key] == node {
		delete(l.holders, key)
	}
	return nil
}

func (l *mapLease) steal(key domain.SessionKey, node domain.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holders["session:"+key.String()] = node
}

var _ ports.OwnershipLease = (*mapLease)(nil)

// sharedNode builds a coordinator with its own cluster view over a store
// other nodes also write to.
func sharedNode(t *testing.T, id domain.NodeID, store ports.CheckpointStore, opts ...lifecycle.Option) *lifecycle.Coordinator {
	t.Helper()
	opts = append([]lifecycle.Option{lifecycle.WithMembership(affinity.NewStaticMembership(id))}, opts...)
	return newCoordinator(t, store, opts...)
}

func TestLease_SecondNodeCannotActivateLiveSession(t *testing.T) {
	store, lease := memory.NewStore(), newMapLease()
	a := sharedNode(t, "a", store, lifecycle.WithLease(lease, time.Minute))
	b := sharedNode(t, "b", store, lifecycle.WithLease(lease, time.Minute))
	ctx := context.Background()

	key := createReleased(t, a, 7)

	_, err := b.Acquire(ctx, key)
	require.ErrorIs(t, err, domain.ErrNotOwner)
	assert.Empty(t, b.Resident(), "a refused activation leaves nothing behind")
	require.ErrorIs(t, b.Remove(ctx, key), domain.ErrNotOwner)

	require.NoError(t, a.Dispatch(ctx, key, func(_ context.Context, h *lifecycle.Handle) error {
		h.Instance().(*counter).N = 8
		h.MarkDirty()
		return nil
	}))
	require.NoError(t, a.Shutdown(ctx))

	assert.Equal(t, 8, counterOf(t, b, key), "the lease moves once the owner passivates")
	_, err = a.Acquire(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotOwner)
}

func TestLease_RemoveReleasesLease(t *testing.T) {
	store, lease := memory.NewStore(), newMapLease()
	a := sharedNode(t, "a", store, lifecycle.WithLease(lease, time.Minute))
	b := sharedNode(t, "b", store, lifecycle.WithLease(lease, time.Minute))
	ctx := context.Background()

	key := createReleased(t, a, 1)
	require.NoError(t, a.Remove(ctx, key))
	assert.Empty(t, lease.holders)

	_, err := b.Acquire(ctx, key)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Empty(t, lease.holders, "a failed activation gives the lease back")
}

func TestLease_RenewDetectsLostOwnership(t *testing.T) {
	store, lease := memory.NewStore(), newMapLease()
	a := sharedNode(t, "a", store, lifecycle.WithLease(lease, time.Minute))
	ctx := context.Background()

	key := createReleased(t, a, 1)
	require.NoError(t, a.RenewLeases(ctx))

	lease.steal(key, "b")
	assert.ErrorIs(t, a.RenewLeases(ctx), domain.ErrOwnershipLost)
}

func TestCoordinator_StaleLiveSaveIsReported(t *testing.T) {
	// Without a lease both nodes can hold the session; the loser must hear about it.
	store := memory.NewStore()
	a := sharedNode(t, "a", store)
	b := sharedNode(t, "b", store)
	ctx := context.Background()

	key := createReleased(t, a, 1)
	require.NoError(t, b.Dispatch(ctx, key, func(_ context.Context, h *lifecycle.Handle) error {
		h.Instance().(*counter).N = 20
		h.MarkDirty()
		return nil
	}))

	err := a.Dispatch(ctx, key, func(_ context.Context, h *lifecycle.Handle) error {
		h.Instance().(*counter).N = 10
		h.MarkDirty()
		return nil
	})
	require.ErrorIs(t, err, domain.ErrOwnershipLost)

	rec, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)

	// The rejected state is still dirty and now sits on top of the stored version.
	require.NoError(t, a.CheckpointNow(ctx, key))
	rec, err = store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.Version)
	assert.Equal(t, domain.NodeID("a"), rec.OwnerNodeID)
}

func TestCoordinator_StatusDuringCheckpoints(t *testing.T) {
	c := newCoordinator(t, memory.NewStore())
	ctx := context.Background()
	key := createReleased(t, c, 0)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				_, _ = c.Status(ctx, key)
			}
		}
	}()

	for range 200 {
		err := c.Dispatch(ctx, key, func(_ context.Context, h *lifecycle.Handle) error {
			h.Instance().(*counter).N++
			h.MarkDirty()
			return nil
		})
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()

	assert.Equal(t, 200, counterOf(t, c, key))
}
