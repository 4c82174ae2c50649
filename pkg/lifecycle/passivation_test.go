package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/keel/pkg/adapters/memory"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_FailedPassivationDefersEviction(t *testing.T) {
	store := newFlakyStore()
	c := newCoordinator(t, store, lifecycle.WithCapacity(1), lifecycle.WithPolicy(lifecycle.CheckpointOnPassivateOnly))
	ctx := context.Background()

	k1 := createReleased(t, c, 7)
	store.failing.Store(true)
	k2 := createReleased(t, c, 8)

	assert.ElementsMatch(t, []domain.SessionKey{k1, k2}, c.Resident(), "state is never dropped")
	assert.Equal(t, int64(1), c.Stats().DeferredEvictions)

	store.failing.Store(false)
	createReleased(t, c, 9)

	assert.Len(t, c.Resident(), 1, "pressure passivation catches up once the store recovers")
	assert.Equal(t, 7, counterOf(t, c, k1))
	_, err := store.Store.Load(ctx, k2)
	assert.NoError(t, err)
}

func TestCoordinator_RetriesTransientLoadFailures(t *testing.T) {
	store := newFlakyStore()
	c := newCoordinator(t, store, lifecycle.WithRetry(lifecycle.RetryPolicy{MaxRetries: 5, InitialInterval: 10 * time.Millisecond}))
	ctx := context.Background()

	key := createReleased(t, c, 12)
	// Push the instance out so the next access has to load it.
	require.NoError(t, c.Shutdown(ctx))
	store.failing.Store(true)
	go func() {
		time.Sleep(25 * time.Millisecond)
		store.failing.Store(false)
	}()

	assert.Equal(t, 12, counterOf(t, c, key))
	assert.Greater(t, store.loads.Load(), int32(1))
}

func TestCoordinator_LoadGivesUpAfterRetries(t *testing.T) {
	store := newFlakyStore()
	c := newCoordinator(t, store)
	ctx := context.Background()

	key := createReleased(t, c, 1)
	require.NoError(t, c.Shutdown(ctx))
	store.failing.Store(true)

	_, err := c.Acquire(ctx, key)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Equal(t, int32(fastRetry.MaxRetries+1), store.loads.Load())
}

func TestCoordinator_ReleaseSaveFailureKeepsDirty(t *testing.T) {
	store := newFlakyStore()
	c := newCoordinator(t, store)
	ctx := context.Background()

	key := createReleased(t, c, 1)
	store.failing.Store(true)
	err := c.Dispatch(ctx, key, func(_ context.Context, h *lifecycle.Handle) error {
		h.SetInstance(&counter{N: 2})
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	store.failing.Store(false)
	require.NoError(t, c.CheckpointNow(ctx, key))
	rec, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)
	assert.JSONEq(t, `{"n":2}`, string(rec.State))
}

func TestCoordinator_SweepIdle(t *testing.T) {
	clock := newClock()
	store := memory.NewStore()
	c := newCoordinator(t, store,
		lifecycle.WithClock(clock.Now),
		lifecycle.WithIdleTimeout(time.Minute),
		lifecycle.WithPolicy(lifecycle.CheckpointOnPassivateOnly),
	)
	ctx := context.Background()

	old := createReleased(t, c, 1)
	clock.Advance(45 * time.Second)
	fresh := createReleased(t, c, 2)
	clock.Advance(30 * time.Second)

	n, err := c.SweepIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []domain.SessionKey{fresh}, c.Resident())

	rec, err := store.Load(ctx, old)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(rec.State))
}

func TestCoordinator_SweepRemovesExpiredCheckpoints(t *testing.T) {
	store := memory.NewStore()
	c := newCoordinator(t, store, lifecycle.WithCheckpointTTL(time.Hour))
	ctx := context.Background()

	stale := &domain.CheckpointRecord{Key: [16]byte{1}, Version: 1, StoredAt: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, store.Save(ctx, stale))
	live := createReleased(t, c, 1)

	_, err := c.SweepIdle(ctx)
	require.NoError(t, err)

	_, err = store.Load(ctx, stale.Key)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = store.Load(ctx, live)
	assert.NoError(t, err)
}

func TestCoordinator_ShutdownPassivatesEverything(t *testing.T) {
	store := memory.NewStore()
	c := newCoordinator(t, store, lifecycle.WithPolicy(lifecycle.CheckpointOnPassivateOnly))
	ctx := context.Background()

	keys := []domain.SessionKey{createReleased(t, c, 1), createReleased(t, c, 2), createReleased(t, c, 3)}
	require.NoError(t, c.Shutdown(ctx))

	assert.Empty(t, c.Resident())
	for _, k := range keys {
		_, err := store.Load(ctx, k)
		assert.NoError(t, err)
	}
}

func TestCoordinator_RunStopsOnCancel(t *testing.T) {
	c := newCoordinator(t, memory.NewStore(), lifecycle.WithIdleTimeout(time.Millisecond), lifecycle.WithSweepInterval(time.Millisecond))
	createReleased(t, c, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(c.Resident()) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
