package lifecycle_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/keel/pkg/adapters/memory"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/lifecycle"
	"github.com/aretw0/keel/pkg/ports"
	"github.com/stretchr/testify/require"
)

type counter struct {
	N int `json:"n"`
}

var counterCodec = lifecycle.JSONCodec[counter]{}

var fastRetry = lifecycle.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore fails every call with ErrBackendUnavailable while failing is set.
type flakyStore struct {
	*memory.Store
	failing atomic.Bool
	loads   atomic.Int32
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Store: memory.NewStore()}
}

func (s *flakyStore) Save(ctx context.Context, r *domain.CheckpointRecord) error {
	if s.failing.Load() {
		return domain.ErrBackendUnavailable
	}
	return s.Store.Save(ctx, r)
}

func (s *flakyStore) Load(ctx context.Context, k domain.SessionKey) (*domain.CheckpointRecord, error) {
	s.loads.Add(1)
	if s.failing.Load() {
		return nil, domain.ErrBackendUnavailable
	}
	return s.Store.Load(ctx, k)
}

// gatedStore blocks Load until gate is closed.
type gatedStore struct {
	*memory.Store
	gate    chan struct{}
	entered chan struct{}
	loads   atomic.Int32
}

func (s *gatedStore) Load(ctx context.Context, k domain.SessionKey) (*domain.CheckpointRecord, error) {
	if s.loads.Add(1) == 1 {
		close(s.entered)
	}
	select {
	case <-s.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Store.Load(ctx, k)
}

func newCoordinator(t *testing.T, store ports.CheckpointStore, opts ...lifecycle.Option) *lifecycle.Coordinator {
	t.Helper()
	opts = append([]lifecycle.Option{lifecycle.WithRetry(fastRetry)}, opts...)
	c, err := lifecycle.New(store, counterCodec, opts...)
	require.NoError(t, err)
	return c
}

// createReleased creates a session holding n and releases it.
func createReleased(t *testing.T, c *lifecycle.Coordinator, n int) domain.SessionKey {
	t.Helper()
	ctx := context.Background()
	h, err := c.Create(ctx)
	require.NoError(t, err)
	h.Instance().(*counter).N = n
	h.MarkDirty()
	require.NoError(t, c.Release(ctx, h))
	return h.Key
}

func counterOf(t *testing.T, c *lifecycle.Coordinator, key domain.SessionKey) int {
	t.Helper()
	var n int
	err := c.Dispatch(context.Background(), key, func(_ context.Context, h *lifecycle.Handle) error {
		n = h.Instance().(*counter).N
		return nil
	})
	require.NoError(t, err)
	return n
}
