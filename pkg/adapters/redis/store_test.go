package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/keel/pkg/adapters/redis"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/ports"
	"github.com/aretw0/keel/pkg/sessionkey"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := newClient(t)

	store := redis.NewFromClient(client)
	ports.RunCheckpointStoreContract(t, store)
}

func TestRedisStore_TTL_Expiration(t *testing.T) {
	mr, client := newClient(t)

	store := redis.NewFromClient(client, redis.WithTTL(1*time.Second))
	ctx := context.Background()
	key := sessionkey.MustMint()

	err := store.Save(ctx, &domain.CheckpointRecord{Key: key, Version: 1, State: []byte("x"), StoredAt: time.Now()})
	require.NoError(t, err)

	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, key)

	// Fast Forward time in miniredis (for Key Expiration)
	mr.FastForward(2 * time.Second)

	_, err = store.Load(ctx, key)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	// The index prune relies on time.Now(), so wait until the score is in the past.
	time.Sleep(1200 * time.Millisecond)

	keys, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	size, err := store.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestRedisStore_Prefix(t *testing.T) {
	mr, client := newClient(t)

	store := redis.NewFromClient(client, redis.WithPrefix("custom:app:"))
	ctx := context.Background()
	key := sessionkey.MustMint()

	err := store.Save(ctx, &domain.CheckpointRecord{Key: key, Version: 1, StoredAt: time.Now()})
	assert.NoError(t, err)

	assert.True(t, mr.Exists("custom:app:"+key.String()), "Expected key with custom prefix to exist")
	assert.True(t, mr.Exists("custom:app:index"), "Expected index with custom prefix to exist")
}

// Two nodes sharing one Redis see each other's records.
func TestRedisStore_SizeIsClusterWide(t *testing.T) {
	mr, client := newClient(t)
	other := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	defer other.Close()

	nodeA := redis.NewFromClient(client)
	nodeB := redis.NewFromClient(other)
	ctx := context.Background()

	require.NoError(t, nodeA.Save(ctx, &domain.CheckpointRecord{Key: sessionkey.MustMint(), Version: 1, OwnerNodeID: "a"}))
	require.NoError(t, nodeB.Save(ctx, &domain.CheckpointRecord{Key: sessionkey.MustMint(), Version: 1, OwnerNodeID: "b"}))

	size, err := nodeA.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestRedisStore_BackendDown(t *testing.T) {
	mr, client := newClient(t)
	store := redis.NewFromClient(client)
	mr.Close()

	err := store.Save(context.Background(), &domain.CheckpointRecord{Key: sessionkey.MustMint(), Version: 1})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}
