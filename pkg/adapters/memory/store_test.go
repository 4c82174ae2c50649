package memory_test

import (
	"context"
	"testing"

	"github.com/aretw0/keel/pkg/adapters/memory"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/ports"
	"github.com/aretw0/keel/pkg/sessionkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	store := memory.NewStore()
	ports.RunCheckpointStoreContract(t, store)
}

func TestMemoryStore_Isolation(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	key := sessionkey.MustMint()

	rec := &domain.CheckpointRecord{Key: key, Version: 1, State: []byte("abc")}
	require.NoError(t, store.Save(ctx, rec))
	rec.State[0] = 'X'

	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), loaded.State)

	loaded.State[0] = 'Y'
	again, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.State)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := memory.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Save(ctx, &domain.CheckpointRecord{Key: sessionkey.MustMint(), Version: 1})
	assert.ErrorIs(t, err, context.Canceled)
}
