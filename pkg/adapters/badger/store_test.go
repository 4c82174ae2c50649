package badger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aretw0/keel/pkg/adapters/badger"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/ports"
	"github.com/aretw0/keel/pkg/sessionkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore_Contract(t *testing.T) {
	store, err := badger.Open("")
	require.NoError(t, err)
	defer store.Close()

	ports.RunCheckpointStoreContract(t, store)
}

func TestBadgerStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := sessionkey.MustMint()

	store, err := badger.Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, &domain.CheckpointRecord{Key: key, Version: 7, State: []byte("durable")}))
	require.NoError(t, store.Close())

	store, err = badger.Open(dir)
	require.NoError(t, err)
	defer store.Close()

	rec, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), rec.Version)
	assert.Equal(t, []byte("durable"), rec.State)
}

func TestBadgerStore_ConflictingWritersKeepHighestVersion(t *testing.T) {
	store, err := badger.Open("")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	key := sessionkey.MustMint()
	const writers = 64

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []error
	)
	for v := 1; v <= writers; v++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			err := store.Save(ctx, &domain.CheckpointRecord{Key: key, Version: v, State: []byte(fmt.Sprintf("v%d", v))})
			if err != nil && !errors.Is(err, domain.ErrStaleVersion) {
				mu.Lock()
				failed = append(failed, err)
				mu.Unlock()
			}
		}(uint64(v))
	}
	wg.Wait()

	assert.Empty(t, failed, "conflicts must be retried, not surfaced")
	rec, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(writers), rec.Version)
	assert.Equal(t, []byte(fmt.Sprintf("v%d", writers)), rec.State)
}

func TestBadgerStore_SaveHonorsCanceledContext(t *testing.T) {
	store, err := badger.Open("")
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = store.Save(ctx, &domain.CheckpointRecord{Key: sessionkey.MustMint(), Version: 1})
	assert.ErrorIs(t, err, context.Canceled)
}
