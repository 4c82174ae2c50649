package ports

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/sessionkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(key domain.SessionKey, version uint64, state string) *domain.CheckpointRecord {
	return &domain.CheckpointRecord{
		Key:         key,
		State:       []byte(state),
		Version:     version,
		StoredAt:    time.Now(),
		OwnerNodeID: "contract-node",
	}
}

// RunCheckpointStoreContract runs a suite of tests to verify that a CheckpointStore
// implementation adheres to the defined interface contract.
// The store must be empty when the suite starts.
func RunCheckpointStoreContract(t *testing.T, store CheckpointStore) {
	ctx := context.Background()

	t.Run("Save and Load", func(t *testing.T) {
		key := sessionkey.MustMint()
		require.NoError(t, store.Save(ctx, newRecord(key, 1, "hello")))

		loaded, err := store.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, key, loaded.Key)
		assert.Equal(t, []byte("hello"), loaded.State)
		assert.Equal(t, uint64(1), loaded.Version)
		assert.Equal(t, domain.NodeID("contract-node"), loaded.OwnerNodeID)
		assert.False(t, loaded.Tombstone)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, sessionkey.MustMint())
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("Newer Version Wins", func(t *testing.T) {
		key := sessionkey.MustMint()
		require.NoError(t, store.Save(ctx, newRecord(key, 1, "v1")))
		require.NoError(t, store.Save(ctx, newRecord(key, 2, "v2")))

		loaded, err := store.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), loaded.State)
		assert.Equal(t, uint64(2), loaded.Version)
	})

	t.Run("Stale Version Rejected", func(t *testing.T) {
		key := sessionkey.MustMint()
		require.NoError(t, store.Save(ctx, newRecord(key, 2, "v2")))

		err := store.Save(ctx, newRecord(key, 1, "v1"))
		assert.ErrorIs(t, err, domain.ErrStaleVersion)
		err = store.Save(ctx, newRecord(key, 2, "v2-again"))
		assert.ErrorIs(t, err, domain.ErrStaleVersion, "equal versions are stale too")

		loaded, err := store.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), loaded.State)
	})

	t.Run("Remove", func(t *testing.T) {
		key := sessionkey.MustMint()
		require.NoError(t, store.Save(ctx, newRecord(key, 3, "doomed")))

		require.NoError(t, store.Remove(ctx, key))
		_, err := store.Load(ctx, key)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)

		require.NoError(t, store.Remove(ctx, key), "second remove is a no-op")
		require.NoError(t, store.Remove(ctx, sessionkey.MustMint()), "removing an unknown key is a no-op")

		err = store.Save(ctx, newRecord(key, 2, "late replica"))
		assert.ErrorIs(t, err, domain.ErrStaleVersion, "tombstone rejects older writes")
		_, err = store.Load(ctx, key)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("Size and List", func(t *testing.T) {
		before, err := store.Size(ctx)
		require.NoError(t, err)

		k1, k2 := sessionkey.MustMint(), sessionkey.MustMint()
		require.NoError(t, store.Save(ctx, newRecord(k1, 1, "a")))
		require.NoError(t, store.Save(ctx, newRecord(k2, 1, "b")))
		require.NoError(t, store.Save(ctx, newRecord(k2, 2, "b2")))

		size, err := store.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, before+2, size)

		keys, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, keys, k1)
		assert.Contains(t, keys, k2)

		require.NoError(t, store.Remove(ctx, k1))
		size, err = store.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, before+1, size, "tombstones are not counted")

		keys, err = store.List(ctx)
		require.NoError(t, err)
		assert.NotContains(t, keys, k1)
	})

	t.Run("Concurrent Writers Converge", func(t *testing.T) {
		key := sessionkey.MustMint()
		const versions = 20

		var wg sync.WaitGroup
		for v := versions; v >= 1; v-- {
			wg.Add(1)
			go func(v uint64) {
				defer wg.Done()
				err := store.Save(ctx, newRecord(key, v, fmt.Sprintf("v%d", v)))
				if err != nil {
					assert.ErrorIs(t, err, domain.ErrStaleVersion)
				}
			}(uint64(v))
		}
		wg.Wait()

		loaded, err := store.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, uint64(versions), loaded.Version)
		assert.Equal(t, []byte(fmt.Sprintf("v%d", versions)), loaded.State)
	})

	t.Run("Distinct Keys In Parallel", func(t *testing.T) {
		keys := make([]domain.SessionKey, 16)
		for i := range keys {
			keys[i] = sessionkey.MustMint()
		}

		var wg sync.WaitGroup
		for _, k := range keys {
			wg.Add(1)
			go func(k domain.SessionKey) {
				defer wg.Done()
				assert.NoError(t, store.Save(ctx, newRecord(k, 1, k.String())))
			}(k)
		}
		wg.Wait()

		for _, k := range keys {
			loaded, err := store.Load(ctx, k)
			require.NoError(t, err)
			assert.Equal(t, []byte(k.String()), loaded.State)
		}
	})

	if exp, ok := store.(Expirer); ok {
		t.Run("RemoveExpired", func(t *testing.T) {
			old := sessionkey.MustMint()
			rec := newRecord(old, 1, "old")
			rec.StoredAt = time.Now().Add(-time.Hour)
			require.NoError(t, store.Save(ctx, rec))

			fresh := sessionkey.MustMint()
			require.NoError(t, store.Save(ctx, newRecord(fresh, 1, "fresh")))

			n, err := exp.RemoveExpired(ctx, 30*time.Minute)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, 1)

			_, err = store.Load(ctx, old)
			assert.ErrorIs(t, err, domain.ErrSessionNotFound)
			_, err = store.Load(ctx, fresh)
			assert.NoError(t, err)
		})
	}
}
