package sql_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/keel/pkg/adapters/sql"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/ports"
	"github.com/aretw0/keel/pkg/sessionkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryStore(t *testing.T) *sql.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := sql.New(&sql.Config{
		Type:   sql.DatabaseTypeSQLite,
		SQLite: sql.SQLiteConfig{Path: fmt.Sprintf("file:%s?mode=memory&cache=shared", name)},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStore_Contract(t *testing.T) {
	ports.RunCheckpointStoreContract(t, newMemoryStore(t))
}

func TestSQLStore_FileBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ckpt.db")
	ctx := context.Background()
	key := sessionkey.MustMint()

	store, err := sql.New(&sql.Config{SQLite: sql.SQLiteConfig{Path: path}})
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, &domain.CheckpointRecord{Key: key, Version: 7, State: []byte("durable"), StoredAt: time.Now()}))
	require.NoError(t, store.Close())

	reopened, err := sql.New(&sql.Config{SQLite: sql.SQLiteConfig{Path: path}})
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), loaded.Version)
	assert.Equal(t, []byte("durable"), loaded.State)
}

func TestSQLStore_PreservesTimestamp(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()
	key := sessionkey.MustMint()
	at := time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC)

	require.NoError(t, store.Save(ctx, &domain.CheckpointRecord{Key: key, Version: 1, StoredAt: at}))
	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.True(t, at.Equal(loaded.StoredAt))
}

func TestConfig_Defaults(t *testing.T) {
	cfg := &sql.Config{Type: sql.DatabaseTypePostgres, Postgres: sql.PostgresConfig{Host: "db", Database: "keel", User: "keel"}}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.Equal(t, "disable", cfg.Postgres.SSLMode)
	assert.Contains(t, cfg.Postgres.DSN(), "dbname=keel")
	assert.Contains(t, cfg.Postgres.DSN(), "sslmode=disable")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  sql.Config
	}{
		{"unknown type", sql.Config{Type: "oracle"}},
		{"postgres without host", sql.Config{Type: sql.DatabaseTypePostgres, Postgres: sql.PostgresConfig{Database: "d", User: "u"}}},
		{"postgres without database", sql.Config{Type: sql.DatabaseTypePostgres, Postgres: sql.PostgresConfig{Host: "h", User: "u"}}},
		{"sqlite without path", sql.Config{Type: sql.DatabaseTypeSQLite}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestSQLStore_OwnershipLease(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()

	holder, err := store.Claim(ctx, "s1", "a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeID("a"), holder)

	holder, err = store.Claim(ctx, "s1", "a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeID("a"), holder, "the holder renews")

	holder, err = store.Claim(ctx, "s1", "b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeID("a"), holder)

	require.NoError(t, store.Release(ctx, "s1", "b"))
	holder, err = store.Claim(ctx, "s1", "b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeID("a"), holder, "only the holder releases")

	require.NoError(t, store.Release(ctx, "s1", "a"))
	holder, err = store.Claim(ctx, "s1", "b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeID("b"), holder)
}

func TestSQLStore_ExpiredLeaseIsFree(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()

	_, err := store.Claim(ctx, "s1", "a", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	holder, err := store.Claim(ctx, "s1", "b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeID("b"), holder)
}
