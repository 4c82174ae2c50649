package replication_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/keel/pkg/adapters/memory"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/ports"
	"github.com/aretw0/keel/pkg/replication"
	"github.com/aretw0/keel/pkg/sessionkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cluster struct {
	transport *replication.InProcessTransport
	stores    map[domain.NodeID]*replication.Store
}

// newCluster wires one replicated store per node; every node backs up to all others.
func newCluster(nodes ...domain.NodeID) *cluster {
	c := &cluster{
		transport: replication.NewInProcessTransport(),
		stores:    map[domain.NodeID]*replication.Store{},
	}
	for _, n := range nodes {
		self := n
		backups := func(domain.SessionKey) []domain.NodeID {
			var out []domain.NodeID
			for _, other := range nodes {
				if other != self {
					out = append(out, other)
				}
			}
			return out
		}
		s := replication.NewStore(memory.NewStore(), c.transport, backups)
		c.stores[n] = s
		c.transport.Register(n, s)
	}
	return c
}

func record(key domain.SessionKey, v uint64, state string) *domain.CheckpointRecord {
	return &domain.CheckpointRecord{Key: key, Version: v, State: []byte(state), StoredAt: time.Now(), OwnerNodeID: "a"}
}

func TestReplicatedStore_Contract(t *testing.T) {
	store := replication.NewStore(memory.NewStore(), replication.NewInProcessTransport(), nil)
	ports.RunCheckpointStoreContract(t, store)
}

func TestReplicatedStore_SaveReachesBackups(t *testing.T) {
	c := newCluster("a", "b", "c")
	ctx := context.Background()
	key := sessionkey.MustMint()

	require.NoError(t, c.stores["a"].Save(ctx, record(key, 1, "one")))

	for _, n := range []domain.NodeID{"b", "c"} {
		loaded, err := c.stores[n].Load(ctx, key)
		require.NoError(t, err, "node %s", n)
		assert.Equal(t, []byte("one"), loaded.State)
	}

	size, err := c.stores["b"].Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size, "replicas count toward a node's size")

	sent, failed, _ := c.stores["a"].Counters()
	assert.Equal(t, int64(2), sent)
	assert.Zero(t, failed)
}

func TestReplicatedStore_RemovePropagatesTombstone(t *testing.T) {
	c := newCluster("a", "b")
	ctx := context.Background()
	key := sessionkey.MustMint()

	require.NoError(t, c.stores["a"].Save(ctx, record(key, 1, "one")))
	require.NoError(t, c.stores["a"].Remove(ctx, key))

	_, err := c.stores["b"].Load(ctx, key)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	// A delayed replica of the old version must not resurrect the session.
	require.NoError(t, c.stores["b"].Receive(ctx, record(key, 1, "one")))
	_, err = c.stores["b"].Load(ctx, key)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	require.NoError(t, c.stores["a"].Remove(ctx, key), "idempotent")
}

func TestReplicatedStore_StaleReplicaDropped(t *testing.T) {
	c := newCluster("a", "b")
	ctx := context.Background()
	key := sessionkey.MustMint()

	require.NoError(t, c.stores["a"].Save(ctx, record(key, 5, "five")))
	require.NoError(t, c.stores["b"].Receive(ctx, record(key, 3, "three")))

	loaded, err := c.stores["b"].Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), loaded.Version)
}

// flakyStore fails the first failures saves as unavailable.
type flakyStore struct {
	ports.CheckpointStore
	failures atomic.Int32
}

func (f *flakyStore) Save(ctx context.Context, rec *domain.CheckpointRecord) error {
	if f.failures.Add(-1) >= 0 {
		return domain.ErrBackendUnavailable
	}
	return f.CheckpointStore.Save(ctx, rec)
}

func TestReplicatedStore_ReceiveRetriesTransientFailure(t *testing.T) {
	local := &flakyStore{CheckpointStore: memory.NewStore()}
	local.failures.Store(2)
	s := replication.NewStore(local, nil, nil)
	ctx := context.Background()
	key := sessionkey.MustMint()

	require.NoError(t, s.Receive(ctx, record(key, 4, "four")))

	loaded, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), loaded.Version)
}

func TestReplicatedStore_UnreachableBackupDoesNotFailSave(t *testing.T) {
	c := newCluster("a", "b")
	c.transport.Unregister("b")
	ctx := context.Background()
	key := sessionkey.MustMint()

	require.NoError(t, c.stores["a"].Save(ctx, record(key, 1, "one")))

	loaded, err := c.stores["a"].Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loaded.Version)

	_, failed, _ := c.stores["a"].Counters()
	assert.Equal(t, int64(1), failed)
}

func TestInProcessTransport_UnknownNode(t *testing.T) {
	tr := replication.NewInProcessTransport()
	err := tr.Send(context.Background(), "ghost", record(sessionkey.MustMint(), 1, ""))
	assert.ErrorIs(t, err, domain.ErrUnknownNode)
}
