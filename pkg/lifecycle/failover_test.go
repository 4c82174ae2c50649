package lifecycle_test

import (
	"context"
	"testing"

	"github.com/aretw0/keel/pkg/adapters/memory"
	"github.com/aretw0/keel/pkg/affinity"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/lifecycle"
	"github.com/aretw0/keel/pkg/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nodeView gives each in-process node its own identity over a shared liveness view.
type nodeView struct {
	local domain.NodeID
	*affinity.StaticMembership
}

func (v nodeView) LocalNode() domain.NodeID { return v.local }

type testCluster struct {
	view      *affinity.StaticMembership
	directory *affinity.Directory
	transport *replication.InProcessTransport
	nodes     map[domain.NodeID]*lifecycle.Coordinator
	stores    map[domain.NodeID]*replication.Store
}

func newTestCluster(t *testing.T, policy lifecycle.CheckpointPolicy, ids ...domain.NodeID) *testCluster {
	t.Helper()
	view := affinity.NewStaticMembership(ids[0], ids[1:]...)
	tc := &testCluster{
		view:      view,
		directory: affinity.NewDirectory(view, affinity.WithReplicas(1)),
		transport: replication.NewInProcessTransport(),
		nodes:     map[domain.NodeID]*lifecycle.Coordinator{},
		stores:    map[domain.NodeID]*replication.Store{},
	}
	for _, id := range ids {
		store := replication.NewStore(memory.NewStore(), tc.transport, tc.directory.Backups)
		tc.transport.Register(id, store)
		tc.stores[id] = store
		tc.nodes[id] = newCoordinator(t, store,
			lifecycle.WithMembership(nodeView{local: id, StaticMembership: view}),
			lifecycle.WithDirectory(tc.directory),
			lifecycle.WithPolicy(policy),
		)
	}
	return tc
}

func (tc *testCluster) kill(id domain.NodeID) {
	tc.transport.Unregister(id)
	tc.view.MarkDown(id)
}

func TestFailover_BackupTakesOver(t *testing.T) {
	tc := newTestCluster(t, lifecycle.CheckpointEveryCall, "a", "b", "c")
	ctx := context.Background()

	key := createReleased(t, tc.nodes["a"], 21)
	entry, ok := tc.directory.Lookup(key)
	require.True(t, ok)
	require.Equal(t, domain.NodeID("a"), entry.Owner)
	require.Len(t, entry.Backups, 1)
	backup := entry.Backups[0]

	// The owner is alive, so other nodes must not activate the session.
	_, err := tc.nodes[backup].Acquire(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	tc.kill("a")
	require.NoError(t, tc.nodes[backup].HandleNodeDown(ctx, "a"))

	entry, _ = tc.directory.Lookup(key)
	assert.Equal(t, backup, entry.Owner)
	assert.NotContains(t, entry.Backups, domain.NodeID("a"))

	rec, err := tc.stores[backup].Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version, "the backup holds the last saved version")

	assert.Equal(t, 21, counterOf(t, tc.nodes[backup], key))
	assert.Equal(t, int64(1), tc.nodes[backup].Stats().OwnedSessions)
}

func TestFailover_NonBackupIgnoresSession(t *testing.T) {
	tc := newTestCluster(t, lifecycle.CheckpointEveryCall, "a", "b", "c")
	ctx := context.Background()

	key := createReleased(t, tc.nodes["a"], 1)
	entry, _ := tc.directory.Lookup(key)
	var bystander domain.NodeID
	for _, id := range []domain.NodeID{"b", "c"} {
		if !entry.HasBackup(id) {
			bystander = id
		}
	}

	tc.kill("a")
	require.NoError(t, tc.nodes[bystander].HandleNodeDown(ctx, "a"))

	entry, _ = tc.directory.Lookup(key)
	assert.Equal(t, domain.NodeID("a"), entry.Owner)
	assert.Empty(t, tc.nodes[bystander].Resident())
}

func TestFailover_UncheckpointedSessionIsReportedLost(t *testing.T) {
	tc := newTestCluster(t, lifecycle.CheckpointOnPassivateOnly, "a", "b")
	ctx := context.Background()

	key := createReleased(t, tc.nodes["a"], 1)

	tc.kill("a")
	err := tc.nodes["b"].HandleNodeDown(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrSessionLost)
	assert.NotErrorIs(t, err, domain.ErrBackendUnavailable)

	_, err = tc.nodes["b"].Acquire(ctx, key)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound, "later access reads as an ordinary missing session")
}

func TestFailover_IsIdempotent(t *testing.T) {
	tc := newTestCluster(t, lifecycle.CheckpointEveryCall, "a", "b")
	ctx := context.Background()

	key := createReleased(t, tc.nodes["a"], 5)
	tc.kill("a")

	require.NoError(t, tc.nodes["b"].HandleNodeDown(ctx, "a"))
	require.NoError(t, tc.nodes["b"].HandleNodeDown(ctx, "a"))
	require.NoError(t, tc.nodes["b"].HandleNodeDown(ctx, "b"), "a node never fails over to itself")

	assert.Equal(t, []domain.SessionKey{key}, tc.nodes["b"].Resident())
	assert.Equal(t, int64(1), tc.nodes["b"].Stats().OwnedSessions)
}
