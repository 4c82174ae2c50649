package affinity_test

import (
	"sync/atomic"
	"testing"

	"github.com/aretw0/keel/pkg/affinity"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/sessionkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory_AssignPicksBackupsExcludingOwner(t *testing.T) {
	m := affinity.NewStaticMembership("a", "b", "c", "d")
	d := affinity.NewDirectory(m, affinity.WithReplicas(2))
	key := sessionkey.MustMint()

	e := d.Assign(key, "a")
	assert.Equal(t, domain.NodeID("a"), e.Owner)
	require.Len(t, e.Backups, 2)
	assert.NotContains(t, e.Backups, domain.NodeID("a"))
	assert.NotEqual(t, e.Backups[0], e.Backups[1])

	got, ok := d.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, e.Backups, got.Backups)
	assert.Equal(t, e.Backups, d.Backups(key))
}

func TestDirectory_ChooseBackupsIsDeterministic(t *testing.T) {
	m := affinity.NewStaticMembership("a", "b", "c", "d", "e")
	d1 := affinity.NewDirectory(m, affinity.WithReplicas(2))
	d2 := affinity.NewDirectory(affinity.NewStaticMembership("e", "d", "c", "b", "a"), affinity.WithReplicas(2))

	for range 50 {
		key := sessionkey.MustMint()
		assert.Equal(t, d1.ChooseBackups(key, "a"), d2.ChooseBackups(key, "a"))
	}
}

func TestDirectory_ChooseBackupsSkipsDeadNodes(t *testing.T) {
	m := affinity.NewStaticMembership("a", "b", "c")
	d := affinity.NewDirectory(m, affinity.WithReplicas(3))
	m.MarkDown("b")

	backups := d.ChooseBackups(sessionkey.MustMint(), "a")
	assert.Equal(t, []domain.NodeID{"c"}, backups)
}

func TestDirectory_NoPeers(t *testing.T) {
	d := affinity.NewDirectory(affinity.NewStaticMembership("solo"))
	e := d.Assign(sessionkey.MustMint(), "solo")
	assert.Empty(t, e.Backups)
}

func TestDirectory_Promote(t *testing.T) {
	m := affinity.NewStaticMembership("a", "b", "c")
	d := affinity.NewDirectory(m)
	key := sessionkey.MustMint()
	d.Assign(key, "a")

	m.MarkDown("a")
	e, ok := d.Promote(key, "a", "b")
	require.True(t, ok)
	assert.Equal(t, domain.NodeID("b"), e.Owner)
	assert.Equal(t, []domain.NodeID{"c"}, e.Backups)

	_, ok = d.Promote(key, "a", "c")
	assert.False(t, ok, "second promotion from the old owner loses")

	_, ok = d.Promote(sessionkey.MustMint(), "a", "b")
	assert.False(t, ok)
}

func TestDirectory_OwnedByAndRemove(t *testing.T) {
	d := affinity.NewDirectory(affinity.NewStaticMembership("a", "b"))
	k1, k2, k3 := sessionkey.MustMint(), sessionkey.MustMint(), sessionkey.MustMint()
	d.Assign(k1, "a")
	d.Assign(k2, "a")
	d.Assign(k3, "b")

	assert.Len(t, d.OwnedBy("a"), 2)
	assert.Len(t, d.OwnedBy("b"), 1)

	d.Remove(k1)
	d.Remove(k1)
	assert.Len(t, d.OwnedBy("a"), 1)
	assert.Equal(t, 2, d.Len())
	_, ok := d.Lookup(k1)
	assert.False(t, ok)
}

func TestStaticMembership_NodeDownListeners(t *testing.T) {
	m := affinity.NewStaticMembership("a", "b")
	var calls atomic.Int32
	var last atomic.Value
	m.OnNodeDown(func(n domain.NodeID) {
		calls.Add(1)
		last.Store(n)
	})

	m.MarkDown("b")
	m.MarkDown("b")
	m.MarkDown("unknown")

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, domain.NodeID("b"), last.Load())
	assert.False(t, m.IsAlive("b"))
	assert.Equal(t, []domain.NodeID{"a"}, m.Members())

	m.MarkUp("b")
	assert.True(t, m.IsAlive("b"))
	m.MarkUp("c")
	assert.Len(t, m.Members(), 3)
}

func TestDirectory_ReplicasCoverEveryPeer(t *testing.T) {
	m := affinity.NewStaticMembership("a", "b", "c")
	d := affinity.NewDirectory(m, affinity.WithReplicas(2))

	firsts := map[domain.NodeID]int{}
	for range 200 {
		e := d.Assign(sessionkey.MustMint(), "a")
		require.Len(t, e.Backups, 2)
		assert.ElementsMatch(t, []domain.NodeID{"b", "c"}, e.Backups)
		firsts[e.Backups[0]]++
	}
	// The preferred backup depends on the key, so load spreads over peers.
	assert.Positive(t, firsts["b"])
	assert.Positive(t, firsts["c"])
}

func TestDirectory_SinglePeerBackup(t *testing.T) {
	d := affinity.NewDirectory(affinity.NewStaticMembership("a", "b"))

	e := d.Assign(sessionkey.MustMint(), "a")
	assert.Equal(t, []domain.NodeID{"b"}, e.Backups)
}
