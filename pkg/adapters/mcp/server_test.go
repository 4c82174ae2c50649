package mcp

import (
	"context"
	"testing"

	"github.com/aretw0/keel/pkg/adapters/memory"
	"github.com/aretw0/keel/pkg/affinity"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/lifecycle"
	"github.com/aretw0/keel/pkg/sessionkey"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type note struct {
	Text string `json:"text"`
}

func newTestServer(t *testing.T) (*Server, *lifecycle.Coordinator) {
	t.Helper()
	coord, err := lifecycle.New(memory.NewStore(), lifecycle.JSONCodec[note]{},
		lifecycle.WithMembership(affinity.NewStaticMembership("a", "b")),
		lifecycle.WithPolicy(lifecycle.CheckpointOnPassivateOnly),
	)
	require.NoError(t, err)
	return NewServer(coord, coord.Directory()), coord
}

func createSession(t *testing.T, coord *lifecycle.Coordinator) domain.SessionKey {
	t.Helper()
	ctx := context.Background()
	h, err := coord.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, coord.Release(ctx, h))
	return h.Key
}

func TestServer_StatsAndMonitoring(t *testing.T) {
	s, coord := newTestServer(t)
	ctx := context.Background()
	createSession(t, coord)

	stats, err := s.handleStats(ctx, mcp.CallToolRequest{}, struct{}{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.CurrentSize)
	assert.True(t, stats.MonitoringEnabled)

	stats, err = s.handleSetMonitoring(ctx, mcp.CallToolRequest{}, MonitoringArgs{Enabled: false})
	require.NoError(t, err)
	assert.False(t, stats.MonitoringEnabled)
	assert.False(t, coord.Stats().MonitoringEnabled)

	stats, err = s.handleSetMonitoring(ctx, mcp.CallToolRequest{}, MonitoringArgs{Enabled: true})
	require.NoError(t, err)
	assert.True(t, stats.MonitoringEnabled)
	assert.True(t, coord.Stats().MonitoringEnabled)
}

func TestServer_SessionLifecycle(t *testing.T) {
	s, coord := newTestServer(t)
	ctx := context.Background()
	key := createSession(t, coord)
	args := SessionArgs{Session: sessionkey.Token(key)}

	resp, err := s.handleStatus(ctx, mcp.CallToolRequest{}, args)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCached, resp.State)
	assert.Equal(t, domain.NodeID("a"), resp.Owner)
	assert.Equal(t, []domain.NodeID{"b"}, resp.Backups)
	assert.Equal(t, key.String(), resp.Key)

	_, err = s.handleCheckpoint(ctx, mcp.CallToolRequest{}, SessionArgs{Session: key.String()})
	require.NoError(t, err)

	list, err := s.handleListCheckpoints(ctx, mcp.CallToolRequest{}, struct{}{})
	require.NoError(t, err)
	require.Len(t, list.Checkpoints, 1)
	assert.Equal(t, args.Session, list.Checkpoints[0].Token)
	assert.EqualValues(t, 1, list.Checkpoints[0].Version)

	resp, err = s.handleRemove(ctx, mcp.CallToolRequest{}, args)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAbsent, resp.State)
	assert.Empty(t, resp.Owner)

	list, err = s.handleListCheckpoints(ctx, mcp.CallToolRequest{}, struct{}{})
	require.NoError(t, err)
	assert.Empty(t, list.Checkpoints)
}

func TestServer_InvalidSession(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.handleStatus(context.Background(), mcp.CallToolRequest{}, SessionArgs{Session: "nope"})
	assert.ErrorIs(t, err, domain.ErrInvalidKeyFormat)
}

func TestServer_RemovePinnedFails(t *testing.T) {
	s, coord := newTestServer(t)
	ctx := context.Background()
	key := createSession(t, coord)

	h, err := coord.Acquire(ctx, key)
	require.NoError(t, err)
	defer coord.Release(ctx, h)

	_, err = s.handleRemove(ctx, mcp.CallToolRequest{}, SessionArgs{Session: key.String()})
	assert.ErrorIs(t, err, domain.ErrConcurrentAccess)
}
