package ports

import (
	"context"

	"github.com/aretw0/keel/pkg/domain"
)

// Membership provides node liveness and enumeration.
type Membership interface {
	// LocalNode returns the ID of the node running this process.
	LocalNode() domain.NodeID

	// Members returns the IDs of all live nodes, local node included.
	Members() []domain.NodeID

	// IsAlive reports whether node is currently reachable.
	IsAlive(node domain.NodeID) bool
}

// ReplicationTransport delivers checkpoint records to replica nodes.
// Tombstones are delivered as records with Tombstone set.
type ReplicationTransport interface {
	Send(ctx context.Context, node domain.NodeID, record *domain.CheckpointRecord) error
}
