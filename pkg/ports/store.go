package ports

import (
	"context"
	"time"

	"github.com/aretw0/keel/pkg/domain"
)

// CheckpointStore persists versioned session checkpoints.
// Implementations must tolerate concurrent writers on different keys and
// serialize-or-reject concurrent writers on the same key by version.
type CheckpointStore interface {
	// Save stores the record if its version is newer than the stored one.
	// Returns domain.ErrStaleVersion otherwise; the write is dropped.
	Save(ctx context.Context, record *domain.CheckpointRecord) error

	// Load returns the latest record for key.
	// Returns domain.ErrSessionNotFound if there is none or it was removed.
	Load(ctx context.Context, key domain.SessionKey) (*domain.CheckpointRecord, error)

	// Remove tombstones the record for key. Removing an absent key is a no-op.
	Remove(ctx context.Context, key domain.SessionKey) error

	// Size returns the number of live records visible to this node, including
	// records written by other cluster members.
	Size(ctx context.Context) (int, error)

	// List returns the keys of live records.
	List(ctx context.Context) ([]domain.SessionKey, error)
}

// Expirer is implemented by stores able to purge records that were not written
// for longer than idleFor. Tombstones are purged as well.
type Expirer interface {
	RemoveExpired(ctx context.Context, idleFor time.Duration) (int, error)
}
