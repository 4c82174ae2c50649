package ports

import (
	"context"

	"github.com/aretw0/keel/pkg/domain"
)

// InstanceCodec is the passivation capability of a stateful component.
// The coordinator requires it at construction time.
type InstanceCodec interface {
	// New creates the instance for a freshly minted session.
	New(ctx context.Context, key domain.SessionKey) (any, error)

	// Marshal serializes an instance for a checkpoint.
	Marshal(instance any) ([]byte, error)

	// Unmarshal reconstructs an instance from checkpointed state.
	Unmarshal(key domain.SessionKey, state []byte) (any, error)
}
