package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/aretw0/keel/pkg/domain"
)

// InProcessTransport delivers records between stores living in the same process.
// It stands in for a cluster broadcast layer in tests and single-binary demos.
type InProcessTransport struct {
	mu        sync.RWMutex
	receivers map[domain.NodeID]Receiver
}

// NewInProcessTransport creates a new empty transport.
func NewInProcessTransport() *InProcessTransport {
	return &InProcessTransport{receivers: map[domain.NodeID]Receiver{}}
}

// Register attaches a receiver for node; calling it again replaces the receiver.
func (t *InProcessTransport) Register(node domain.NodeID, r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receivers[node] = r
}

// Unregister detaches node, simulating a failure.
func (t *InProcessTransport) Unregister(node domain.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.receivers, node)
}

// Send hands a copy of record to node's receiver.
func (t *InProcessTransport) Send(ctx context.Context, node domain.NodeID, record *domain.CheckpointRecord) error {
	t.mu.RLock()
	r, ok := t.receivers[node]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownNode, node)
	}
	return r.Receive(ctx, record.Clone())
}
