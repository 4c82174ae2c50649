package affinity

import (
	"slices"
	"sync"

	"github.com/aretw0/keel/pkg/domain"
)

// StaticMembership is a fixed member list whose liveness is toggled by hand or
// by an external failure detector. It publishes node-down events to listeners.
type StaticMembership struct {
	local domain.NodeID

	mu        sync.RWMutex
	members   []domain.NodeID
	down      map[domain.NodeID]bool
	listeners []func(domain.NodeID)
}

// NewStaticMembership creates a membership view for local. local is always a member.
func NewStaticMembership(local domain.NodeID, peers ...domain.NodeID) *StaticMembership {
	members := []domain.NodeID{local}
	for _, p := range peers {
		if !slices.Contains(members, p) {
			members = append(members, p)
		}
	}
	return &StaticMembership{
		local:   local,
		members: members,
		down:    make(map[domain.NodeID]bool),
	}
}

// LocalNode implements ports.Membership.
func (m *StaticMembership) LocalNode() domain.NodeID {
	return m.local
}

// Members returns live members, local node included.
func (m *StaticMembership) Members() []domain.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.NodeID, 0, len(m.members))
	for _, n := range m.members {
		if !m.down[n] {
			out = append(out, n)
		}
	}
	return out
}

// IsAlive implements ports.Membership.
func (m *StaticMembership) IsAlive(node domain.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Contains(m.members, node) && !m.down[node]
}

// OnNodeDown registers fn to run whenever a member is marked down.
func (m *StaticMembership) OnNodeDown(fn func(domain.NodeID)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, fn)
}

// MarkDown flags node as unreachable and notifies listeners.
// Marking an unknown or already-down node is a no-op.
func (m *StaticMembership) MarkDown(node domain.NodeID) {
	m.mu.Lock()
	if !slices.Contains(m.members, node) || m.down[node] {
		m.mu.Unlock()
		return
	}
	m.down[node] = true
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(node)
	}
}

// MarkUp flags node as reachable again, adding it if unknown.
func (m *StaticMembership) MarkUp(node domain.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(m.members, node) {
		m.members = append(m.members, node)
	}
	delete(m.down, node)
}
