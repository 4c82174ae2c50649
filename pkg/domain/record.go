package domain

import "time"

// NodeID identifies a cluster member.
type NodeID string

// CheckpointRecord is a versioned snapshot of a session's serialized state.
// Versions strictly increase per key; a store keeps only the highest one.
type CheckpointRecord struct {
	Key         SessionKey `json:"key"`
	State       []byte     `json:"state,omitempty"`
	Version     uint64     `json:"version"`
	StoredAt    time.Time  `json:"stored_at"`
	OwnerNodeID NodeID     `json:"owner"`

	// Tombstone marks a removed session. Tombstones keep their version so that
	// late replica writes for the same key are still rejected.
	Tombstone bool `json:"tombstone,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *CheckpointRecord) Clone() *CheckpointRecord {
	cp := *r
	if r.State != nil {
		cp.State = append([]byte(nil), r.State...)
	}
	return &cp
}

// AffinityEntry maps a session to the node currently holding it and the nodes
// that receive its checkpoints.
type AffinityEntry struct {
	Key       SessionKey `json:"key"`
	Owner     NodeID     `json:"owner"`
	Backups   []NodeID   `json:"backups,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// HasBackup reports whether node is one of the entry's backups.
func (e AffinityEntry) HasBackup(node NodeID) bool {
	for _, b := range e.Backups {
		if b == node {
			return true
		}
	}
	return false
}
