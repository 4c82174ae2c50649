package domain

// StoreStats is a point-in-time snapshot of the lifecycle manager.
type StoreStats struct {
	CurrentSize       int64 `json:"current_size"`
	HitCount          int64 `json:"hit_count"`
	MissCount         int64 `json:"miss_count"`
	EvictionCount     int64 `json:"eviction_count"`
	MonitoringEnabled bool  `json:"monitoring_enabled"`

	Activations       int64 `json:"activations"`
	Passivations      int64 `json:"passivations"`
	Checkpoints       int64 `json:"checkpoints"`
	DeferredEvictions int64 `json:"deferred_evictions"`
	HighWaterMarks    int64 `json:"high_water_marks"`
	OwnedSessions     int64 `json:"owned_sessions"`
}

// SessionState is the lifecycle state of a session on the local node.
type SessionState string

const (
	StateAbsent     SessionState = "absent"
	StateCached     SessionState = "cached"
	StatePassivated SessionState = "passivated"
	StateRemoved    SessionState = "removed"
)
