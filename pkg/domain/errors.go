package domain

import "errors"

var (
	// ErrInvalidKeyFormat is returned when a serialized session key or token is malformed.
	ErrInvalidKeyFormat = errors.New("invalid session key format")

	// ErrConcurrentAccess is returned when a session is already pinned by another call.
	// Stateful components forbid reentrant use, so callers must not retry automatically.
	ErrConcurrentAccess = errors.New("concurrent access to pinned session")

	// ErrSessionNotFound is returned when a session ID cannot be found in the store.
	// It is surfaced to clients as an expired session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCacheMiss signals that a key is not resident in the instance cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrBackendUnavailable wraps checkpoint store I/O failures.
	ErrBackendUnavailable = errors.New("checkpoint backend unavailable")

	// ErrStaleVersion is returned when a checkpoint write carries a version that is
	// not newer than the stored one. The write is dropped.
	ErrStaleVersion = errors.New("stale checkpoint version")

	// ErrSessionLost reports unrecoverable loss of a live session's state, for example
	// when failover activation exhausts its retries. It is never used for ordinary expiry.
	ErrSessionLost = errors.New("session state lost")

	// ErrNotOwner is returned when a session is owned by another live node.
	ErrNotOwner = errors.New("session owned by another node")

	// ErrOwnershipLost is returned when a resident instance finds that another
	// writer got ahead of it in the store or took its ownership lease. Its next
	// save is not dropped; callers decide whether to keep or discard the call.
	ErrOwnershipLost = errors.New("session ownership lost")

	// ErrUnknownNode is returned when a replication target is not registered.
	ErrUnknownNode = errors.New("unknown cluster node")
)
