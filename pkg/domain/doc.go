/*
Package domain contains the core value types of the session-state lifecycle manager.

It defines the identifiers and records shared by the cache, the checkpoint stores,
the affinity directory and the lifecycle coordinator. The package is kept free of
I/O so every other package can depend on it.

# Key Entities

  - SessionKey: fixed-length opaque identifier of a stateful session.
  - CheckpointRecord: a versioned snapshot of serialized session state.
  - AffinityEntry: owner and backup nodes of a session, used for sticky routing.
  - StoreStats: a point-in-time snapshot of cache occupancy and counters.
*/
package domain
