/*
Package ports defines the driven ports (interfaces) of the lifecycle manager.

These interfaces decouple the coordinator from storage backends, cluster
membership and replication transports, so each can be substituted with an
in-process fake in tests.

# Key Interfaces

  - CheckpointStore: versioned persistence of serialized session state.
  - Expirer: optional purge of records idle for too long.
  - InstanceCodec: creates, serializes and reconstructs session instances.
  - Membership: node liveness and enumeration.
  - ReplicationTransport: sends checkpoint records to a replica node.
  - DistributedLocker: cluster-wide mutual exclusion for activations.
*/
package ports
