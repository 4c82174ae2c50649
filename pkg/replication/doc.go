// Package replication implements the REPLICATED checkpoint backend.
//
// A Store writes every checkpoint to a local store and forwards it to the
// session's backup nodes through a ports.ReplicationTransport. Records received
// from peers land in the same local store, so a backup can resume a session after
// its owner fails without touching shared storage.
package replication
