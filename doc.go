/*
Package keel manages the lifecycle of stateful server-side session instances in a cluster.

Each session is addressed by an opaque 16-byte key. Instances live in a bounded in-memory
cache and are passivated (serialized to a checkpoint store) when the cache is full or when
they sit idle. The next call for a passivated session activates it again from its latest
checkpoint, on this node or on a backup node after the owner fails.

# Concept

The host owns the instances and the transport that delivers invocations. keel owns
residency: which instance is live, where its durable copy is and who may touch it.
Every call goes through the coordinator:

	handle, err := node.Coordinator().Acquire(ctx, key)
	// mutate handle.Instance(), then handle.MarkDirty()
	err = node.Coordinator().Release(ctx, handle)

At most one live instance exists per session. A second concurrent call on the same key
fails fast with domain.ErrConcurrentAccess instead of waiting.

# Backends

The checkpoint store is picked by configuration:

  - MEMORY: process memory, for tests and single-node development.
  - LOCAL_DISK: one file per session, or a Badger database.
  - REPLICATED: local disk plus best-effort copies on backup nodes.
  - REDIS: a shared Redis instance, with native TTL.
  - SHARED_DB: SQLite or PostgreSQL through GORM.

# Usage

	cfg, err := config.Load("keel.yaml")
	if err != nil {
		log.Fatal(err)
	}

	node, err := keel.New(ctx, cfg, lifecycle.JSONCodec[Cart]{})
	if err != nil {
		log.Fatal(err)
	}
	defer node.Close(context.Background())

	go node.Run(ctx) // idle sweeper

	err = node.Coordinator().Dispatch(ctx, key, func(ctx context.Context, h *lifecycle.Handle) error {
		cart := h.Instance().(*Cart)
		cart.Items++
		h.MarkDirty()
		return nil
	})

The admin HTTP API (package pkg/adapters/http) and the keel CLI (cmd/keel) are built on
the same Node.
*/
package keel
