/*
Package lifecycle orchestrates the life of stateful session instances.

A Coordinator sits between the invocation dispatcher and the instance cache.
Every call pins its session through Acquire and unpins it through Release; cache
misses are resumed from the checkpoint store, and instances pushed out by
capacity pressure or idleness are checkpointed before their slot is freed.

Per key the states are:

	ABSENT --Create--> CACHED --passivate--> PASSIVATED --Acquire--> CACHED
	CACHED | PASSIVATED --Remove--> REMOVED

When a peer fails, HandleNodeDown promotes this node for every session it backs
up and resumes them from their latest replicated checkpoint. State written after
that checkpoint is lost.
*/
package lifecycle
