/*
Package cache implements the bounded in-memory instance cache.

Entries are pinned while an invocation uses them. A pinned entry is never chosen
for eviction and a second Acquire of a pinned key fails fast with
domain.ErrConcurrentAccess instead of waiting.

When an insertion pushes the cache over capacity, the least-recently-used unpinned
entries are marked as passivating and handed back to the caller as victims. The
cache does not persist anything itself: the caller checkpoints each victim and then
calls Evict, or AbortPassivation if the checkpoint could not be written. If every
entry is pinned the insertion still succeeds and the high-water-mark hook fires.

The index mutex guards only O(1) bookkeeping and is never held across I/O or
user code.
*/
package cache
