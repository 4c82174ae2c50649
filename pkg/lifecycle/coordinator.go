package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/keel/internal/logging"
	"github.com/aretw0/keel/pkg/affinity"
	"github.com/aretw0/keel/pkg/cache"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/observability"
	"github.com/aretw0/keel/pkg/ports"
	"github.com/aretw0/keel/pkg/sessionkey"
	"golang.org/x/sync/singleflight"
)

// Invocation is one call dispatched to a session. It may mutate the instance
// through the handle; MarkDirty or SetInstance schedule a checkpoint.
type Invocation func(ctx context.Context, h *Handle) error

// Coordinator drives activation, passivation, checkpointing, removal and
// failover of session instances on one node.
type Coordinator struct {
	cache      *cache.Cache
	store      ports.CheckpointStore
	codec      ports.InstanceCodec
	membership ports.Membership
	directory  *affinity.Directory
	monitor    *observability.Monitor
	locker     ports.DistributedLocker
	lease      ports.OwnershipLease
	logger     *slog.Logger

	node              domain.NodeID
	capacity          int
	policy            CheckpointPolicy
	idleTimeout       time.Duration
	sweepInterval     time.Duration
	checkpointTimeout time.Duration
	checkpointTTL     time.Duration
	lockTTL           time.Duration
	leaseTTL          time.Duration
	retry             RetryPolicy
	now               func() time.Time

	failover singleflight.Group
}

// New creates a coordinator over store. codec is how instances are created and
// passivated; both are required.
func New(store ports.CheckpointStore, codec ports.InstanceCodec, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("lifecycle: checkpoint store is required")
	}
	if codec == nil {
		return nil, errors.New("lifecycle: instance codec is required")
	}

	c := &Coordinator{
		store:             store,
		codec:             codec,
		logger:            logging.NewNop(),
		capacity:          1000,
		policy:            CheckpointEveryCall,
		checkpointTimeout: 5 * time.Second,
		lockTTL:           30 * time.Second,
		leaseTTL:          30 * time.Second,
		retry:             DefaultRetryPolicy,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	switch c.policy {
	case CheckpointEveryCall, CheckpointOnPassivateOnly:
	default:
		return nil, fmt.Errorf("lifecycle: unknown checkpoint policy %q", c.policy)
	}
	if c.membership == nil {
		c.membership = affinity.NewStaticMembership("local")
	}
	c.node = c.membership.LocalNode()
	if c.directory == nil {
		c.directory = affinity.NewDirectory(c.membership)
	}
	if c.monitor == nil {
		c.monitor = observability.NewMonitor()
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = max(c.idleTimeout/2, time.Second)
	}

	c.cache = cache.New(c.capacity,
		cache.WithMetrics(c.monitor),
		cache.WithClock(c.now),
		cache.WithHighWaterMark(func(size, capacity int) {
			c.logger.Warn("instance cache over capacity, all entries pinned", "size", size, "capacity", capacity)
		}),
	)
	return c, nil
}

// Node returns the local node ID.
func (c *Coordinator) Node() domain.NodeID {
	return c.node
}

// Directory returns the affinity directory.
func (c *Coordinator) Directory() *affinity.Directory {
	return c.directory
}

// Monitor returns the monitoring facade.
func (c *Coordinator) Monitor() *observability.Monitor {
	return c.monitor
}

// Store returns the checkpoint store.
func (c *Coordinator) Store() ports.CheckpointStore {
	return c.store
}

// Create mints a session, instantiates it and returns it pinned.
func (c *Coordinator) Create(ctx context.Context) (*Handle, error) {
	key, err := sessionkey.Mint()
	if err != nil {
		return nil, fmt.Errorf("failed to mint session key: %w", err)
	}
	instance, err := c.codec.New(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate session %s: %w", key, err)
	}
	if err := c.claim(ctx, key); err != nil {
		return nil, err
	}

	entry, victims, err := c.cache.Insert(key, instance, 0, true)
	if err != nil {
		c.unclaim(ctx, key)
		return nil, err
	}
	c.directory.Assign(key, c.node)
	c.monitor.AddOwned(1)
	c.logger.Debug("session created", "session", key)

	c.passivate(ctx, victims)
	// A new instance has never been written, so the first release checkpoints it.
	return &Handle{Key: key, entry: entry, dirty: true}, nil
}

// Acquire pins the instance of key, resuming it from the store on a cache miss.
// It fails fast with domain.ErrConcurrentAccess while another call holds the key.
func (c *Coordinator) Acquire(ctx context.Context, key domain.SessionKey) (*Handle, error) {
	if key.IsZero() {
		return nil, domain.ErrInvalidKeyFormat
	}
	entry, err := c.cache.Acquire(key)
	if err == nil {
		return &Handle{Key: key, entry: entry}, nil
	}
	if !errors.Is(err, domain.ErrCacheMiss) {
		return nil, err
	}
	return c.activate(ctx, key)
}

// activate loads key into a reserved cache slot. Exactly one activation per key
// runs at a time; concurrent callers get domain.ErrConcurrentAccess.
func (c *Coordinator) activate(ctx context.Context, key domain.SessionKey) (*Handle, error) {
	if err := c.cache.Reserve(key); err != nil {
		return nil, err
	}
	filled, claimed := false, false
	defer func() {
		if !filled {
			c.cache.Evict(key)
			if claimed {
				c.unclaim(ctx, key)
			}
		}
	}()

	prev, known := c.directory.Lookup(key)
	if known && prev.Owner != c.node && c.membership.IsAlive(prev.Owner) {
		return nil, fmt.Errorf("%w: session %s is owned by %s", domain.ErrNotOwner, key, prev.Owner)
	}

	if c.locker != nil {
		unlock, err := c.locker.Lock(ctx, "session:"+key.String(), c.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to acquire distributed lock: %v", domain.ErrConcurrentAccess, err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				c.logger.Warn("Failed to release distributed lock (will expire via TTL)", "session", key, "err", err)
			}
		}()
	}

	if err := c.claim(ctx, key); err != nil {
		return nil, err
	}
	claimed = true

	var record *domain.CheckpointRecord
	err := c.storeCall(ctx, "load", func(ctx context.Context) error {
		var err error
		record, err = c.store.Load(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	instance, err := c.codec.Unmarshal(key, record.State)
	if err != nil {
		return nil, err
	}

	entry, victims, err := c.cache.Fill(key, instance, record.Version)
	if err != nil {
		return nil, err
	}
	filled = true

	c.directory.Assign(key, c.node)
	if !known || prev.Owner != c.node {
		c.monitor.AddOwned(1)
	}
	c.monitor.RecordActivation()
	c.logger.Debug("session activated", "session", key, "version", record.Version)

	c.passivate(ctx, victims)
	return &Handle{Key: key, entry: entry}, nil
}

// Release unpins h. Under CheckpointEveryCall a dirty instance is saved first;
// if that save fails the instance stays dirty and the error is returned.
func (c *Coordinator) Release(ctx context.Context, h *Handle) error {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return errors.New("lifecycle: handle already released")
	}

	dirty := h.dirty
	if dirty && c.policy == CheckpointEveryCall {
		if err := c.checkpoint(ctx, h.entry); err != nil {
			_ = c.cache.Release(h.Key, true)
			return fmt.Errorf("checkpoint on release of %s: %w", h.Key, err)
		}
		dirty = false
	}
	return c.cache.Release(h.Key, dirty)
}

// Dispatch runs inv against the session of key between Acquire and Release.
func (c *Coordinator) Dispatch(ctx context.Context, key domain.SessionKey, inv Invocation) error {
	h, err := c.Acquire(ctx, key)
	if err != nil {
		return err
	}
	invErr := inv(ctx, h)
	return errors.Join(invErr, c.Release(ctx, h))
}

// CheckpointNow saves the resident instance of key if it changed since its last
// checkpoint. A passivated or unknown key is already as durable as it gets.
func (c *Coordinator) CheckpointNow(ctx context.Context, key domain.SessionKey) error {
	entry, err := c.cache.Acquire(key)
	if errors.Is(err, domain.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = c.cache.Release(key, false) }()

	if !c.cache.Dirty(key) && entry.Version > 0 {
		return nil
	}
	return c.checkpoint(ctx, entry)
}

// Remove deletes the session everywhere. Removing an unknown or already
// removed key is a no-op.
func (c *Coordinator) Remove(ctx context.Context, key domain.SessionKey) error {
	_, err := c.cache.Acquire(key)
	reserved := false
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrCacheMiss):
		reserved = true
		// Hold a reservation so nobody activates the key while it is removed.
		if err := c.cache.Reserve(key); err != nil {
			return err
		}
		// Another node may hold the live instance.
		if err := c.claim(ctx, key); err != nil {
			c.cache.Evict(key)
			return err
		}
	default:
		return err
	}

	err = c.storeCall(ctx, "remove", func(ctx context.Context) error {
		return c.store.Remove(ctx, key)
	})
	if err != nil {
		c.releaseOrDrop(key)
		if reserved {
			c.unclaim(ctx, key)
		}
		return err
	}
	c.cache.Evict(key)
	c.unclaim(ctx, key)

	if prev, ok := c.directory.Lookup(key); ok {
		c.directory.Remove(key)
		if prev.Owner == c.node {
			c.monitor.AddOwned(-1)
		}
	}
	c.logger.Debug("session removed", "session", key)
	return nil
}

// releaseOrDrop undoes the pin taken by Remove: a reservation is dropped and a
// resident entry is released.
func (c *Coordinator) releaseOrDrop(key domain.SessionKey) {
	if _, ok := c.cache.Peek(key); ok {
		_ = c.cache.Release(key, false)
		return
	}
	c.cache.Evict(key)
}

// Status reports the lifecycle state of key as seen from this node.
func (c *Coordinator) Status(ctx context.Context, key domain.SessionKey) (domain.SessionState, error) {
	if _, ok := c.cache.Peek(key); ok {
		return domain.StateCached, nil
	}
	_, err := c.store.Load(ctx, key)
	switch {
	case err == nil:
		return domain.StatePassivated, nil
	case errors.Is(err, domain.ErrSessionNotFound):
		return domain.StateAbsent, nil
	default:
		return "", err
	}
}

// Stats returns the monitoring snapshot.
func (c *Coordinator) Stats() domain.StoreStats {
	return c.monitor.Stats()
}

// SetMonitoringEnabled toggles fine-grained instrumentation.
func (c *Coordinator) SetMonitoringEnabled(enabled bool) {
	c.monitor.SetEnabled(enabled)
}

// StoreSize returns the number of checkpoints visible to this node.
func (c *Coordinator) StoreSize(ctx context.Context) (int, error) {
	return c.store.Size(ctx)
}

// Resident returns the keys held in memory, most recently used first.
func (c *Coordinator) Resident() []domain.SessionKey {
	return c.cache.Keys()
}

// checkpoint saves a pinned entry as version+1.
func (c *Coordinator) checkpoint(ctx context.Context, entry *cache.Entry) error {
	state, err := c.codec.Marshal(entry.Instance)
	if err != nil {
		return fmt.Errorf("failed to serialize session %s: %w", entry.Key, err)
	}
	record := &domain.CheckpointRecord{
		Key:         entry.Key,
		State:       state,
		Version:     entry.Version + 1,
		StoredAt:    c.now(),
		OwnerNodeID: c.node,
	}

	err = c.storeCall(ctx, "save", func(ctx context.Context) error {
		return c.store.Save(ctx, record)
	})
	if errors.Is(err, domain.ErrStaleVersion) {
		return c.superseded(ctx, entry, record.Version)
	}
	if err != nil {
		return err
	}

	c.cache.MarkCheckpointed(entry.Key, record.Version)
	c.monitor.RecordCheckpoint()
	c.logger.Debug("session checkpointed", "session", entry.Key, "version", record.Version)
	return nil
}

// superseded handles a checkpoint rejected because the store already holds an
// equal or newer version written elsewhere. The instance stays dirty at the
// stored version, so neither this save nor the next one vanishes silently.
func (c *Coordinator) superseded(ctx context.Context, entry *cache.Entry, version uint64) error {
	stored := version
	err := c.storeCall(ctx, "load", func(ctx context.Context) error {
		cur, err := c.store.Load(ctx, entry.Key)
		if err == nil {
			stored = cur.Version
		}
		return err
	})
	if err == nil {
		c.cache.SetVersion(entry.Key, stored)
	}
	c.logger.Error("checkpoint superseded by another writer", "session", entry.Key, "version", version, "stored", stored)
	return fmt.Errorf("%w: checkpoint %d of %s rejected, store holds %d", domain.ErrOwnershipLost, version, entry.Key, stored)
}

// passivate checkpoints and evicts entries the cache marked as passivating.
// A failed checkpoint leaves the entry resident over capacity. It returns the
// number of entries evicted and the checkpoint failures.
func (c *Coordinator) passivate(ctx context.Context, victims []*cache.Entry) (int, error) {
	var (
		evicted int
		errs    []error
	)
	for _, v := range victims {
		if c.cache.Dirty(v.Key) || v.Version == 0 {
			if err := c.checkpoint(ctx, v); err != nil {
				c.cache.AbortPassivation(v.Key)
				c.monitor.RecordDeferredEviction()
				c.logger.Error("passivation failed, eviction deferred", "session", v.Key, "err", err)
				errs = append(errs, fmt.Errorf("passivate %s: %w", v.Key, err))
				continue
			}
		}
		c.cache.Evict(v.Key)
		c.unclaim(ctx, v.Key)
		c.monitor.RecordPassivation()
		evicted++
	}
	return evicted, errors.Join(errs...)
}
