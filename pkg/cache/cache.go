package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/aretw0/keel/pkg/domain"
)

// Metrics receives cache events. A nil Metrics costs nothing.
type Metrics interface {
	RecordHit()
	RecordMiss()
	RecordEviction()
	RecordSize(n int)
	RecordHighWaterMark()
}

// Entry is a resident session instance.
//
// Instance belongs to whoever holds the pin. Version may be read by the pin
// holder but is only written under the cache lock, through MarkCheckpointed
// and SetVersion, since Peek reads it without a pin.
type Entry struct {
	Key      domain.SessionKey
	Instance any
	// Version is the version of the last checkpoint written for this instance.
	Version uint64

	lastAccessed time.Time
	pins         int
	dirty        bool
	passivating  bool
	reserved     bool
	elem         *list.Element
}

// Cache is a capacity-bounded LRU of pinned session instances.
// Safe for concurrent use.
type Cache struct {
	capacity int

	mu          sync.Mutex
	entries     map[domain.SessionKey]*Entry
	lru         *list.List // front = most recently used
	passivating int

	now         func() time.Time
	metrics     Metrics
	onHighWater func(size, capacity int)
}

// Option configures the Cache.
type Option func(*Cache)

// WithMetrics attaches an event sink.
func WithMetrics(m Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithHighWaterMark registers a hook fired when an insertion leaves the cache
// above capacity because no unpinned entry could be evicted.
// The hook runs after the cache lock is released.
func WithHighWaterMark(fn func(size, capacity int)) Option {
	return func(c *Cache) {
		c.onHighWater = fn
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache holding at most capacity unpinned entries.
func New(capacity int, opts ...Option) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache{
		capacity: capacity,
		entries:  make(map[domain.SessionKey]*Entry),
		lru:      list.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capacity returns the configured soft capacity.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Acquire pins and returns a resident entry.
// It returns domain.ErrCacheMiss if the key is not resident and
// domain.ErrConcurrentAccess if it is pinned (in use, activating or passivating).
func (c *Cache) Acquire(key domain.SessionKey) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.recordMiss()
		return nil, domain.ErrCacheMiss
	}
	if e.pins > 0 {
		switch {
		case e.reserved:
			return nil, fmt.Errorf("%w: activation in progress", domain.ErrConcurrentAccess)
		case e.passivating:
			return nil, fmt.Errorf("%w: passivation in progress", domain.ErrConcurrentAccess)
		default:
			return nil, domain.ErrConcurrentAccess
		}
	}
	e.pins++
	c.lru.MoveToFront(e.elem)
	c.recordHit()
	return e, nil
}

// Reserve installs a pinned placeholder for a key that is about to be activated.
// Concurrent Acquire or Reserve calls for the same key fail with
// domain.ErrConcurrentAccess until Fill or Evict is called.
func (c *Cache) Reserve(key domain.SessionKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return fmt.Errorf("%w: key already resident", domain.ErrConcurrentAccess)
	}
	e := &Entry{Key: key, pins: 1, reserved: true, lastAccessed: c.now()}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.recordSize()
	return nil
}

// Fill turns a reservation into a resident, still pinned, entry and returns the
// victims chosen to bring the cache back under capacity.
func (c *Cache) Fill(key domain.SessionKey, instance any, version uint64) (*Entry, []*Entry, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || !e.reserved {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("no reservation for session %s", key)
	}
	e.reserved = false
	e.Instance = instance
	e.Version = version
	e.lastAccessed = c.now()
	victims, over := c.selectVictimsLocked()
	c.mu.Unlock()

	c.signalHighWater(over)
	return e, victims, nil
}

// Insert adds an unreserved entry. If pin is true the entry is returned pinned.
// Inserting a key that is already resident fails with domain.ErrConcurrentAccess.
func (c *Cache) Insert(key domain.SessionKey, instance any, version uint64, pin bool) (*Entry, []*Entry, error) {
	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: key already resident", domain.ErrConcurrentAccess)
	}
	e := &Entry{Key: key, Instance: instance, Version: version, lastAccessed: c.now()}
	if pin {
		e.pins = 1
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	victims, over := c.selectVictimsLocked()
	c.recordSize()
	c.mu.Unlock()

	c.signalHighWater(over)
	return e, victims, nil
}

// Release unpins an entry, refreshing its access time. dirty marks the instance
// as changed since its last checkpoint.
func (c *Cache) Release(key domain.SessionKey, dirty bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return fmt.Errorf("%w: release of non-resident session %s", domain.ErrCacheMiss, key)
	}
	if e.pins == 0 {
		return fmt.Errorf("release of unpinned session %s", key)
	}
	e.pins--
	if dirty {
		e.dirty = true
	}
	e.lastAccessed = c.now()
	c.lru.MoveToFront(e.elem)
	return nil
}

// MarkCheckpointed records a successful checkpoint at version and clears the
// dirty flag.
func (c *Cache) MarkCheckpointed(key domain.SessionKey, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.Version = version
		e.dirty = false
	}
}

// SetVersion moves the checkpoint version of a resident entry without touching
// its dirty flag.
func (c *Cache) SetVersion(key domain.SessionKey, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.Version = version
	}
}

// Dirty reports whether the resident entry changed since its last checkpoint.
func (c *Cache) Dirty(key domain.SessionKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && e.dirty
}

// Evict removes an entry. The caller must have checkpointed it first.
// It reports whether the key was resident.
func (c *Cache) Evict(key domain.SessionKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if e.passivating {
		c.passivating--
		if c.metrics != nil {
			c.metrics.RecordEviction()
		}
	}
	c.lru.Remove(e.elem)
	delete(c.entries, key)
	c.recordSize()
	return true
}

// AbortPassivation returns a victim to the resident set after its checkpoint
// failed. The entry stays over capacity until a later passivation succeeds.
func (c *Cache) AbortPassivation(key domain.SessionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !e.passivating {
		return
	}
	e.passivating = false
	c.passivating--
	e.pins--
}

// Idle marks every unpinned entry not accessed since olderThan as passivating and
// returns them. The caller handles them exactly like insertion victims.
func (c *Cache) Idle(olderThan time.Time) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var idle []*Entry
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*Entry)
		if !e.lastAccessed.Before(olderThan) {
			break
		}
		if e.pins == 0 {
			c.markPassivatingLocked(e)
			idle = append(idle, e)
		}
	}
	return idle
}

// Drain marks every unpinned entry as passivating, for shutdown.
func (c *Cache) Drain() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var all []*Entry
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*Entry)
		if e.pins == 0 {
			c.markPassivatingLocked(e)
			all = append(all, e)
		}
	}
	return all
}

// Contains reports whether key is resident, pinned or not.
func (c *Cache) Contains(key domain.SessionKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	return ok
}

// Peek returns the checkpointed version of a resident entry without pinning it
// or touching its recency.
func (c *Cache) Peek(key domain.SessionKey) (version uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.reserved {
		return 0, false
	}
	return e.Version, true
}

// Len returns the number of resident entries, including reservations and
// entries being passivated.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Keys returns resident keys from most to least recently used.
func (c *Cache) Keys() []domain.SessionKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]domain.SessionKey, 0, len(c.entries))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*Entry); !e.reserved {
			keys = append(keys, e.Key)
		}
	}
	return keys
}

// selectVictimsLocked walks from the LRU end marking unpinned entries until the
// cache would be back at capacity. over reports the residual overflow.
func (c *Cache) selectVictimsLocked() (victims []*Entry, over int) {
	excess := len(c.entries) - c.passivating - c.capacity
	for el := c.lru.Back(); el != nil && excess > 0; el = el.Prev() {
		e := el.Value.(*Entry)
		if e.pins > 0 {
			continue
		}
		c.markPassivatingLocked(e)
		victims = append(victims, e)
		excess--
	}
	if excess > 0 {
		over = len(c.entries)
	}
	return victims, over
}

func (c *Cache) markPassivatingLocked(e *Entry) {
	e.passivating = true
	e.pins++
	c.passivating++
}

func (c *Cache) signalHighWater(size int) {
	if size == 0 {
		return
	}
	if c.metrics != nil {
		c.metrics.RecordHighWaterMark()
	}
	if c.onHighWater != nil {
		c.onHighWater(size, c.capacity)
	}
}

func (c *Cache) recordHit() {
	if c.metrics != nil {
		c.metrics.RecordHit()
	}
}

func (c *Cache) recordMiss() {
	if c.metrics != nil {
		c.metrics.RecordMiss()
	}
}

func (c *Cache) recordSize() {
	if c.metrics != nil {
		c.metrics.RecordSize(len(c.entries))
	}
}
