// Package keylock provides per-key mutexes that are garbage collected once no
// goroutine holds or waits for them.
package keylock

import "sync"

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Map is a set of per-key locks. The zero value is not usable; use New.
type Map[K comparable] struct {
	mu    sync.Mutex // Global lock for the map
	locks map[K]*lockEntry
}

// New creates an empty lock map.
func New[K comparable]() *Map[K] {
	return &Map[K]{locks: make(map[K]*lockEntry)}
}

// Lock blocks until the lock for key is held and returns its release function.
func (m *Map[K]) Lock(key K) (unlock func()) {
	entry := m.acquire(key)
	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		m.release(key)
	}
}

// Len returns the number of live lock entries.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// acquire gets or creates a lock entry and increments its reference count.
func (m *Map[K]) acquire(key K) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[key]
	if !exists {
		entry = &lockEntry{}
		m.locks[key] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Map[K]) release(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[key]
	if !exists {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, key)
	}
}
