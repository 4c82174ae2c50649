// Package affinity tracks which node owns each session and which nodes hold its
// replicas, so load balancers can route sticky traffic and backups know what to
// take over when an owner fails.
package affinity

import (
	"slices"
	"sync"
	"time"

	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/ports"
	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

// Directory maps session keys to their AffinityEntry.
// Safe for concurrent use; one Directory may be shared by in-process nodes.
type Directory struct {
	membership ports.Membership
	replicas   int
	now        func() time.Time

	mu      sync.RWMutex
	entries map[domain.SessionKey]domain.AffinityEntry
}

// Option configures the Directory.
type Option func(*Directory)

// WithReplicas sets how many backups are chosen per session. Default 1.
func WithReplicas(n int) Option {
	return func(d *Directory) {
		if n >= 0 {
			d.replicas = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		d.now = now
	}
}

// NewDirectory creates an empty directory. membership supplies the candidate
// backup nodes.
func NewDirectory(membership ports.Membership, opts ...Option) *Directory {
	d := &Directory{
		membership: membership,
		replicas:   1,
		now:        time.Now,
		entries:    make(map[domain.SessionKey]domain.AffinityEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Assign records owner as the owner of key and picks fresh backups.
func (d *Directory) Assign(key domain.SessionKey, owner domain.NodeID) domain.AffinityEntry {
	entry := domain.AffinityEntry{
		Key:       key,
		Owner:     owner,
		Backups:   d.ChooseBackups(key, owner),
		UpdatedAt: d.now(),
	}
	d.mu.Lock()
	d.entries[key] = entry
	d.mu.Unlock()
	return entry
}

// Promote moves ownership of key to node if it is currently owned by from.
// It reports false when the entry is missing or already moved.
func (d *Directory) Promote(key domain.SessionKey, from, to domain.NodeID) (domain.AffinityEntry, bool) {
	backups := d.ChooseBackups(key, to)

	d.mu.Lock()
	defer d.mu.Unlock()

	cur, ok := d.entries[key]
	if !ok || cur.Owner != from {
		return cur, false
	}
	cur.Owner = to
	cur.Backups = backups
	cur.UpdatedAt = d.now()
	d.entries[key] = cur
	return cur, true
}

// Lookup returns the entry for key.
func (d *Directory) Lookup(key domain.SessionKey) (domain.AffinityEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[key]
	if !ok {
		return domain.AffinityEntry{}, false
	}
	e.Backups = slices.Clone(e.Backups)
	return e, true
}

// Remove forgets key.
func (d *Directory) Remove(key domain.SessionKey) {
	d.mu.Lock()
	delete(d.entries, key)
	d.mu.Unlock()
}

// Backups returns the recorded backups of key. It has the shape of
// replication.BackupResolver.
func (d *Directory) Backups(key domain.SessionKey) []domain.NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return slices.Clone(d.entries[key].Backups)
}

// OwnedBy returns the entries currently owned by node.
func (d *Directory) OwnedBy(node domain.NodeID) []domain.AffinityEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []domain.AffinityEntry
	for _, e := range d.entries {
		if e.Owner == node {
			e.Backups = slices.Clone(e.Backups)
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of tracked sessions.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.entries)
}

// ChooseBackups ranks the live members other than owner by rendezvous hash of
// key and returns the top replicas. The choice is stable while membership is.
func (d *Directory) ChooseBackups(key domain.SessionKey, owner domain.NodeID) []domain.NodeID {
	if d.replicas == 0 || d.membership == nil {
		return nil
	}

	var candidates []string
	for _, m := range d.membership.Members() {
		if m != owner && d.membership.IsAlive(m) {
			candidates = append(candidates, string(m))
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	slices.Sort(candidates)

	// Each round picks the winner among the remaining candidates, giving the
	// rendezvous ranking without mutating a shared ring.
	member := key.String()
	n := min(d.replicas, len(candidates))
	backups := make([]domain.NodeID, 0, n)
	for range n {
		node := rendezvous.New(candidates, xxhash.Sum64String).Lookup(member)
		backups = append(backups, domain.NodeID(node))
		candidates = slices.DeleteFunc(candidates, func(c string) bool { return c == node })
	}
	return backups
}
