package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aretw0/keel/pkg/domain"
)

// Store implements ports.CheckpointStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[domain.SessionKey]*domain.CheckpointRecord
	mu   sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[domain.SessionKey]*domain.CheckpointRecord),
	}
}

// Save stores a copy of the record unless a newer or equal version is present.
func (s *Store) Save(ctx context.Context, record *domain.CheckpointRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Copy outside the lock so the caller can't mutate store state by pointer
	copied := record.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.data[record.Key]; ok && cur.Version >= record.Version {
		return domain.ErrStaleVersion
	}
	s.data[record.Key] = copied
	return nil
}

// Load retrieves a copy of the record.
func (s *Store) Load(ctx context.Context, key domain.SessionKey) (*domain.CheckpointRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[key]
	if !ok || rec.Tombstone {
		return nil, domain.ErrSessionNotFound
	}
	return rec.Clone(), nil
}

// Remove replaces the record with a tombstone one version ahead.
func (s *Store) Remove(ctx context.Context, key domain.SessionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[key]
	if !ok || rec.Tombstone {
		return nil
	}
	s.data[key] = &domain.CheckpointRecord{
		Key:         key,
		Version:     rec.Version + 1,
		StoredAt:    time.Now(),
		OwnerNodeID: rec.OwnerNodeID,
		Tombstone:   true,
	}
	return nil
}

// Size returns the number of live records.
func (s *Store) Size(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.data {
		if !rec.Tombstone {
			n++
		}
	}
	return n, nil
}

// List returns the keys of live records.
func (s *Store) List(ctx context.Context) ([]domain.SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]domain.SessionKey, 0, len(s.data))
	for k, rec := range s.data {
		if !rec.Tombstone {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// RemoveExpired drops records and tombstones older than idleFor.
func (s *Store) RemoveExpired(ctx context.Context, idleFor time.Duration) (int, error) {
	cutoff := time.Now().Add(-idleFor)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, rec := range s.data {
		if rec.StoredAt.Before(cutoff) {
			delete(s.data, k)
			n++
		}
	}
	return n, nil
}
