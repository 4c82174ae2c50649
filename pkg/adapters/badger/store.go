// Package badger implements a checkpoint store on an embedded BadgerDB.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/keel/internal/codec"
	"github.com/aretw0/keel/internal/logging"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/cenkalti/backoff/v4"
	badgerdb "github.com/dgraph-io/badger/v4"
)

// Key prefixes
const (
	prefixCheckpoint = "ckpt:" // ckpt:{hexkey} -> JSON(CheckpointRecord)
)

// Store implements ports.CheckpointStore using BadgerDB.
//
// Thread Safety:
// Badger transactions are optimistic. Concurrent writers on the same key
// conflict at commit; Save retries the read-compare-write with backoff until
// it commits or ctx ends, so the highest version always wins and a loser
// surfaces as domain.ErrStaleVersion.
type Store struct {
	db     *badgerdb.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger configures a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens (or creates) a store in dir. An empty dir opens an in-memory database.
func Open(dir string, opts ...Option) (*Store, error) {
	bopts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", dir, err)
	}
	return NewFromDB(db, opts...), nil
}

// NewFromDB wraps an already opened database.
func NewFromDB(db *badgerdb.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func keyCheckpoint(key domain.SessionKey) []byte {
	return []byte(prefixCheckpoint + key.String())
}

// Save stores the record if its version is newer than the stored one.
func (s *Store) Save(ctx context.Context, record *domain.CheckpointRecord) error {
	data, err := codec.EncodeRecord(record)
	if err != nil {
		return err
	}
	return s.update(ctx, func(txn *badgerdb.Txn) error {
		cur, err := getRecord(txn, record.Key)
		if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}
		if cur != nil && cur.Version >= record.Version {
			return domain.ErrStaleVersion
		}
		return txn.Set(keyCheckpoint(record.Key), data)
	})
}

// Load retrieves the latest live record.
func (s *Store) Load(ctx context.Context, key domain.SessionKey) (*domain.CheckpointRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *domain.CheckpointRecord
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		rec, err = getRecord(txn, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec.Tombstone {
		return nil, domain.ErrSessionNotFound
	}
	return rec, nil
}

// Remove replaces the record with a tombstone one version ahead.
func (s *Store) Remove(ctx context.Context, key domain.SessionKey) error {
	return s.update(ctx, func(txn *badgerdb.Txn) error {
		cur, err := getRecord(txn, key)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Tombstone {
			return nil
		}
		data, err := codec.EncodeRecord(&domain.CheckpointRecord{
			Key:         key,
			Version:     cur.Version + 1,
			StoredAt:    time.Now(),
			OwnerNodeID: cur.OwnerNodeID,
			Tombstone:   true,
		})
		if err != nil {
			return err
		}
		return txn.Set(keyCheckpoint(key), data)
	})
}

// Size counts live records.
func (s *Store) Size(ctx context.Context) (int, error) {
	keys, err := s.List(ctx)
	return len(keys), err
}

// List returns the keys of live records.
func (s *Store) List(ctx context.Context) ([]domain.SessionKey, error) {
	var keys []domain.SessionKey
	err := s.scan(ctx, func(rec *domain.CheckpointRecord) error {
		if !rec.Tombstone {
			keys = append(keys, rec.Key)
		}
		return nil
	})
	return keys, err
}

// RemoveExpired deletes records stored more than idleFor ago.
func (s *Store) RemoveExpired(ctx context.Context, idleFor time.Duration) (int, error) {
	cutoff := time.Now().Add(-idleFor)
	var expired []domain.SessionKey
	err := s.scan(ctx, func(rec *domain.CheckpointRecord) error {
		if rec.StoredAt.Before(cutoff) {
			expired = append(expired, rec.Key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, key := range expired {
		removed := false
		err := s.update(ctx, func(txn *badgerdb.Txn) error {
			removed = false
			cur, err := getRecord(txn, key)
			if err != nil {
				return err
			}
			if !cur.StoredAt.Before(cutoff) {
				return nil // rewritten since the scan
			}
			removed = true
			return txn.Delete(keyCheckpoint(key))
		})
		if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			return n, err
		}
		if err == nil && removed {
			n++
		}
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying optimistic conflicts
// until it commits or ctx ends.
func (s *Store) update(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := s.db.Update(fn)
		if errors.Is(err, badgerdb.ErrConflict) {
			s.logger.Debug("badger transaction conflict, retrying", "attempt", attempt)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if errors.Is(err, badgerdb.ErrConflict) {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	return err
}

func (s *Store) scan(ctx context.Context, fn func(*domain.CheckpointRecord) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := []byte(prefixCheckpoint)
	return s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if !bytes.HasPrefix(item.Key(), prefix) {
				break
			}
			err := item.Value(func(val []byte) error {
				rec, err := codec.DecodeRecord(val)
				if err != nil {
					s.logger.Warn("skipping undecodable checkpoint", "key", string(item.Key()), "err", err)
					return nil
				}
				return fn(rec)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func getRecord(txn *badgerdb.Txn, key domain.SessionKey) (*domain.CheckpointRecord, error) {
	item, err := txn.Get(keyCheckpoint(key))
	if err == badgerdb.ErrKeyNotFound {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}

	var rec *domain.CheckpointRecord
	err = item.Value(func(val []byte) error {
		var err error
		rec, err = codec.DecodeRecord(val)
		return err
	})
	return rec, err
}
