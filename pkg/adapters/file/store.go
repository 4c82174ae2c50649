// Package file implements a checkpoint store on the local filesystem.
package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/keel/internal/codec"
	"github.com/aretw0/keel/internal/keylock"
	"github.com/aretw0/keel/internal/logging"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/sessionkey"
)

const ext = ".ckpt"

// Store implements ports.CheckpointStore using one JSON file per session.
type Store struct {
	BasePath string

	locks  *keylock.Map[domain.SessionKey]
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger configures a logger for trace output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new Store with the given base path.
// If basePath is empty, it defaults to ".keel/checkpoints".
func New(basePath string, opts ...Option) *Store {
	if basePath == "" {
		basePath = filepath.Join(".keel", "checkpoints")
	}
	s := &Store{
		BasePath: basePath,
		locks:    keylock.New[domain.SessionKey](),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) path(key domain.SessionKey) string {
	return filepath.Join(s.BasePath, key.String()+ext)
}

// Save writes the record atomically if its version is newer than the stored one.
func (s *Store) Save(ctx context.Context, record *domain.CheckpointRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(record.Key)
	defer unlock()

	cur, err := s.read(record.Key)
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return err
	}
	if cur != nil && cur.Version >= record.Version {
		return domain.ErrStaleVersion
	}
	if err := s.write(record); err != nil {
		return err
	}
	s.logger.Debug("checkpoint saved", "session", record.Key, "version", record.Version)
	return nil
}

// Load retrieves the record from its file.
func (s *Store) Load(ctx context.Context, key domain.SessionKey) (*domain.CheckpointRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.read(key)
	if err != nil {
		return nil, err
	}
	if rec.Tombstone {
		return nil, domain.ErrSessionNotFound
	}
	return rec, nil
}

// Remove overwrites the record with a tombstone one version ahead.
func (s *Store) Remove(ctx context.Context, key domain.SessionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	cur, err := s.read(key)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Tombstone {
		return nil
	}
	s.logger.Debug("checkpoint removed", "session", key, "version", cur.Version)
	return s.write(&domain.CheckpointRecord{
		Key:         key,
		Version:     cur.Version + 1,
		StoredAt:    time.Now(),
		OwnerNodeID: cur.OwnerNodeID,
		Tombstone:   true,
	})
}

// Size counts live records on disk.
func (s *Store) Size(ctx context.Context) (int, error) {
	keys, err := s.List(ctx)
	return len(keys), err
}

// List returns all live session keys.
func (s *Store) List(ctx context.Context) ([]domain.SessionKey, error) {
	var keys []domain.SessionKey
	err := s.walk(func(key domain.SessionKey, rec *domain.CheckpointRecord) {
		if !rec.Tombstone {
			keys = append(keys, key)
		}
	})
	return keys, err
}

// RemoveExpired deletes files whose record was stored more than idleFor ago.
func (s *Store) RemoveExpired(ctx context.Context, idleFor time.Duration) (int, error) {
	cutoff := time.Now().Add(-idleFor)
	var expired []domain.SessionKey
	err := s.walk(func(key domain.SessionKey, rec *domain.CheckpointRecord) {
		if rec.StoredAt.Before(cutoff) {
			expired = append(expired, key)
		}
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, key := range expired {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		unlock := s.locks.Lock(key)
		rec, err := s.read(key)
		if err == nil && rec.StoredAt.Before(cutoff) {
			if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("failed to remove expired checkpoint", "session", key, "err", err)
			} else {
				n++
			}
		}
		unlock()
	}
	return n, nil
}

// Destroy removes the whole checkpoint directory.
func (s *Store) Destroy() error {
	return os.RemoveAll(s.BasePath)
}

func (s *Store) walk(fn func(domain.SessionKey, *domain.CheckpointRecord)) error {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: failed to list checkpoints: %v", domain.ErrBackendUnavailable, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ext {
			continue
		}
		key, err := sessionkey.ParseHex(strings.TrimSuffix(name, ext))
		if err != nil {
			continue // not ours
		}
		rec, err := s.read(key)
		if err != nil {
			if !errors.Is(err, domain.ErrSessionNotFound) {
				s.logger.Warn("skipping unreadable checkpoint", "file", name, "err", err)
			}
			continue
		}
		fn(key, rec)
	}
	return nil
}

func (s *Store) read(key domain.SessionKey) (*domain.CheckpointRecord, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: failed to read checkpoint file: %v", domain.ErrBackendUnavailable, err)
	}
	return codec.DecodeRecord(data)
}

// write persists the record to a temp file, fsyncs it and renames it over the destination.
func (s *Store) write(record *domain.CheckpointRecord) error {
	if err := os.MkdirAll(s.BasePath, 0755); err != nil {
		return fmt.Errorf("%w: failed to ensure checkpoint directory: %v", domain.ErrBackendUnavailable, err)
	}

	data, err := codec.EncodeRecord(record)
	if err != nil {
		return err
	}

	// Same directory so the rename stays on one filesystem
	tmpFile, err := os.CreateTemp(s.BasePath, "tmp-"+record.Key.String()+"-*")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %v", domain.ErrBackendUnavailable, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath) // no-op once renamed
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("%w: failed to write temp file: %v", domain.ErrBackendUnavailable, err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("%w: failed to fsync temp file: %v", domain.ErrBackendUnavailable, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("%w: failed to close temp file: %v", domain.ErrBackendUnavailable, err)
	}

	// os.Rename fails on Windows if the destination exists.
	dest := s.path(record.Key)
	if _, err := os.Stat(dest); err == nil {
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("%w: failed to replace checkpoint: %v", domain.ErrBackendUnavailable, err)
		}
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("%w: failed to rename temp file: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}
