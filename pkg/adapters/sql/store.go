// Package sql implements a shared checkpoint store on SQLite or PostgreSQL via GORM.
package sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/keel/internal/logging"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/sessionkey"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// checkpointRow is the persisted form of a CheckpointRecord.
// StoredAt is kept as unix nanoseconds so range scans compare integers on every dialect.
type checkpointRow struct {
	SessionKey  string `gorm:"primaryKey;size:32"`
	State       []byte
	Version     uint64 `gorm:"not null"`
	StoredAt    int64  `gorm:"not null;index"`
	OwnerNodeID string `gorm:"size:255"`
	Tombstone   bool   `gorm:"not null;default:false;index"`
}

func (checkpointRow) TableName() string { return "keel_checkpoints" }

func (r *checkpointRow) toRecord() (*domain.CheckpointRecord, error) {
	key, err := sessionkey.ParseHex(r.SessionKey)
	if err != nil {
		return nil, err
	}
	return &domain.CheckpointRecord{
		Key:         key,
		State:       r.State,
		Version:     r.Version,
		StoredAt:    time.Unix(0, r.StoredAt),
		OwnerNodeID: domain.NodeID(r.OwnerNodeID),
		Tombstone:   r.Tombstone,
	}, nil
}

// leaseRow is an ownership lease. ExpiresAt is unix nanoseconds.
type leaseRow struct {
	SessionKey string `gorm:"primaryKey;size:128"`
	Owner      string `gorm:"size:255;not null"`
	ExpiresAt  int64  `gorm:"not null"`
}

func (leaseRow) TableName() string { return "keel_leases" }

// Store implements ports.CheckpointStore, ports.Expirer and ports.OwnershipLease
// using GORM.
// SQLite and PostgreSQL share the same code path.
type Store struct {
	db     *gorm.DB
	config *Config
	logger *slog.Logger
}

type Option func(*Store)

// WithLogger configures a logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New opens the database described by config and migrates the schema.
func New(config *Config, opts ...Option) (*Store, error) {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	var dialector gorm.Dialector
	switch config.Type {
	case DatabaseTypeSQLite:
		dsn, err := config.sqliteDSN()
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(dsn)
	case DatabaseTypePostgres:
		dialector = postgres.Open(config.Postgres.DSN())
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to database: %v", domain.ErrBackendUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	switch config.Type {
	case DatabaseTypeSQLite:
		// One writer at a time; also keeps in-memory databases on a single connection.
		sqlDB.SetMaxOpenConns(1)
	case DatabaseTypePostgres:
		sqlDB.SetMaxOpenConns(config.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.Postgres.MaxIdleConns)
	}

	return NewFromDB(db, config, opts...)
}

// NewFromDB wraps an existing connection and migrates the schema.
func NewFromDB(db *gorm.DB, config *Config, opts ...Option) (*Store, error) {
	if err := db.AutoMigrate(&checkpointRow{}, &leaseRow{}); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}
	s := &Store{
		db:     db,
		config: config,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Save persists the record if its version is newer than the stored one.
func (s *Store) Save(ctx context.Context, record *domain.CheckpointRecord) error {
	err := s.save(ctx, record)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a create race; the row exists now so the update path decides.
		err = s.save(ctx, record)
	}
	return err
}

func (s *Store) save(ctx context.Context, record *domain.CheckpointRecord) error {
	row := checkpointRow{
		SessionKey:  record.Key.String(),
		State:       record.State,
		Version:     record.Version,
		StoredAt:    record.StoredAt.UnixNano(),
		OwnerNodeID: string(record.OwnerNodeID),
		Tombstone:   record.Tombstone,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&checkpointRow{}).
			Where("session_key = ? AND version < ?", row.SessionKey, row.Version).
			Updates(map[string]any{
				"state":         row.State,
				"version":       row.Version,
				"stored_at":     row.StoredAt,
				"owner_node_id": row.OwnerNodeID,
				"tombstone":     row.Tombstone,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var existing checkpointRow
		err := tx.Select("version").Take(&existing, "session_key = ?", row.SessionKey).Error
		if err == nil {
			return domain.ErrStaleVersion
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&row).Error
	})
	return s.wrap("save", err)
}

// Load retrieves the live record for key.
func (s *Store) Load(ctx context.Context, key domain.SessionKey) (*domain.CheckpointRecord, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).Take(&row, "session_key = ?", key.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, s.wrap("load", err)
	}
	if row.Tombstone {
		return nil, domain.ErrSessionNotFound
	}
	return row.toRecord()
}

// Remove tombstones the record one version ahead. Unknown keys are a no-op.
func (s *Store) Remove(ctx context.Context, key domain.SessionKey) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row checkpointRow
		err := tx.Take(&row, "session_key = ?", key.String()).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if row.Tombstone {
			return nil
		}
		return tx.Model(&checkpointRow{}).
			Where("session_key = ? AND version = ?", row.SessionKey, row.Version).
			Updates(map[string]any{
				"state":     nil,
				"version":   row.Version + 1,
				"stored_at": time.Now().UnixNano(),
				"tombstone": true,
			}).Error
	})
	return s.wrap("remove", err)
}

// Size counts live records across every node sharing the database.
func (s *Store) Size(ctx context.Context) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&checkpointRow{}).Where("tombstone = ?", false).Count(&n).Error
	if err != nil {
		return 0, s.wrap("count", err)
	}
	return int(n), nil
}

// List returns the keys of live records.
func (s *Store) List(ctx context.Context) ([]domain.SessionKey, error) {
	var hexKeys []string
	err := s.db.WithContext(ctx).Model(&checkpointRow{}).
		Where("tombstone = ?", false).
		Order("session_key").
		Pluck("session_key", &hexKeys).Error
	if err != nil {
		return nil, s.wrap("list", err)
	}
	keys := make([]domain.SessionKey, 0, len(hexKeys))
	for _, h := range hexKeys {
		k, err := sessionkey.ParseHex(h)
		if err != nil {
			s.logger.Warn("skipping malformed checkpoint row", "session_key", h, "err", err)
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// RemoveExpired deletes live records stored before now-idleFor.
func (s *Store) RemoveExpired(ctx context.Context, idleFor time.Duration) (int, error) {
	cutoff := time.Now().Add(-idleFor).UnixNano()
	res := s.db.WithContext(ctx).
		Where("stored_at < ? AND tombstone = ?", cutoff, false).
		Delete(&checkpointRow{})
	if res.Error != nil {
		return 0, s.wrap("remove expired", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("removed expired checkpoints", "count", res.RowsAffected)
	}
	return int(res.RowsAffected), nil
}

// Claim takes or renews the ownership lease of key for node, unless another
// node holds an unexpired one.
func (s *Store) Claim(ctx context.Context, key string, node domain.NodeID, ttl time.Duration) (domain.NodeID, error) {
	holder, err := s.claim(ctx, key, node, ttl)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a create race; the row exists now so the update path decides.
		holder, err = s.claim(ctx, key, node, ttl)
	}
	return holder, s.wrap("claim", err)
}

func (s *Store) claim(ctx context.Context, key string, node domain.NodeID, ttl time.Duration) (domain.NodeID, error) {
	now := time.Now()
	holder := node
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&leaseRow{}).
			Where("session_key = ? AND (owner = ? OR expires_at < ?)", key, string(node), now.UnixNano()).
			Updates(map[string]any{
				"owner":      string(node),
				"expires_at": now.Add(ttl).UnixNano(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var cur leaseRow
		err := tx.Take(&cur, "session_key = ?", key).Error
		if err == nil {
			holder = domain.NodeID(cur.Owner)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&leaseRow{SessionKey: key, Owner: string(node), ExpiresAt: now.Add(ttl).UnixNano()}).Error
	})
	return holder, err
}

// Release drops the ownership lease of key if node holds it.
func (s *Store) Release(ctx context.Context, key string, node domain.NodeID) error {
	err := s.db.WithContext(ctx).
		Where("session_key = ? AND owner = ?", key, string(node)).
		Delete(&leaseRow{}).Error
	return s.wrap("release", err)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) wrap(op string, err error) error {
	if err == nil || errors.Is(err, domain.ErrStaleVersion) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrBackendUnavailable, op, err)
}
