package keel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aretw0/keel/internal/logging"
	"github.com/aretw0/keel/pkg/adapters/badger"
	"github.com/aretw0/keel/pkg/adapters/file"
	"github.com/aretw0/keel/pkg/adapters/memory"
	redisstore "github.com/aretw0/keel/pkg/adapters/redis"
	"github.com/aretw0/keel/pkg/adapters/sql"
	"github.com/aretw0/keel/pkg/config"
	"github.com/aretw0/keel/pkg/persistence/middleware"
	"github.com/aretw0/keel/pkg/ports"
	"github.com/redis/go-redis/v9"
)

// stack is a checkpoint store plus the resources it holds open.
type stack struct {
	store   ports.CheckpointStore
	lease   ports.OwnershipLease
	client  *redis.Client
	closers []func() error
}

func (s *stack) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (s *stack) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// redisClient returns the shared redis client, dialing it on first use.
func (s *stack) redisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}
	s.client = client
	s.onClose(client.Close)
	return client, nil
}

// OpenStore opens the checkpoint store selected by cfg.Backend, wrapped with
// encryption when enabled. For REPLICATED it opens the local store only, which
// holds this node's checkpoints and the replicas it received.
// The returned function releases the store. A nil logger discards logs.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ports.CheckpointStore, func() error, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &stack{}
	if err := s.open(ctx, cfg, logger); err != nil {
		_ = s.close()
		return nil, nil, err
	}
	if err := s.encrypt(cfg.Encryption); err != nil {
		_ = s.close()
		return nil, nil, err
	}
	return s.store, s.close, nil
}

func (s *stack) open(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	switch cfg.Backend {
	case config.BackendMemory:
		s.store = memory.NewStore()

	case config.BackendLocalDisk, config.BackendReplicated:
		local, err := s.openDisk(cfg.Disk, logger)
		if err != nil {
			return err
		}
		s.store = local

	case config.BackendRedis:
		client, err := s.redisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		s.store = redisstore.NewFromClient(client,
			redisstore.WithPrefix(cfg.Redis.Prefix+"checkpoint:"),
			redisstore.WithTTL(cfg.Redis.TTL),
			redisstore.WithLogger(logger),
		)

	case config.BackendSharedDB:
		db, err := sql.New(&cfg.Database, sql.WithLogger(logger))
		if err != nil {
			return err
		}
		s.store = db
		s.lease = db
		s.onClose(db.Close)

	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}

func (s *stack) openDisk(cfg config.DiskConfig, logger *slog.Logger) (ports.CheckpointStore, error) {
	switch cfg.Engine {
	case config.DiskEngineBadger:
		db, err := badger.Open(cfg.Path, badger.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		s.onClose(db.Close)
		return db, nil
	case config.DiskEngineFile, "":
		return file.New(cfg.Path, file.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown disk engine %q", cfg.Engine)
	}
}

func (s *stack) encrypt(cfg config.EncryptionConfig) error {
	if !cfg.Enabled {
		return nil
	}
	active, err := config.DecodeKey(cfg.Key)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}
	enc := middleware.EncryptionConfig{ActiveKey: active}
	for _, k := range cfg.PreviousKeys {
		old, err := config.DecodeKey(k)
		if err != nil {
			return fmt.Errorf("previous encryption key: %w", err)
		}
		enc.FallbackKeys = append(enc.FallbackKeys, old)
	}
	mw, err := middleware.NewEncryptionMiddleware(enc)
	if err != nil {
		return err
	}
	s.store = middleware.Chain(s.store, mw)
	return nil
}
