// Package redis implements a shared checkpoint store and a distributed locker on Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aretw0/keel/internal/logging"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/sessionkey"
	backend "github.com/redis/go-redis/v9"
)

// farFuture is the index score of records without TTL (2100-01-01).
const farFuture = 4102444800

// saveScript writes the record hash only if its version is newer.
// KEYS[1]=record KEYS[2]=index; ARGV: version state owner stored_at ttl_ms score member tombstone
var saveScript = backend.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'state', ARGV[2], 'owner', ARGV[3], 'stored_at', ARGV[4], 'tombstone', ARGV[8])
if tonumber(ARGV[5]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
if ARGV[8] == '1' then
	redis.call('ZREM', KEYS[2], ARGV[7])
else
	redis.call('ZADD', KEYS[2], ARGV[6], ARGV[7])
end
return 1
`)

// removeScript turns a live record into a tombstone one version ahead.
// KEYS[1]=record KEYS[2]=index; ARGV: stored_at member
var removeScript = backend.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if not cur then
	return 0
end
if redis.call('HGET', KEYS[1], 'tombstone') == '1' then
	return 0
end
redis.call('HSET', KEYS[1], 'version', tostring(tonumber(cur) + 1), 'state', '', 'stored_at', ARGV[1], 'tombstone', '1')
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// Store implements ports.CheckpointStore using Redis hashes.
// Every node sharing the Redis instance sees the same records, so Size is
// cluster-wide.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

type Option func(*Store)

// WithTTL sets the expiration for checkpoints.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for checkpoints.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithLogger configures a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: "keel:checkpoint:",
		ttl:    0, // No expiration by default
		logger: logging.NewNop(),
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// Client exposes the underlying client, e.g. to share it with a Locker.
func (s *Store) Client() *backend.Client {
	return s.client
}

func (s *Store) key(key domain.SessionKey) string {
	return s.prefix + key.String()
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

func (s *Store) score() float64 {
	if s.ttl == 0 {
		return farFuture
	}
	return float64(time.Now().Add(s.ttl).Unix())
}

// Save persists the record if its version is newer than the stored one.
func (s *Store) Save(ctx context.Context, record *domain.CheckpointRecord) error {
	member := record.Key.String()
	tombstone := "0"
	if record.Tombstone {
		tombstone = "1"
	}
	res, err := saveScript.Run(ctx, s.client,
		[]string{s.key(record.Key), s.indexKey()},
		strconv.FormatUint(record.Version, 10),
		record.State,
		string(record.OwnerNodeID),
		strconv.FormatInt(record.StoredAt.UnixNano(), 10),
		s.ttl.Milliseconds(),
		s.score(),
		member,
		tombstone,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: failed to save to redis: %v", domain.ErrBackendUnavailable, err)
	}
	if res == 0 {
		return domain.ErrStaleVersion
	}
	return nil
}

// Load retrieves the record from Redis.
func (s *Store) Load(ctx context.Context, key domain.SessionKey) (*domain.CheckpointRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get from redis: %v", domain.ErrBackendUnavailable, err)
	}
	if len(fields) == 0 || fields["tombstone"] == "1" {
		return nil, domain.ErrSessionNotFound
	}

	version, err := strconv.ParseUint(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt checkpoint version for %s: %w", key, err)
	}
	storedAt, err := strconv.ParseInt(fields["stored_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt checkpoint timestamp for %s: %w", key, err)
	}

	return &domain.CheckpointRecord{
		Key:         key,
		State:       []byte(fields["state"]),
		Version:     version,
		StoredAt:    time.Unix(0, storedAt),
		OwnerNodeID: domain.NodeID(fields["owner"]),
	}, nil
}

// Remove tombstones the record.
func (s *Store) Remove(ctx context.Context, key domain.SessionKey) error {
	err := removeScript.Run(ctx, s.client,
		[]string{s.key(key), s.indexKey()},
		strconv.FormatInt(time.Now().UnixNano(), 10),
		key.String(),
	).Err()
	if err != nil && !errors.Is(err, backend.Nil) {
		return fmt.Errorf("%w: failed to remove from redis: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}

// Size counts unexpired index members.
func (s *Store) Size(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	n, err := s.client.ZCount(ctx, s.indexKey(), "("+now, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count checkpoints: %v", domain.ErrBackendUnavailable, err)
	}
	return int(n), nil
}

// List returns live keys, lazily pruning expired index members.
func (s *Store) List(ctx context.Context) ([]domain.SessionKey, error) {
	now := float64(time.Now().Unix())

	// ZREMRANGEBYSCORE key -inf (now)
	err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", fmt.Sprintf("%f", now)).Err()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to prune expired checkpoints: %v", domain.ErrBackendUnavailable, err)
	}

	members, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list checkpoints: %v", domain.ErrBackendUnavailable, err)
	}

	keys := make([]domain.SessionKey, 0, len(members))
	for _, m := range members {
		k, err := sessionkey.ParseHex(m)
		if err != nil {
			s.logger.Warn("skipping foreign index member", "member", m, "err", err)
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
