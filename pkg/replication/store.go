package replication

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aretw0/keel/internal/logging"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/ports"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// receiveRetries bounds retries of a transiently failing local save of a replica.
const receiveRetries = 4

// BackupResolver returns the nodes that should hold replicas of key.
type BackupResolver func(key domain.SessionKey) []domain.NodeID

// Receiver applies records delivered by a transport.
type Receiver interface {
	Receive(ctx context.Context, record *domain.CheckpointRecord) error
}

// Store is a ports.CheckpointStore that replicates writes to backup nodes.
type Store struct {
	local     ports.CheckpointStore
	transport ports.ReplicationTransport
	backups   BackupResolver
	fanout    int
	logger    *slog.Logger

	sent, failed, received atomic.Int64
}

// Option configures the Store.
type Option func(*Store)

// WithLogger configures a logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithFanout bounds the number of concurrent sends per write.
func WithFanout(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.fanout = n
		}
	}
}

// NewStore wraps local. backups decides where each key is replicated.
func NewStore(local ports.CheckpointStore, transport ports.ReplicationTransport, backups BackupResolver, opts ...Option) *Store {
	s := &Store{
		local:     local,
		transport: transport,
		backups:   backups,
		fanout:    4,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Local returns the wrapped store.
func (s *Store) Local() ports.CheckpointStore {
	return s.local
}

// Save writes locally and then forwards the record to every backup.
// Replica failures are logged and do not fail the write; the local copy is
// already durable.
func (s *Store) Save(ctx context.Context, record *domain.CheckpointRecord) error {
	if err := s.local.Save(ctx, record); err != nil {
		return err
	}
	s.replicate(ctx, record)
	return nil
}

// Load reads from the local store, which also holds replicas received from peers.
func (s *Store) Load(ctx context.Context, key domain.SessionKey) (*domain.CheckpointRecord, error) {
	return s.local.Load(ctx, key)
}

// Remove tombstones the record locally and on every backup.
func (s *Store) Remove(ctx context.Context, key domain.SessionKey) error {
	cur, err := s.local.Load(ctx, key)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.local.Remove(ctx, key); err != nil {
		return err
	}
	s.replicate(ctx, &domain.CheckpointRecord{
		Key:         key,
		Version:     cur.Version + 1,
		StoredAt:    cur.StoredAt,
		OwnerNodeID: cur.OwnerNodeID,
		Tombstone:   true,
	})
	return nil
}

// Size counts local records, replicas included.
func (s *Store) Size(ctx context.Context) (int, error) {
	return s.local.Size(ctx)
}

// List returns local keys, replicas included.
func (s *Store) List(ctx context.Context) ([]domain.SessionKey, error) {
	return s.local.List(ctx)
}

// RemoveExpired purges expired local records when the local store supports it.
// Peers purge their own copies on their own sweep.
func (s *Store) RemoveExpired(ctx context.Context, idleFor time.Duration) (int, error) {
	if exp, ok := s.local.(ports.Expirer); ok {
		return exp.RemoveExpired(ctx, idleFor)
	}
	return 0, nil
}

// Receive applies a record sent by a peer. Stale records are dropped;
// transient local failures are retried a few times so a backup does not keep
// an older replica than the one it was sent.
func (s *Store) Receive(ctx context.Context, record *domain.CheckpointRecord) error {
	s.received.Add(1)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	err := backoff.Retry(func() error {
		err := s.local.Save(ctx, record)
		if err == nil || errors.Is(err, domain.ErrBackendUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, receiveRetries), ctx))
	if errors.Is(err, domain.ErrStaleVersion) {
		s.logger.Debug("dropping stale replica", "session", record.Key, "version", record.Version, "node", record.OwnerNodeID)
		return nil
	}
	return err
}

// Counters returns the number of replica sends, failed sends and received records.
func (s *Store) Counters() (sent, failed, received int64) {
	return s.sent.Load(), s.failed.Load(), s.received.Load()
}

func (s *Store) replicate(ctx context.Context, record *domain.CheckpointRecord) {
	if s.transport == nil || s.backups == nil {
		return
	}
	nodes := s.backups(record.Key)
	if len(nodes) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(s.fanout)
	for _, node := range nodes {
		g.Go(func() error {
			s.sent.Add(1)
			if err := s.transport.Send(ctx, node, record); err != nil {
				s.failed.Add(1)
				s.logger.Warn("replica send failed", "session", record.Key, "version", record.Version, "node", node, "err", err)
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
}
