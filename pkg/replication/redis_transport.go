package replication

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aretw0/keel/internal/codec"
	"github.com/aretw0/keel/internal/logging"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/redis/go-redis/v9"
)

// RedisTransport ships records over Redis pub/sub, one channel per node.
// Delivery is at-most-once; a node that is not subscribed misses the record.
type RedisTransport struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// RedisOption configures a RedisTransport.
type RedisOption func(*RedisTransport)

// WithChannelPrefix sets the channel prefix. Default "keel:replica:".
func WithChannelPrefix(prefix string) RedisOption {
	return func(t *RedisTransport) {
		t.prefix = prefix
	}
}

// WithTransportLogger configures a logger.
func WithTransportLogger(l *slog.Logger) RedisOption {
	return func(t *RedisTransport) {
		t.logger = l
	}
}

// NewRedisTransport creates a transport on an existing client.
func NewRedisTransport(client *redis.Client, opts ...RedisOption) *RedisTransport {
	t := &RedisTransport{
		client: client,
		prefix: "keel:replica:",
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RedisTransport) channel(node domain.NodeID) string {
	return t.prefix + string(node)
}

// Send publishes record on node's channel. It fails with domain.ErrUnknownNode
// when nobody is subscribed.
func (t *RedisTransport) Send(ctx context.Context, node domain.NodeID, record *domain.CheckpointRecord) error {
	payload, err := codec.EncodeRecord(record)
	if err != nil {
		return err
	}
	n, err := t.client.Publish(ctx, t.channel(node), payload).Result()
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %v", domain.ErrBackendUnavailable, node, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownNode, node)
	}
	return nil
}

// Subscribe delivers records addressed to node into r until ctx is canceled or
// the returned stop function is called. It returns once the subscription is live.
func (t *RedisTransport) Subscribe(ctx context.Context, node domain.NodeID, r Receiver) (stop func() error, err error) {
	sub := t.client.Subscribe(ctx, t.channel(node))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrBackendUnavailable, node, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				record, err := codec.DecodeRecord([]byte(msg.Payload))
				if err != nil {
					t.logger.Warn("dropping malformed replica", "node", node, "err", err)
					continue
				}
				if err := r.Receive(ctx, record); err != nil {
					t.logger.Warn("failed to apply replica", "session", record.Key, "version", record.Version, "err", err)
				}
			}
		}
	}()

	return func() error {
		cancel()
		err := sub.Close()
		<-done
		return err
	}, nil
}
