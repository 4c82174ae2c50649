package keel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aretw0/keel/internal/logging"
	redisstore "github.com/aretw0/keel/pkg/adapters/redis"
	"github.com/aretw0/keel/pkg/affinity"
	"github.com/aretw0/keel/pkg/config"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/lifecycle"
	"github.com/aretw0/keel/pkg/observability"
	"github.com/aretw0/keel/pkg/ports"
	"github.com/aretw0/keel/pkg/replication"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Node is a keel cluster member wired from configuration.
type Node struct {
	config      *config.Config
	coordinator *lifecycle.Coordinator
	membership  *affinity.StaticMembership
	directory   *affinity.Directory
	registry    *prometheus.Registry
	logger      *slog.Logger
	stack       *stack

	// lifetime scopes background work (replica subscription, failover).
	lifetime  context.Context
	cancel    context.CancelFunc
	failovers sync.WaitGroup
	// mu orders failover starts against Close waiting for them.
	mu        sync.Mutex
	closing   bool
	closeOnce sync.Once
	closeErr  error
}

// Option defines a functional option for configuring the Node.
type Option func(*nodeOptions)

type nodeOptions struct {
	logger     *slog.Logger
	registry   *prometheus.Registry
	transport  *replication.InProcessTransport
	membership *affinity.StaticMembership
	directory  *affinity.Directory
	extra      []lifecycle.Option
}

// WithLogger sets a custom structured logger for the node.
func WithLogger(logger *slog.Logger) Option {
	return func(o *nodeOptions) {
		o.logger = logger
	}
}

// WithRegistry registers the node's metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *nodeOptions) {
		o.registry = reg
	}
}

// WithInProcessTransport shares an in-process replication transport between
// nodes of the same process. It is used when replication.transport is "inprocess".
func WithInProcessTransport(t *replication.InProcessTransport) Option {
	return func(o *nodeOptions) {
		o.transport = t
	}
}

// WithMembership injects the cluster view instead of a static one built from
// node_id and peers.
func WithMembership(m *affinity.StaticMembership) Option {
	return func(o *nodeOptions) {
		o.membership = m
	}
}

// WithDirectory injects a shared affinity directory.
func WithDirectory(d *affinity.Directory) Option {
	return func(o *nodeOptions) {
		o.directory = d
	}
}

// WithCoordinatorOptions appends options applied after the ones derived from config.
func WithCoordinatorOptions(opts ...lifecycle.Option) Option {
	return func(o *nodeOptions) {
		o.extra = append(o.extra, opts...)
	}
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	switch cfg.Format {
	case "json":
		return logging.NewJSON(os.Stderr, level), nil
	case "", "text":
		return logging.New(level), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// New builds a node: membership, affinity directory, monitor, checkpoint store
// and lifecycle coordinator. cfg is validated; a nil cfg means config.Default().
func New(ctx context.Context, cfg *config.Config, codec ports.InstanceCodec, opts ...Option) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &nodeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	logger := o.logger.With("node", cfg.NodeID)

	n := &Node{
		config:   cfg,
		logger:   logger,
		registry: o.registry,
		stack:    &stack{},
	}
	n.lifetime, n.cancel = context.WithCancel(context.WithoutCancel(ctx))

	n.membership = o.membership
	if n.membership == nil {
		peers := make([]domain.NodeID, 0, len(cfg.Peers))
		for _, p := range cfg.Peers {
			peers = append(peers, domain.NodeID(p))
		}
		n.membership = affinity.NewStaticMembership(domain.NodeID(cfg.NodeID), peers...)
	}
	n.directory = o.directory
	if n.directory == nil {
		n.directory = affinity.NewDirectory(n.membership, affinity.WithReplicas(cfg.Replication.Replicas))
	}

	if n.registry == nil {
		n.registry = prometheus.NewRegistry()
		n.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	monitor := observability.NewMonitor(observability.WithRegisterer(n.registry))
	if err := n.registry.Register(observability.NewCollector(monitor, prometheus.Labels{"node": cfg.NodeID})); err != nil {
		return nil, fmt.Errorf("failed to register collector: %w", err)
	}

	if err := n.build(ctx, codec, monitor, o); err != nil {
		n.cancel()
		return nil, errors.Join(err, n.stack.close())
	}

	n.membership.OnNodeDown(n.onNodeDown)
	logger.Info("keel node ready", "backend", cfg.Backend, "capacity", cfg.Capacity, "policy", cfg.CheckpointPolicy)
	return n, nil
}

func (n *Node) build(ctx context.Context, codec ports.InstanceCodec, monitor *observability.Monitor, o *nodeOptions) error {
	cfg := n.config
	if err := n.stack.open(ctx, cfg, n.logger); err != nil {
		return err
	}
	if cfg.Backend == config.BackendReplicated {
		if err := n.replicate(ctx, o.transport); err != nil {
			return err
		}
	}
	if err := n.stack.encrypt(cfg.Encryption); err != nil {
		return err
	}

	coordOpts := []lifecycle.Option{
		lifecycle.WithLogger(n.logger),
		lifecycle.WithCapacity(cfg.Capacity),
		lifecycle.WithPolicy(lifecycle.CheckpointPolicy(cfg.CheckpointPolicy)),
		lifecycle.WithIdleTimeout(cfg.IdleTimeout()),
		lifecycle.WithCheckpointTimeout(cfg.CheckpointTimeout),
		lifecycle.WithCheckpointTTL(cfg.CheckpointTTL),
		lifecycle.WithRetry(lifecycle.RetryPolicy{
			MaxRetries:      cfg.Retry.MaxRetries,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		}),
		lifecycle.WithMembership(n.membership),
		lifecycle.WithDirectory(n.directory),
		lifecycle.WithMonitor(monitor),
	}

	// Shared backends let any node activate any key. A redis lock keeps
	// activation single across the cluster and an ownership lease keeps one
	// live instance per session while it stays resident.
	shared := cfg.Backend == config.BackendRedis || cfg.Backend == config.BackendSharedDB
	if shared && cfg.Redis.Address != "" {
		client, err := n.stack.redisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		locker := redisstore.NewLocker(client, cfg.Redis.Prefix)
		lockTTL := cfg.CheckpointTimeout * time.Duration(cfg.Retry.MaxRetries+1)
		coordOpts = append(coordOpts,
			lifecycle.WithLocker(locker, lockTTL),
			lifecycle.WithLease(locker, cfg.LeaseTTL),
		)
	} else if shared && n.stack.lease != nil {
		coordOpts = append(coordOpts, lifecycle.WithLease(n.stack.lease, cfg.LeaseTTL))
	}

	coordinator, err := lifecycle.New(n.stack.store, codec, append(coordOpts, o.extra...)...)
	if err != nil {
		return err
	}
	n.coordinator = coordinator
	return nil
}

// replicate wraps the local store so every checkpoint is copied to the
// session's backup nodes, and starts receiving copies addressed to this node.
func (n *Node) replicate(ctx context.Context, inproc *replication.InProcessTransport) error {
	cfg := n.config
	self := domain.NodeID(cfg.NodeID)

	var transport ports.ReplicationTransport
	var redisTransport *replication.RedisTransport
	switch cfg.Replication.Transport {
	case config.TransportInProcess:
		if inproc == nil {
			inproc = replication.NewInProcessTransport()
		}
		transport = inproc
	case config.TransportRedis:
		client, err := n.stack.redisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		redisTransport = replication.NewRedisTransport(client,
			replication.WithChannelPrefix(cfg.Redis.Prefix+"replica:"),
			replication.WithTransportLogger(n.logger),
		)
		transport = redisTransport
	default:
		return fmt.Errorf("unknown replication transport %q", cfg.Replication.Transport)
	}

	store := replication.NewStore(n.stack.store, transport, n.directory.Backups, replication.WithLogger(n.logger))
	n.stack.store = store
	receiver := &directoryFeed{Store: store, directory: n.directory, membership: n.membership}

	if redisTransport != nil {
		stop, err := redisTransport.Subscribe(n.lifetime, self, receiver)
		if err != nil {
			return err
		}
		n.stack.onClose(stop)
		return nil
	}
	inproc.Register(self, receiver)
	n.stack.onClose(func() error {
		inproc.Unregister(self)
		return nil
	})
	return nil
}

// directoryFeed learns session ownership from received replicas, so a backup
// knows what to take over when the owner fails.
type directoryFeed struct {
	*replication.Store
	directory  *affinity.Directory
	membership ports.Membership
}

func (f *directoryFeed) Receive(ctx context.Context, record *domain.CheckpointRecord) error {
	if err := f.Store.Receive(ctx, record); err != nil {
		return err
	}
	if record.Tombstone {
		f.directory.Remove(record.Key)
		return nil
	}
	if record.OwnerNodeID == "" {
		return nil
	}
	if cur, ok := f.directory.Lookup(record.Key); ok && cur.Owner != record.OwnerNodeID && f.membership.IsAlive(cur.Owner) {
		return nil
	}
	f.directory.Assign(record.Key, record.OwnerNodeID)
	return nil
}

func (n *Node) onNodeDown(failed domain.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closing {
		return
	}
	n.failovers.Add(1)
	go func() {
		defer n.failovers.Done()
		if err := n.coordinator.HandleNodeDown(n.lifetime, failed); err != nil {
			n.logger.Error("failover incomplete", "failed_node", failed, "err", err)
		}
	}()
}

// ID returns this node's identifier.
func (n *Node) ID() domain.NodeID {
	return n.coordinator.Node()
}

// Config returns the configuration the node was built from.
func (n *Node) Config() *config.Config {
	return n.config
}

// Coordinator returns the lifecycle coordinator serving invocations.
func (n *Node) Coordinator() *lifecycle.Coordinator {
	return n.coordinator
}

// Membership returns the node's cluster view. MarkDown on it triggers failover.
func (n *Node) Membership() *affinity.StaticMembership {
	return n.membership
}

// Directory returns the session affinity directory.
func (n *Node) Directory() *affinity.Directory {
	return n.directory
}

// Gatherer returns the registry holding the node's metrics.
func (n *Node) Gatherer() prometheus.Gatherer {
	return n.registry
}

// Run sweeps idle instances until ctx is canceled.
func (n *Node) Run(ctx context.Context) error {
	return n.coordinator.Run(ctx)
}

// WaitFailovers blocks until in-flight failovers complete.
func (n *Node) WaitFailovers() {
	n.failovers.Wait()
}

// Close passivates every resident instance and releases the store.
// Instances that cannot be checkpointed are reported, not dropped silently.
func (n *Node) Close(ctx context.Context) error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closing = true
		n.mu.Unlock()
		n.cancel()
		n.failovers.Wait()
		shutdownErr := n.coordinator.Shutdown(ctx)
		if shutdownErr != nil {
			n.logger.Error("shutdown left sessions unsaved", "err", shutdownErr)
		}
		n.closeErr = errors.Join(shutdownErr, n.stack.close())
	})
	return n.closeErr
}
