package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aretw0/keel/internal/logging"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in missing values.
func (c *Config) ApplyDefaults() {
	if c.NodeID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.NodeID = host
		} else {
			c.NodeID = "local"
		}
	}
	if c.Capacity == 0 {
		c.Capacity = 1000
	}
	if c.CheckpointPolicy == "" {
		c.CheckpointPolicy = PolicyEveryCall
	}
	if c.Backend == "" {
		c.Backend = BackendLocalDisk
	}
	if c.CheckpointTimeout == 0 {
		c.CheckpointTimeout = 5 * time.Second
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 30 * time.Second
	}

	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = 50 * time.Millisecond
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = time.Second
	}

	if c.Disk.Engine == "" {
		c.Disk.Engine = DiskEngineFile
	}
	if c.Disk.Path == "" {
		c.Disk.Path = filepath.Join(".keel", "checkpoints")
	}

	if c.Replication.Replicas == 0 {
		c.Replication.Replicas = 1
	}
	if c.Replication.Transport == "" {
		c.Replication.Transport = TransportRedis
	}

	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "keel:"
	}

	if c.Backend == BackendSharedDB {
		c.Database.ApplyDefaults()
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Admin.Address == "" {
		c.Admin.Address = ":8680"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	if c.Capacity < 1 {
		errs = append(errs, fmt.Errorf("capacity must be positive, got %d", c.Capacity))
	}
	if c.IdleTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("idle_timeout_ms must not be negative"))
	}
	if c.CheckpointTimeout <= 0 {
		errs = append(errs, fmt.Errorf("checkpoint_timeout must be positive"))
	}
	if c.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("lease_ttl must be positive"))
	}

	switch c.CheckpointPolicy {
	case PolicyEveryCall, PolicyOnPassivateOnly:
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint_policy %q", c.CheckpointPolicy))
	}

	switch c.Backend {
	case BackendMemory:
	case BackendLocalDisk:
		errs = append(errs, c.validateDisk())
	case BackendReplicated:
		errs = append(errs, c.validateDisk())
		if c.Replication.Replicas < 0 {
			errs = append(errs, fmt.Errorf("replication.replicas must not be negative"))
		}
		switch c.Replication.Transport {
		case TransportInProcess:
		case TransportRedis:
			if c.Redis.Address == "" {
				errs = append(errs, fmt.Errorf("redis replication transport requires redis.address"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown replication.transport %q", c.Replication.Transport))
		}
	case BackendRedis:
		if c.Redis.Address == "" {
			errs = append(errs, fmt.Errorf("REDIS backend requires redis.address"))
		}
	case BackendSharedDB:
		if err := c.Database.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	if c.Encryption.Enabled {
		if _, err := DecodeKey(c.Encryption.Key); err != nil {
			errs = append(errs, fmt.Errorf("encryption.key: %w", err))
		}
		for i, k := range c.Encryption.PreviousKeys {
			if _, err := DecodeKey(k); err != nil {
				errs = append(errs, fmt.Errorf("encryption.previous_keys[%d]: %w", i, err))
			}
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func (c *Config) validateDisk() error {
	switch c.Disk.Engine {
	case DiskEngineFile, DiskEngineBadger:
	default:
		return fmt.Errorf("unknown disk.engine %q", c.Disk.Engine)
	}
	if c.Disk.Path == "" {
		return fmt.Errorf("disk.path is required")
	}
	return nil
}

// DecodeKey parses a hex encoded 32-byte AES key.
func DecodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
