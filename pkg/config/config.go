// Package config loads and validates keel configuration.
//
// Sources in order of precedence:
//  1. Environment variables (KEEL_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Option maps handed over by a host's DI container are decoded with FromMap.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/aretw0/keel/pkg/adapters/sql"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Backend names recognized by the backend option.
const (
	BackendMemory     = "MEMORY"
	BackendLocalDisk  = "LOCAL_DISK"
	BackendReplicated = "REPLICATED"
	BackendRedis      = "REDIS"
	BackendSharedDB   = "SHARED_DB"
)

// Checkpoint policies recognized by the checkpoint_policy option.
const (
	PolicyEveryCall       = "EVERY_CALL"
	PolicyOnPassivateOnly = "ON_PASSIVATE_ONLY"
)

// Disk engines for the LOCAL_DISK and REPLICATED backends.
const (
	DiskEngineFile   = "file"
	DiskEngineBadger = "badger"
)

// Replication transports.
const (
	TransportRedis     = "redis"
	TransportInProcess = "inprocess"
)

// Config is the complete keel configuration.
type Config struct {
	// NodeID identifies this process in the cluster. Default: hostname.
	NodeID string `mapstructure:"node_id" yaml:"node_id"`

	// Peers lists the other cluster members.
	Peers []string `mapstructure:"peers" yaml:"peers,omitempty"`

	// Capacity is the soft bound on resident instances.
	Capacity int `mapstructure:"capacity" yaml:"capacity"`

	// IdleTimeoutMS passivates instances unused for this long. 0 disables it.
	IdleTimeoutMS int64 `mapstructure:"idle_timeout_ms" yaml:"idle_timeout_ms"`

	// CheckpointPolicy is EVERY_CALL or ON_PASSIVATE_ONLY.
	CheckpointPolicy string `mapstructure:"checkpoint_policy" yaml:"checkpoint_policy"`

	// Backend is MEMORY, LOCAL_DISK, REPLICATED, REDIS or SHARED_DB.
	Backend string `mapstructure:"backend" yaml:"backend"`

	// CheckpointTimeout bounds each store call.
	CheckpointTimeout time.Duration `mapstructure:"checkpoint_timeout" yaml:"checkpoint_timeout"`

	// CheckpointTTL purges checkpoints not written for this long. 0 keeps them.
	CheckpointTTL time.Duration `mapstructure:"checkpoint_ttl" yaml:"checkpoint_ttl"`

	// LeaseTTL bounds how long a crashed node keeps its sessions on a shared
	// backend. Live nodes renew their leases every LeaseTTL/3.
	LeaseTTL time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`

	Retry       RetryConfig       `mapstructure:"retry" yaml:"retry"`
	Disk        DiskConfig        `mapstructure:"disk" yaml:"disk"`
	Replication ReplicationConfig `mapstructure:"replication" yaml:"replication"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Database    sql.Config        `mapstructure:"database" yaml:"database"`
	Encryption  EncryptionConfig  `mapstructure:"encryption" yaml:"encryption"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Admin       AdminConfig       `mapstructure:"admin" yaml:"admin"`
}

// RetryConfig bounds retries of store I/O.
type RetryConfig struct {
	MaxRetries      uint64        `mapstructure:"max_retries" yaml:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
}

// DiskConfig configures local checkpoint storage.
type DiskConfig struct {
	// Engine is "file" (one JSON file per session) or "badger".
	Engine string `mapstructure:"engine" yaml:"engine"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// ReplicationConfig configures the REPLICATED backend.
type ReplicationConfig struct {
	// Replicas is the number of backup nodes per session.
	Replicas int `mapstructure:"replicas" yaml:"replicas"`

	// Transport is "redis" (pub/sub) or "inprocess".
	Transport string `mapstructure:"transport" yaml:"transport"`
}

// RedisConfig configures the REDIS backend, the distributed locker and the
// redis replication transport.
type RedisConfig struct {
	Address  string        `mapstructure:"address" yaml:"address"`
	Password string        `mapstructure:"password" yaml:"password,omitempty"`
	DB       int           `mapstructure:"db" yaml:"db"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// EncryptionConfig enables AES-GCM encryption of checkpoint state at rest.
type EncryptionConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Key is the active 32-byte key, hex encoded.
	Key string `mapstructure:"key" yaml:"key,omitempty"`

	// PreviousKeys are still accepted for decryption during key rotation.
	PreviousKeys []string `mapstructure:"previous_keys" yaml:"previous_keys,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text, json
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// IdleTimeout returns IdleTimeoutMS as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// Load loads configuration from file, environment and defaults.
// An empty configPath looks for ./keel.yaml; a missing file yields the defaults
// plus environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// FromMap decodes an option map, e.g. one produced by a DI container.
func FromMap(options map[string]any) (*Config, error) {
	cfg := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decodeHooks(),
		Result:           cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(options); err != nil {
		return nil, fmt.Errorf("failed to decode options: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions, since it may hold keys.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variables and the config file location.
// Example: KEEL_REDIS_ADDRESS=localhost:6379
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("KEEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper knows about.
	for _, key := range knownKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("keel")
	v.SetConfigType("yaml")
}

var knownKeys = []string{
	"node_id", "peers", "capacity", "idle_timeout_ms", "checkpoint_policy", "backend",
	"checkpoint_timeout", "checkpoint_ttl", "lease_ttl",
	"retry.max_retries", "retry.initial_interval", "retry.max_interval",
	"disk.engine", "disk.path",
	"replication.replicas", "replication.transport",
	"redis.address", "redis.password", "redis.db", "redis.prefix", "redis.ttl",
	"database.type", "database.sqlite.path",
	"database.postgres.host", "database.postgres.port", "database.postgres.database",
	"database.postgres.user", "database.postgres.password", "database.postgres.sslmode",
	"database.postgres.url",
	"encryption.enabled", "encryption.key",
	"logging.level", "logging.format",
	"admin.address",
}

// readConfigFile reads the configuration file. A missing file is not an error.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook accepts "30s"-style strings and raw nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
