package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

var (
	// ErrLockAcquire is returned when the lock cannot be acquired.
	ErrLockAcquire = errors.New("failed to acquire distributed lock")
)

// unlockScript deletes the lock only if we still own it.
var unlockScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// claimScript sets the lease to ARGV[1] when it is free or already ours, and
// returns the holder either way.
var claimScript = backend.NewScript(`
local cur = redis.call("get", KEYS[1])
if (not cur) or cur == ARGV[1] then
	redis.call("set", KEYS[1], ARGV[1], "px", ARGV[2])
	return ARGV[1]
end
return cur
`)

// Locker implements ports.DistributedLocker and ports.OwnershipLease using Redis.
type Locker struct {
	client *backend.Client
	prefix string
	poll   time.Duration
}

// NewLocker creates a new Redis locker.
func NewLocker(client *backend.Client, prefix string) *Locker {
	return &Locker{
		client: client,
		prefix: prefix,
		poll:   100 * time.Millisecond,
	}
}

// Lock acquires a distributed lock for the given key using Redis SET NX PX.
// The lock value is a random token so that only the holder can release it.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key

	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockAcquire, err)
	}
	val := hex.EncodeToString(token)

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		success, err := l.client.SetNX(ctx, lockKey, val, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis error acquiring lock: %w", err)
		}
		if success {
			return func(ctx context.Context) error {
				return unlockScript.Run(ctx, l.client, []string{lockKey}, val).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrLockAcquire, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Claim takes or renews the ownership lease of key for node.
func (l *Locker) Claim(ctx context.Context, key string, node domain.NodeID, ttl time.Duration) (domain.NodeID, error) {
	holder, err := claimScript.Run(ctx, l.client, []string{l.prefix + "owner:" + key}, string(node), ttl.Milliseconds()).Text()
	if err != nil {
		return "", fmt.Errorf("%w: claim %s: %v", domain.ErrBackendUnavailable, key, err)
	}
	return domain.NodeID(holder), nil
}

// Release drops the ownership lease of key if node holds it.
func (l *Locker) Release(ctx context.Context, key string, node domain.NodeID) error {
	if err := unlockScript.Run(ctx, l.client, []string{l.prefix + "owner:" + key}, string(node)).Err(); err != nil {
		return fmt.Errorf("%w: release %s: %v", domain.ErrBackendUnavailable, key, err)
	}
	return nil
}
