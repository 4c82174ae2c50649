package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/ports"
)

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey seals every new checkpoint. Must be 32 bytes (AES-256).
	ActiveKey []byte

	// FallbackKeys still open checkpoints sealed before a key rotation.
	FallbackKeys [][]byte
}

var errUndecryptable = errors.New("no key opens the checkpoint")

// sealer encrypts checkpoint state with the active key and opens it with
// the active key or any fallback.
type sealer struct {
	keys []cipher.AEAD // keys[0] is active
}

func newSealer(cfg EncryptionConfig) (*sealer, error) {
	raw := append([][]byte{cfg.ActiveKey}, cfg.FallbackKeys...)
	s := &sealer{keys: make([]cipher.AEAD, 0, len(raw))}
	for i, k := range raw {
		if len(k) != 32 {
			if i == 0 {
				return nil, errors.New("active key must be 32 bytes (AES-256)")
			}
			return nil, fmt.Errorf("fallback key %d must be 32 bytes (AES-256)", i-1)
		}
		block, err := aes.NewCipher(k)
		if err != nil {
			return nil, err
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		s.keys = append(s.keys, gcm)
	}
	return s, nil
}

// seal returns nonce||ciphertext. aad binds the result to one session.
func (s *sealer) seal(plain, aad []byte) ([]byte, error) {
	gcm := s.keys[0]
	nonce := make([]byte, gcm.NonceSize(), gcm.NonceSize()+len(plain)+gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, aad), nil
}

func (s *sealer) open(sealed, aad []byte) ([]byte, error) {
	for _, gcm := range s.keys {
		n := gcm.NonceSize()
		if len(sealed) < n+gcm.Overhead() {
			return nil, errors.New("ciphertext too short")
		}
		if plain, err := gcm.Open(nil, sealed[:n], sealed[n:], aad); err == nil {
			return plain, nil
		}
	}
	return nil, errUndecryptable
}

type encryptionMiddleware struct {
	next ports.CheckpointStore
	s    *sealer
}

// NewEncryptionMiddleware creates a middleware that encrypts checkpoint state
// using AES-GCM. The session key is bound as additional data, so a ciphertext
// copied onto another session fails to decrypt.
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	s, err := newSealer(config)
	if err != nil {
		return nil, err
	}
	return func(next ports.CheckpointStore) ports.CheckpointStore {
		return &encryptionMiddleware{next: next, s: s}
	}, nil
}

func (m *encryptionMiddleware) Save(ctx context.Context, record *domain.CheckpointRecord) error {
	if record.Tombstone || len(record.State) == 0 {
		return m.next.Save(ctx, record)
	}

	sealed, err := m.s.seal(record.State, record.Key[:])
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	cp := *record
	cp.State = sealed
	return m.next.Save(ctx, &cp)
}

func (m *encryptionMiddleware) Load(ctx context.Context, key domain.SessionKey) (*domain.CheckpointRecord, error) {
	record, err := m.next.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(record.State) == 0 {
		return record, nil
	}

	plain, err := m.s.open(record.State, key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state of %s: %w", key, err)
	}
	record.State = plain
	return record, nil
}

func (m *encryptionMiddleware) Remove(ctx context.Context, key domain.SessionKey) error {
	return m.next.Remove(ctx, key)
}

func (m *encryptionMiddleware) Size(ctx context.Context) (int, error) {
	return m.next.Size(ctx)
}

func (m *encryptionMiddleware) List(ctx context.Context) ([]domain.SessionKey, error) {
	return m.next.List(ctx)
}

// RemoveExpired delegates when the wrapped store supports expiry.
func (m *encryptionMiddleware) RemoveExpired(ctx context.Context, idleFor time.Duration) (int, error) {
	if exp, ok := m.next.(ports.Expirer); ok {
		return exp.RemoveExpired(ctx, idleFor)
	}
	return 0, nil
}
