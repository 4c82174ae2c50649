package middleware_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/aretw0/keel/pkg/adapters/memory"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/persistence/middleware"
	"github.com/aretw0/keel/pkg/ports"
	"github.com/aretw0/keel/pkg/sessionkey"
)

func generateKey(t *testing.T) []byte {
	k := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		t.Fatal(err)
	}
	return k
}

func encrypted(t *testing.T, next ports.CheckpointStore, cfg middleware.EncryptionConfig) ports.CheckpointStore {
	t.Helper()
	mw, err := middleware.NewEncryptionMiddleware(cfg)
	if err != nil {
		t.Fatalf("NewEncryptionMiddleware failed: %v", err)
	}
	return middleware.Chain(next, mw)
}

func TestEncryptionMiddleware_Contract(t *testing.T) {
	ports.RunCheckpointStoreContract(t, encrypted(t, memory.NewStore(), middleware.EncryptionConfig{ActiveKey: generateKey(t)}))
}

func TestEncryptionMiddleware_Roundtrip(t *testing.T) {
	underlyingStore := memory.NewStore()
	secureStore := encrypted(t, underlyingStore, middleware.EncryptionConfig{ActiveKey: generateKey(t)})

	ctx := context.Background()
	key := sessionkey.MustMint()
	secret := []byte(`{"secret":"my-secret-sauce"}`)

	// 1. Save
	if err := secureStore.Save(ctx, &domain.CheckpointRecord{Key: key, Version: 1, State: secret, StoredAt: time.Now()}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// 2. Verify Underlying Store directly (Should be encrypted)
	stored, err := underlyingStore.Load(ctx, key)
	if err != nil {
		t.Fatalf("Underlying load failed: %v", err)
	}
	if bytes.Contains(stored.State, []byte("my-secret-sauce")) {
		t.Fatalf("Expected secret to be hidden, found: %s", stored.State)
	}
	if stored.Version != 1 {
		t.Errorf("Expected version to pass through, got %d", stored.Version)
	}

	// 3. Load via Middleware (Should be decrypted)
	loaded, err := secureStore.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load via middleware failed: %v", err)
	}
	if !bytes.Equal(loaded.State, secret) {
		t.Errorf("Expected %s, got %s", secret, loaded.State)
	}
}

func TestEncryptionMiddleware_KeyRotation(t *testing.T) {
	underlyingStore := memory.NewStore()
	oldKey := generateKey(t)
	newKey := generateKey(t)

	secureStoreOld := encrypted(t, underlyingStore, middleware.EncryptionConfig{ActiveKey: oldKey})

	ctx := context.Background()
	key := sessionkey.MustMint()

	// 1. Save with OLD key
	if err := secureStoreOld.Save(ctx, &domain.CheckpointRecord{Key: key, Version: 1, State: []byte("old")}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// 2. Load with NEW key (Active) + OLD key (Fallback)
	secureStoreNew := encrypted(t, underlyingStore, middleware.EncryptionConfig{
		ActiveKey:    newKey,
		FallbackKeys: [][]byte{oldKey},
	})

	loaded, err := secureStoreNew.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load with rotated key failed: %v", err)
	}
	if string(loaded.State) != "old" {
		t.Errorf("Decryption with fallback key failed")
	}

	// 3. Save again (Should now be encrypted with NEW key)
	if err := secureStoreNew.Save(ctx, &domain.CheckpointRecord{Key: key, Version: 2, State: []byte("new")}); err != nil {
		t.Fatalf("Save with new key failed: %v", err)
	}

	// 4. Verify we CANNOT load with just OLD key anymore
	if _, err := secureStoreOld.Load(ctx, key); err == nil {
		t.Error("Expected failure when loading new-key encryption with old-key middleware")
	}
}

func TestEncryptionMiddleware_CiphertextBoundToSession(t *testing.T) {
	underlyingStore := memory.NewStore()
	secureStore := encrypted(t, underlyingStore, middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	ctx := context.Background()

	victim, attacker := sessionkey.MustMint(), sessionkey.MustMint()
	if err := secureStore.Save(ctx, &domain.CheckpointRecord{Key: victim, Version: 1, State: []byte("victim data")}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Copy the sealed state under another session key.
	stolen, _ := underlyingStore.Load(ctx, victim)
	stolen.Key = attacker
	if err := underlyingStore.Save(ctx, stolen); err != nil {
		t.Fatalf("Underlying save failed: %v", err)
	}

	if _, err := secureStore.Load(ctx, attacker); err == nil {
		t.Error("Expected decryption to fail for a transplanted ciphertext")
	}
}

func TestEncryptionMiddleware_InvalidKey(t *testing.T) {
	if _, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: []byte("short-key")}); err == nil {
		t.Error("Expected error for invalid key size")
	}
	_, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
		ActiveKey:    generateKey(t),
		FallbackKeys: [][]byte{[]byte("short")},
	})
	if err == nil {
		t.Error("Expected error for invalid fallback key size")
	}
}
