package domain

import (
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// KeySize is the length in bytes of a serialized SessionKey.
const KeySize = 16

// SessionKey identifies a stateful session.
// It is a comparable value type: equality and map hashing are over the raw bytes.
type SessionKey [KeySize]byte

// IsZero reports whether k is the zero key, which is never minted.
func (k SessionKey) IsZero() bool {
	return k == SessionKey{}
}

// Hash returns a 64-bit hash of the key bytes.
func (k SessionKey) Hash() uint64 {
	return xxhash.Sum64(k[:])
}

// String returns the lowercase hex form used by storage backends and logs.
func (k SessionKey) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler.
func (k SessionKey) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(KeySize))
	hex.Encode(out, k[:])
	return out, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *SessionKey) UnmarshalText(text []byte) error {
	if len(text) != hex.EncodedLen(KeySize) {
		return fmt.Errorf("%w: expected %d hex chars, got %d", ErrInvalidKeyFormat, hex.EncodedLen(KeySize), len(text))
	}
	if _, err := hex.Decode(k[:], text); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return nil
}
