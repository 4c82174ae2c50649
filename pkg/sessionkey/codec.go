// Package sessionkey mints session keys and converts them to and from their
// wire forms. All functions are safe for concurrent use.
package sessionkey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/aretw0/keel/pkg/domain"
)

// TokenLen is the length of the textual token produced by Token.
// Unpadded base64 carries 6 bits per char.
const TokenLen = (domain.KeySize*8 + 5) / 6

var tokenEncoding = base64.RawURLEncoding

// Mint returns a new key with 128 bits drawn from crypto/rand.
func Mint() (domain.SessionKey, error) {
	return MintFrom(rand.Reader)
}

// MintFrom is Mint with an explicit entropy source.
// A source that yields the all-zero key is rejected, since zero marks "no key".
func MintFrom(r io.Reader) (domain.SessionKey, error) {
	var k domain.SessionKey
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return domain.SessionKey{}, fmt.Errorf("failed to read key entropy: %w", err)
	}
	if k.IsZero() {
		return domain.SessionKey{}, fmt.Errorf("entropy source produced the zero key")
	}
	return k, nil
}

// MustMint is Mint for tests and bootstrap code; it panics on failure.
func MustMint() domain.SessionKey {
	k, err := Mint()
	if err != nil {
		panic(err)
	}
	return k
}

// Serialize returns the fixed-length byte form of k.
func Serialize(k domain.SessionKey) []byte {
	out := make([]byte, domain.KeySize)
	copy(out, k[:])
	return out
}

// Deserialize parses the byte form produced by Serialize.
func Deserialize(b []byte) (domain.SessionKey, error) {
	var k domain.SessionKey
	if len(b) != domain.KeySize {
		return k, fmt.Errorf("%w: expected %d bytes, got %d", domain.ErrInvalidKeyFormat, domain.KeySize, len(b))
	}
	copy(k[:], b)
	if k.IsZero() {
		return domain.SessionKey{}, fmt.Errorf("%w: zero key", domain.ErrInvalidKeyFormat)
	}
	return k, nil
}

// Token returns the URL-safe form embedded in affinity cookies and headers.
func Token(k domain.SessionKey) string {
	return tokenEncoding.EncodeToString(k[:])
}

// ParseToken parses a token produced by Token.
func ParseToken(s string) (domain.SessionKey, error) {
	if len(s) != TokenLen {
		return domain.SessionKey{}, fmt.Errorf("%w: expected %d chars, got %d", domain.ErrInvalidKeyFormat, TokenLen, len(s))
	}
	b, err := tokenEncoding.DecodeString(s)
	if err != nil {
		return domain.SessionKey{}, fmt.Errorf("%w: %v", domain.ErrInvalidKeyFormat, err)
	}
	return Deserialize(b)
}

// ParseHex parses the hex form returned by SessionKey.String.
func ParseHex(s string) (domain.SessionKey, error) {
	var k domain.SessionKey
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return domain.SessionKey{}, err
	}
	return k, nil
}
