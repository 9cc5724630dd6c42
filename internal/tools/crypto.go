package tools

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/isorun/isorun/internal/models"
	"github.com/isorun/isorun/internal/scope"
)

// cryptoState is the per-installation counter/cap tracking for one scope's
// crypto tool instance, closed over by the injected functions.
type cryptoState struct {
	calls int64
	cap   int64
}

func (c *cryptoState) allow() error {
	if atomic.AddInt64(&c.calls, 1) > c.cap {
		return fmt.Errorf("crypto: call budget exceeded (%d calls)", c.cap)
	}
	return nil
}

// CryptoTool installs getRandomValues/randomUUID/subtleCrypto into the isolate's
// global scope, bounded by Internal.Limits.CryptoByteCap per call and
// Limits.CryptoCallCap total, never requesting any capability (spec.md
// §4.3: crypto is always available, it needs no grant). Grounded on
// internal/ai/tools' Setup-closure-over-limits pattern; "subtle" uses
// golang.org/x/crypto/blake2b for hashing and chacha20poly1305 for
// authenticated encryption, both teacher root deps otherwise unused by a
// pure JS sandbox.
func CryptoTool() Tool {
	return Tool{
		Name: "crypto",
		Setup: func(s *scope.Scope, internal *Internal, config any) error {
			st := &cryptoState{cap: int64(internal.Limits.CryptoCallCap)}
			if st.cap <= 0 {
				st.cap = int64(DefaultLimits().CryptoCallCap)
			}
			byteCap := internal.Limits.CryptoByteCap
			if byteCap <= 0 {
				byteCap = DefaultLimits().CryptoByteCap
			}

			getRandomValues := func(n int) ([]byte, error) {
				if err := st.allow(); err != nil {
					return nil, err
				}
				if n < 0 || n > byteCap {
					return nil, fmt.Errorf("crypto: requested %d bytes exceeds cap %d", n, byteCap)
				}
				buf := make([]byte, n)
				if _, err := rand.Read(buf); err != nil {
					return nil, fmt.Errorf("crypto: getRandomValues: %w", err)
				}
				return buf, nil
			}

			randomUUID := func() (string, error) {
				if err := st.allow(); err != nil {
					return "", err
				}
				return uuid.New().String(), nil
			}

			subtleDigest := func(data []byte) ([]byte, error) {
				if err := st.allow(); err != nil {
					return nil, err
				}
				sum := blake2b.Sum256(data)
				return sum[:], nil
			}

			subtleSeal := func(key, nonce, plaintext []byte) ([]byte, error) {
				if err := st.allow(); err != nil {
					return nil, err
				}
				aead, err := chacha20poly1305.New(key)
				if err != nil {
					return nil, fmt.Errorf("crypto: subtle.seal: %w", err)
				}
				if len(nonce) != aead.NonceSize() {
					return nil, fmt.Errorf("crypto: subtle.seal: nonce must be %d bytes", aead.NonceSize())
				}
				return aead.Seal(nil, nonce, plaintext, nil), nil
			}

			subtleOpen := func(key, nonce, ciphertext []byte) ([]byte, error) {
				if err := st.allow(); err != nil {
					return nil, err
				}
				aead, err := chacha20poly1305.New(key)
				if err != nil {
					return nil, fmt.Errorf("crypto: subtle.open: %w", err)
				}
				return aead.Open(nil, nonce, ciphertext, nil)
			}

			if err := s.Inject("getRandomValues", getRandomValues); err != nil {
				return err
			}
			if err := s.Inject("randomUUID", randomUUID); err != nil {
				return err
			}
			subtle := map[string]any{
				"digest": subtleDigest,
				"seal":   subtleSeal,
				"open":   subtleOpen,
			}
			return s.Inject("subtleCrypto", subtle)
		},
		Teardown: func(s *scope.Scope, internal *Internal) error {
			s.ForceDelete("getRandomValues")
			s.ForceDelete("randomUUID")
			s.ForceDelete("subtleCrypto")
			return nil
		},
		Permissions: func(internal *Internal, config any) *models.PermissionSet {
			return models.NonePermissions()
		},
	}
}
