// Package signedauth provides the default ed25519-backed Signer/Verifier
// pair used by pkg/auth's remote handshake. Concrete signature schemes are
// an out-of-scope collaborator per the daemon's auth contract; this package
// ships a usable default so meshd is runnable standalone.
package signedauth

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ed25519"
)

// KeyPair holds an ed25519 key pair and renders its public half as a
// base58 identity string, mirroring the teacher's address-encoding idiom.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh random ed25519 KeyPair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signedauth: generating key pair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// LoadOrGenerate reads a raw ed25519 private key from path, generating and
// persisting a fresh one if path does not yet exist. This is how a node's
// identity survives restarts without requiring operator-managed key
// material.
func LoadOrGenerate(path string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("signedauth: %q does not hold an ed25519 private key", path)
		}
		priv := ed25519.PrivateKey(raw)
		return &KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("signedauth: reading %q: %w", path, err)
	}

	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("signedauth: creating key directory: %w", err)
	}
	if err := os.WriteFile(path, kp.Private, 0o600); err != nil {
		return nil, fmt.Errorf("signedauth: writing %q: %w", path, err)
	}
	return kp, nil
}

// Identity renders the public key as a base58 string, suitable for use as
// the ConnectRequest identity and in log lines.
func (k *KeyPair) Identity() string {
	return base58.Encode(k.Public)
}

// Sign implements auth.Signer.
func (k *KeyPair) Sign(nonce []byte) ([]byte, error) {
	return ed25519.Sign(k.Private, nonce), nil
}

// Registry is a default auth.Verifier backed by a base58-identity →
// ed25519 public key map, populated out of band (e.g. from the peer
// manager's known-peers list).
type Registry struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewRegistry creates an empty key Registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]ed25519.PublicKey)}
}

// Trust records identity's public key so future Verify calls for it
// succeed.
func (r *Registry) Trust(identity string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[identity] = pub
}

// TrustSelf registers a KeyPair's own identity, useful for loopback/testing
// setups where a node authorizes connections from itself.
func (r *Registry) TrustSelf(k *KeyPair) {
	r.Trust(k.Identity(), k.Public)
}

// Verify implements auth.Verifier. identity is decoded from base58 only to
// validate it round-trips to the public key on file; the actual check
// compares against the key that was explicitly trusted via Trust.
func (r *Registry) Verify(identity string, nonce, signature []byte) error {
	r.mu.RLock()
	pub, ok := r.keys[identity]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("signedauth: unknown identity %q", identity)
	}
	decoded, err := base58.Decode(identity)
	if err != nil || len(decoded) != ed25519.PublicKeySize {
		return fmt.Errorf("signedauth: malformed identity %q", identity)
	}
	if string(decoded) != string(pub) {
		return fmt.Errorf("signedauth: identity %q does not match its trusted key", identity)
	}
	if !ed25519.Verify(pub, nonce, signature) {
		return fmt.Errorf("signedauth: signature mismatch for %q", identity)
	}
	return nil
}
