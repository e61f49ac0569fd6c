package security

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	// minMasterKeyBytes rejects secrets too short to be worth deriving from.
	minMasterKeyBytes = 16
	// tenantKeyBytes is the derived HMAC key size.
	tenantKeyBytes = 32

	kdfSalt = "cmo-tenant-kdf"
)

// Keyring derives per-tenant HMAC keys from one master secret using
// HKDF-SHA256. Derivation is deterministic: the same master secret and
// tenant always yield the same key, so producers and consumers agree
// without a key exchange.
type Keyring struct {
	master []byte

	mu      sync.RWMutex
	derived map[string][]byte
}

// NewKeyring creates a keyring over the master secret.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) < minMasterKeyBytes {
		return nil, fmt.Errorf("keyring: master secret must be at least %d bytes, got %d", minMasterKeyBytes, len(master))
	}
	return &Keyring{
		master:  append([]byte(nil), master...),
		derived: make(map[string][]byte),
	}, nil
}

// KeyFor returns the 32-byte signing key for a tenant.
func (k *Keyring) KeyFor(tenant string) ([]byte, error) {
	if tenant == "" {
		return nil, fmt.Errorf("keyring: tenant must not be empty")
	}

	k.mu.RLock()
	key, ok := k.derived[tenant]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}

	r := hkdf.New(sha256.New, k.master, []byte(kdfSalt), []byte(tenant))
	key = make([]byte, tenantKeyBytes)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("keyring: derive key for tenant %q: %w", tenant, err)
	}

	k.mu.Lock()
	k.derived[tenant] = key
	k.mu.Unlock()
	return key, nil
}
