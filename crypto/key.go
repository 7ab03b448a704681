package crypto

import (
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// DerivedKey is a symmetric AES-256 key held in a memguard Enclave, so the
// key bytes stay encrypted in memory except while an operation uses them.
// Call Destroy when the key is no longer needed.
type DerivedKey struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
}

// newDerivedKey seals raw into an enclave. memguard wipes raw.
func newDerivedKey(raw []byte) *DerivedKey {
	return &DerivedKey{enclave: memguard.NewEnclave(raw)}
}

// withKey opens the enclave for the duration of fn.
func (k *DerivedKey) withKey(fn func(raw []byte) error) error {
	if k == nil {
		return ErrKeyUnavailable
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.enclave == nil {
		return ErrKeyUnavailable
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("%w: opening key enclave: %w", ErrKeyUnavailable, err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Destroy drops the key material. Later operations fail with ErrKeyUnavailable.
func (k *DerivedKey) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.enclave = nil
}

// Destroyed reports whether Destroy has been called.
func (k *DerivedKey) Destroyed() bool {
	if k == nil {
		return true
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.enclave == nil
}
