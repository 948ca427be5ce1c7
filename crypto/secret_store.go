package crypto

import (
	"errors"
	"sync"
)

// ErrSecretNotFound is returned by Load for keys that were never saved or
// have been deleted.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore persists small secrets such as static keys. Load after Save
// returns the same bytes until Delete. SecureClear wipes a transient buffer
// the caller no longer needs.
type SecretStore interface {
	Save(key string, value []byte) error
	Load(key string) ([]byte, error)
	Delete(key string) error
	SecureClear(buf []byte)
}

// MemoryStore is an in-process SecretStore. Values are copied in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string][]byte)}
}

// Save stores a copy of value under key, wiping any previous value.
func (s *MemoryStore) Save(key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.secrets[key]; ok {
		ZeroBytes(old)
	}
	s.secrets[key] = stored
	return nil
}

// Load returns a copy of the value stored under key.
func (s *MemoryStore) Load(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.secrets[key]
	if !ok {
		return nil, ErrSecretNotFound
	}
	out := make([]byte, len(stored))
	copy(out, stored)
	return out, nil
}

// Delete wipes and removes the value under key.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.secrets[key]; ok {
		ZeroBytes(old)
		delete(s.secrets, key)
	}
	return nil
}

// SecureClear zeroes buf.
func (s *MemoryStore) SecureClear(buf []byte) {
	ZeroBytes(buf)
}
