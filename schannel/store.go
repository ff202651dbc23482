package schannel

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// KeyStore returns the Netlogon session key established for a computer.
type KeyStore interface {
	SessionKey(ctx context.Context, computer string) ([]byte, error)
}

// MemoryStore is an in-memory KeyStore. Computer names are case-insensitive.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string][]byte)}
}

// SessionKey implements KeyStore.
func (ms *MemoryStore) SessionKey(_ context.Context, computer string) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	key, ok := ms.keys[strings.ToUpper(computer)]
	if !ok {
		return nil, ErrNoSession
	}
	return append([]byte(nil), key...), nil
}

// Put stores the session key of a computer.
func (ms *MemoryStore) Put(computer string, key []byte) error {
	if len(key) != KeySize {
		return ErrKeyLength
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.keys[strings.ToUpper(computer)] = append([]byte(nil), key...)
	return nil
}

// Delete removes the session key of a computer.
func (ms *MemoryStore) Delete(computer string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.keys, strings.ToUpper(computer))
}

// List returns the known computer names in sorted order.
func (ms *MemoryStore) List() []string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	names := make([]string, 0, len(ms.keys))
	for name := range ms.keys {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Snapshot returns a copy of all stored keys.
func (ms *MemoryStore) Snapshot() map[string][]byte {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	keys := make(map[string][]byte, len(ms.keys))
	for name, key := range ms.keys {
		keys[name] = append([]byte(nil), key...)
	}
	return keys
}
