package memory

import (
	"context"
	"sync"

	"dca-vault-engine/internal/storage"
)

// ConfigStore is an in-memory implementation of storage.ConfigStore.
type ConfigStore struct {
	mu       sync.RWMutex
	versions map[int64][]byte
	latest   int64
}

// NewConfigStore creates a new in-memory config store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		versions: make(map[int64][]byte),
	}
}

// Compile-time interface check.
var _ storage.ConfigStore = (*ConfigStore)(nil)

// SaveVersion stores a config document.
func (s *ConfigStore) SaveVersion(_ context.Context, version int64, doc []byte) error {
	if version <= 0 || len(doc) == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.versions[version]; exists {
		return storage.ErrDuplicateKey
	}
	s.versions[version] = append([]byte(nil), doc...)
	if version > s.latest {
		s.latest = version
	}
	return nil
}

// Latest returns the highest stored version.
func (s *ConfigStore) Latest(_ context.Context) (int64, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == 0 {
		return 0, nil, storage.ErrNotFound
	}
	return s.latest, append([]byte(nil), s.versions[s.latest]...), nil
}
