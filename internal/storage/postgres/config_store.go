package postgres

import (
	"context"
	"fmt"

	"dca-vault-engine/internal/storage"
)

// ConfigStore implements storage.ConfigStore using PostgreSQL.
type ConfigStore struct {
	pool *Pool
}

// NewConfigStore creates a new ConfigStore.
func NewConfigStore(pool *Pool) *ConfigStore {
	return &ConfigStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ConfigStore = (*ConfigStore)(nil)

// SaveVersion stores a config document. Returns ErrDuplicateKey if version exists.
func (s *ConfigStore) SaveVersion(ctx context.Context, version int64, doc []byte) error {
	if version <= 0 || len(doc) == 0 {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO config_versions (version, doc) VALUES ($1, $2)
	`, version, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert config version %d: %w", version, err)
	}
	return nil
}

// Latest returns the highest stored version. Returns ErrNotFound if none.
func (s *ConfigStore) Latest(ctx context.Context) (int64, []byte, error) {
	var (
		version int64
		doc     []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT version, doc FROM config_versions ORDER BY version DESC LIMIT 1
	`).Scan(&version, &doc)
	if err != nil {
		if isNotFoundError(err) {
			return 0, nil, storage.ErrNotFound
		}
		return 0, nil, fmt.Errorf("get latest config: %w", err)
	}
	return version, doc, nil
}
