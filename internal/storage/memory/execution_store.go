package memory

import (
	"context"
	"sort"
	"sync"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// ExecutionStore is an in-memory implementation of storage.ExecutionStore.
type ExecutionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.ExecutionRecord // keyed by execution_id
}

// NewExecutionStore creates a new in-memory execution store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		data: make(map[string]*domain.ExecutionRecord),
	}
}

// InsertBulk adds multiple records atomically. Fails entire batch on any duplicate.
func (s *ExecutionStore) InsertBulk(_ context.Context, records []*domain.ExecutionRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r == nil || r.ExecutionID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := s.data[r.ExecutionID]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[r.ExecutionID]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[r.ExecutionID] = struct{}{}
	}

	for _, r := range records {
		copy := *r
		s.data[r.ExecutionID] = &copy
	}
	return nil
}

// GetByVaultID retrieves records of a vault ordered by timestamp ASC.
func (s *ExecutionStore) GetByVaultID(_ context.Context, vaultID uint64) ([]*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ExecutionRecord
	for _, r := range s.data {
		if r.VaultID == vaultID {
			copy := *r
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ExecutionID < result[j].ExecutionID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

var _ storage.ExecutionStore = (*ExecutionStore)(nil)

// RebalanceStore is an in-memory implementation of storage.RebalanceStore.
type RebalanceStore struct {
	mu   sync.RWMutex
	data []*domain.RebalanceRecord // insertion order
}

// NewRebalanceStore creates a new in-memory rebalance store.
func NewRebalanceStore() *RebalanceStore {
	return &RebalanceStore{}
}

// InsertBulk adds records of one or more runs.
func (s *RebalanceStore) InsertBulk(_ context.Context, records []*domain.RebalanceRecord) error {
	for _, r := range records {
		if r == nil || r.RunID == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		copy := *r
		s.data = append(s.data, &copy)
	}
	return nil
}

// GetByRunID retrieves the records of a run in insertion order.
func (s *RebalanceStore) GetByRunID(_ context.Context, runID string) ([]*domain.RebalanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.RebalanceRecord
	for _, r := range s.data {
		if r.RunID == runID {
			copy := *r
			result = append(result, &copy)
		}
	}
	return result, nil
}

var _ storage.RebalanceStore = (*RebalanceStore)(nil)
