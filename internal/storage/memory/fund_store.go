package memory

import (
	"context"
	"sync"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// FundStore is an in-memory implementation of storage.FundStore.
// Ids come from the EventStore shared with the vault store.
type FundStore struct {
	mu     sync.RWMutex
	data   map[uint64]*domain.Fund
	events *EventStore
}

// NewFundStore creates a new in-memory fund store drawing ids from events.
func NewFundStore(events *EventStore) *FundStore {
	return &FundStore{
		data:   make(map[uint64]*domain.Fund),
		events: events,
	}
}

// Compile-time interface check.
var _ storage.FundStore = (*FundStore)(nil)

// Create assigns the next id and stores the fund.
func (s *FundStore) Create(_ context.Context, f *domain.Fund) error {
	if f == nil || f.Address == "" || f.BaseDenom == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data {
		if existing.Address == f.Address {
			return storage.ErrDuplicateKey
		}
	}

	s.events.mu.Lock()
	f.ID = s.events.resourceIDLocked()
	s.events.mu.Unlock()
	s.data[f.ID] = cloneFund(f)
	return nil
}

// GetByID retrieves a fund. Returns ErrNotFound if not exists.
func (s *FundStore) GetByID(_ context.Context, id uint64) (*domain.Fund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneFund(f), nil
}

// List lists funds ordered by id.
func (s *FundStore) List(_ context.Context, page storage.Page) ([]*domain.Fund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint64, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}

	ids = pageIDs(ids, page)
	result := make([]*domain.Fund, 0, len(ids))
	for _, id := range ids {
		result = append(result, cloneFund(s.data[id]))
	}
	return result, nil
}

func cloneFund(f *domain.Fund) *domain.Fund {
	c := *f
	c.Denoms = append([]string(nil), f.Denoms...)
	return &c
}
