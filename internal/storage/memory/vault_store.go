package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// VaultStore is an in-memory implementation of storage.VaultStore.
// Events written with a vault go to the shared EventStore and ledger entries
// to the shared LedgerStore, all under the same locks.
type VaultStore struct {
	mu     sync.RWMutex
	data   map[uint64]*domain.Vault // keyed by vault id
	events *EventStore
	ledger *LedgerStore
}

// NewVaultStore creates a new in-memory vault store appending to events and
// applying ledger entries to ledger. ledger may be nil if no write carries
// entries.
func NewVaultStore(events *EventStore, ledger *LedgerStore) *VaultStore {
	return &VaultStore{
		data:   make(map[uint64]*domain.Vault),
		events: events,
		ledger: ledger,
	}
}

// Compile-time interface check.
var _ storage.VaultStore = (*VaultStore)(nil)

// Create assigns the next id and stores the vault with its events and
// ledger entries.
func (s *VaultStore) Create(_ context.Context, v *domain.Vault, events []*domain.Event, entries []domain.LedgerEntry) error {
	if v == nil {
		return storage.ErrInvalidInput
	}
	if err := validateEvents(events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.mu.Lock()
	defer s.events.mu.Unlock()

	commit, err := s.ledgerLocked(entries)
	if err != nil {
		return err
	}
	defer commit()

	v.ID = s.events.resourceIDLocked()
	v.Version = 1
	for _, e := range events {
		e.ResourceID = v.ID
	}

	s.data[v.ID] = v.Clone()
	s.events.appendLocked(events)
	return nil
}

// Save replaces the vault if its version matches, appends events and
// applies ledger entries. Nothing is written if any step fails.
func (s *VaultStore) Save(_ context.Context, v *domain.Vault, events []*domain.Event, entries []domain.LedgerEntry) error {
	if v == nil {
		return storage.ErrInvalidInput
	}
	if err := validateEvents(events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data[v.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.Version != v.Version {
		return fmt.Errorf("vault %d at version %d, have %d: %w", v.ID, existing.Version, v.Version, storage.ErrConflict)
	}

	s.events.mu.Lock()
	defer s.events.mu.Unlock()

	commit, err := s.ledgerLocked(entries)
	if err != nil {
		return err
	}
	defer commit()

	v.Version++
	s.data[v.ID] = v.Clone()
	s.events.appendLocked(events)
	return nil
}

// ledgerLocked locks the ledger and checks entries. The returned func writes
// the balances and releases the ledger lock.
func (s *VaultStore) ledgerLocked(entries []domain.LedgerEntry) (func(), error) {
	if len(entries) == 0 {
		return func() {}, nil
	}
	if s.ledger == nil {
		return nil, fmt.Errorf("vault store has no ledger: %w", storage.ErrInvalidInput)
	}

	s.ledger.mu.Lock()
	pending, err := s.ledger.pendingLocked(entries)
	if err != nil {
		s.ledger.mu.Unlock()
		return nil, err
	}
	return func() {
		s.ledger.commitLocked(pending)
		s.ledger.mu.Unlock()
	}, nil
}

// GetByID retrieves a vault. Returns ErrNotFound if not exists.
func (s *VaultStore) GetByID(_ context.Context, id uint64) (*domain.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v.Clone(), nil
}

// ListByOwner lists an owner's vaults ordered by id.
func (s *VaultStore) ListByOwner(_ context.Context, owner string, status *domain.VaultStatus, page storage.Page) ([]*domain.Vault, error) {
	return s.list(page, func(v *domain.Vault) bool {
		return v.Owner == owner && (status == nil || v.Status == *status)
	}), nil
}

// ListByStatus lists vaults in the given status ordered by id.
func (s *VaultStore) ListByStatus(_ context.Context, status domain.VaultStatus, page storage.Page) ([]*domain.Vault, error) {
	return s.list(page, func(v *domain.Vault) bool {
		return v.Status == status
	}), nil
}

// ListDueTimeTriggers lists vaults with a time trigger at or before now.
func (s *VaultStore) ListDueTimeTriggers(_ context.Context, now time.Time, page storage.Page) ([]*domain.Vault, error) {
	return s.list(page, func(v *domain.Vault) bool {
		if v.Status != domain.VaultStatusActive && v.Status != domain.VaultStatusScheduled {
			return false
		}
		tt, ok := v.Trigger.(domain.TimeTrigger)
		return ok && !now.Before(tt.TargetTime)
	}), nil
}

func (s *VaultStore) list(page storage.Page, match func(*domain.Vault) bool) []*domain.Vault {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []uint64
	for id, v := range s.data {
		if match(v) {
			ids = append(ids, id)
		}
	}

	ids = pageIDs(ids, page)
	result := make([]*domain.Vault, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.data[id].Clone())
	}
	return result
}
