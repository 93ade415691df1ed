package memory

import (
	"context"
	"sync"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// EventStore is an in-memory implementation of storage.EventStore.
// It also hands out resource ids to the vault and fund stores sharing it.
type EventStore struct {
	mu             sync.RWMutex
	nextID         uint64
	nextResourceID uint64
	data           map[uint64]*domain.Event // keyed by event id
}

// NewEventStore creates a new in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{
		nextID:         1,
		nextResourceID: 1,
		data:           make(map[uint64]*domain.Event),
	}
}

// resourceIDLocked returns the next vault or fund id. Caller holds mu.
func (s *EventStore) resourceIDLocked() uint64 {
	id := s.nextResourceID
	s.nextResourceID++
	return id
}

// Compile-time interface check.
var _ storage.EventStore = (*EventStore)(nil)

// Append assigns ids and stores the events.
func (s *EventStore) Append(_ context.Context, events []*domain.Event) error {
	if err := validateEvents(events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLocked(events)
	return nil
}

// appendLocked stores events; caller holds s.mu.
func (s *EventStore) appendLocked(events []*domain.Event) {
	for _, e := range events {
		e.ID = s.nextID
		s.nextID++
		copy := *e
		s.data[e.ID] = &copy
	}
}

// ListByResource lists events of one resource ordered by id.
func (s *EventStore) ListByResource(_ context.Context, resourceID uint64, page storage.Page) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []uint64
	for id, e := range s.data {
		if e.ResourceID == resourceID {
			ids = append(ids, id)
		}
	}
	return s.collect(pageIDs(ids, page)), nil
}

// List lists all events ordered by id.
func (s *EventStore) List(_ context.Context, page storage.Page) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint64, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	return s.collect(pageIDs(ids, page)), nil
}

func (s *EventStore) collect(ids []uint64) []*domain.Event {
	result := make([]*domain.Event, 0, len(ids))
	for _, id := range ids {
		copy := *s.data[id]
		result = append(result, &copy)
	}
	return result
}

func validateEvents(events []*domain.Event) error {
	for _, e := range events {
		if e == nil || e.Data == nil {
			return storage.ErrInvalidInput
		}
	}
	return nil
}
