package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// PriceHistoryStore is an in-memory implementation of storage.PriceHistoryStore.
type PriceHistoryStore struct {
	mu   sync.RWMutex
	data map[string]*domain.PricePoint // keyed by (pair_key, timestamp, source)
}

// NewPriceHistoryStore creates a new in-memory price history store.
func NewPriceHistoryStore() *PriceHistoryStore {
	return &PriceHistoryStore{
		data: make(map[string]*domain.PricePoint),
	}
}

// pricePointKey generates a unique key for a price point.
func pricePointKey(p *domain.PricePoint) string {
	return fmt.Sprintf("%s|%d|%s", p.PairKey, p.Timestamp.UnixNano(), p.Source)
}

// InsertBulk adds multiple points. Fails entire batch on duplicate.
func (s *PriceHistoryStore) InsertBulk(_ context.Context, points []*domain.PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(points))

	// First pass: check for duplicates (existing + intra-batch)
	for _, p := range points {
		if p == nil || p.PairKey == "" {
			return storage.ErrInvalidInput
		}
		key := pricePointKey(p)
		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	// Second pass: insert all
	for _, p := range points {
		pointCopy := *p
		s.data[pricePointKey(p)] = &pointCopy
	}

	return nil
}

// GetRange retrieves points of a pair within [start, end] (inclusive).
func (s *PriceHistoryStore) GetRange(_ context.Context, pairKey string, start, end time.Time) ([]*domain.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PricePoint
	for _, p := range s.data {
		if p.PairKey == pairKey && !p.Timestamp.Before(start) && !p.Timestamp.After(end) {
			pointCopy := *p
			result = append(result, &pointCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Source < result[j].Source
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	return result, nil
}

var _ storage.PriceHistoryStore = (*PriceHistoryStore)(nil)
