package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// LedgerStore is an in-memory implementation of storage.LedgerStore.
type LedgerStore struct {
	mu       sync.RWMutex
	balances map[string]map[string]decimal.Decimal // address -> denom -> amount
}

// NewLedgerStore creates a new in-memory ledger.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		balances: make(map[string]map[string]decimal.Decimal),
	}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

// Balance returns the balance of denom held by address.
func (s *LedgerStore) Balance(_ context.Context, address, denom string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.balances[address][denom], nil
}

// Balances returns all non-zero balances of address ordered by denom.
func (s *LedgerStore) Balances(_ context.Context, address string) ([]domain.Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var coins []domain.Coin
	for denom, amount := range s.balances[address] {
		if amount.IsZero() {
			continue
		}
		coins = append(coins, domain.Coin{Denom: denom, Amount: amount})
	}
	sort.Slice(coins, func(i, j int) bool {
		return coins[i].Denom < coins[j].Denom
	})
	return coins, nil
}

// Apply applies all entries atomically.
func (s *LedgerStore) Apply(_ context.Context, entries []domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.pendingLocked(entries)
	if err != nil {
		return err
	}
	s.commitLocked(pending)
	return nil
}

type balanceKey struct{ address, denom string }

// pendingLocked computes the balances entries would leave without touching
// state. Caller holds mu.
func (s *LedgerStore) pendingLocked(entries []domain.LedgerEntry) (map[balanceKey]decimal.Decimal, error) {
	for _, e := range entries {
		if e.Address == "" || e.Denom == "" {
			return nil, storage.ErrInvalidInput
		}
	}

	pending := make(map[balanceKey]decimal.Decimal)
	for _, e := range entries {
		k := balanceKey{e.Address, e.Denom}
		current, ok := pending[k]
		if !ok {
			current = s.balances[e.Address][e.Denom]
		}
		next := current.Add(e.Delta)
		if next.IsNegative() {
			return nil, fmt.Errorf("%s holds %s%s, cannot apply %s: %w",
				e.Address, current, e.Denom, e.Delta, domain.ErrInsufficientFunds)
		}
		pending[k] = next
	}
	return pending, nil
}

// commitLocked writes balances computed by pendingLocked. Caller holds mu.
func (s *LedgerStore) commitLocked(pending map[balanceKey]decimal.Decimal) {
	for k, amount := range pending {
		if s.balances[k.address] == nil {
			s.balances[k.address] = make(map[string]decimal.Decimal)
		}
		s.balances[k.address][k.denom] = amount
	}
}
