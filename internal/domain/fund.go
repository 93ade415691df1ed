package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Fund is a multi-asset treasury valued against BaseDenom.
type Fund struct {
	ID        uint64
	Address   string   // ledger account holding the fund's balances
	BaseDenom string   // valuation asset
	Denoms    []string // fixed iteration order for valuation and allocations
	CreatedAt time.Time
}

// Holds reports whether denom is one of the fund's denoms.
func (f *Fund) Holds(denom string) bool {
	for _, d := range f.Denoms {
		if d == denom {
			return true
		}
	}
	return false
}

// Allocation is the fraction of total fund value held in one denom.
type Allocation struct {
	Denom    string          `json:"denom"`
	Fraction decimal.Decimal `json:"fraction"`
}

// FailureBehaviour controls what a rebalance does when one swap fails.
type FailureBehaviour string

const (
	// FailureAbort stops at the first failed swap. Completed swaps stand.
	FailureAbort FailureBehaviour = "abort"
	// FailureSkip skips the failed swap and keeps converging.
	FailureSkip FailureBehaviour = "skip"
)

// ValidateAllocations checks that fractions are non-negative, unique,
// and sum to exactly one.
func ValidateAllocations(allocations []Allocation) error {
	if len(allocations) == 0 {
		return fmt.Errorf("allocations are empty: %w", ErrConfiguration)
	}
	seen := make(map[string]struct{}, len(allocations))
	sum := decimal.Zero
	for _, a := range allocations {
		if a.Fraction.IsNegative() {
			return fmt.Errorf("allocation for %s is negative: %w", a.Denom, ErrConfiguration)
		}
		if _, dup := seen[a.Denom]; dup {
			return fmt.Errorf("allocation for %s listed twice: %w", a.Denom, ErrConfiguration)
		}
		seen[a.Denom] = struct{}{}
		sum = sum.Add(a.Fraction)
	}
	if !sum.Equal(One) {
		return fmt.Errorf("allocations sum to %s, want 1: %w", sum, ErrConfiguration)
	}
	return nil
}

// RebalanceSwap is one swap planned or executed by a rebalance.
type RebalanceSwap struct {
	Offer    Coin
	Target   string
	Received decimal.Decimal
	Price    decimal.Decimal // offer per target
}

// RebalanceFailure records a swap that could not be executed.
type RebalanceFailure struct {
	Offer  Coin
	Target string
	Reason string
}
