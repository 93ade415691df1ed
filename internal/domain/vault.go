package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// VaultStatus is the lifecycle state of a vault.
type VaultStatus string

// Vault statuses. Inactive and cancelled are terminal.
const (
	VaultStatusScheduled VaultStatus = "scheduled"
	VaultStatusActive    VaultStatus = "active"
	VaultStatusInactive  VaultStatus = "inactive"
	VaultStatusCancelled VaultStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s VaultStatus) IsTerminal() bool {
	return s == VaultStatusInactive || s == VaultStatusCancelled
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s VaultStatus) CanTransition(next VaultStatus) bool {
	switch s {
	case VaultStatusScheduled:
		return next == VaultStatusActive || next == VaultStatusCancelled
	case VaultStatusActive:
		return next == VaultStatusInactive || next == VaultStatusCancelled
	}
	return false
}

// Destination receives a share of a vault's proceeds.
type Destination struct {
	Address    string          `json:"address"`
	Allocation decimal.Decimal `json:"allocation"`
	Msg        []byte          `json:"msg,omitempty"` // optional forwarding payload
}

// Vault is a recurring-swap position owned by a user address.
type Vault struct {
	ID        uint64
	CreatedAt time.Time
	Owner     string
	Label     string

	Destinations []Destination
	Status       VaultStatus

	Balance              Coin            // remaining funds in the swap denom
	TargetDenom          string          // denom bought by each execution
	SwapAmount           decimal.Decimal // configured size per execution
	DepositedAmount      Coin            // total deposits in the swap denom
	SwappedAmount        Coin            // total sent to the market
	ReceivedAmount       Coin            // total received net of execution fees, target denom
	SlippageTolerance    decimal.Decimal
	MinimumReceiveAmount *decimal.Decimal // per configured swap amount

	TimeInterval TimeInterval
	Trigger      Trigger // nil when no execution is pending
	StartedAt    *time.Time

	SwapAdjustmentStrategy        SwapAdjustmentStrategy
	PerformanceAssessmentStrategy PerformanceAssessmentStrategy
	LastAdjustment                decimal.Decimal // multiplier used by the previous execution

	EscrowLevel    decimal.Decimal // fraction of proceeds withheld, fixed at creation
	EscrowedAmount Coin

	Version int64 // optimistic concurrency token, bumped on every save
}

// SwapDenom returns the denom the vault spends.
func (v *Vault) SwapDenom() string {
	return v.Balance.Denom
}

// Denoms returns the (swap, target) denoms.
func (v *Vault) Denoms() [2]string {
	return [2]string{v.Balance.Denom, v.TargetDenom}
}

// PositionType is enter when the vault spends the pair's quote denom.
func (v *Vault) PositionType(pair Pair) PositionType {
	if v.SwapDenom() == pair.QuoteDenom {
		return PositionEnter
	}
	return PositionExit
}

// LowFunds reports whether the balance cannot cover a configured swap.
func (v *Vault) LowFunds() bool {
	return v.Balance.Amount.LessThan(v.SwapAmount)
}

// IsActive reports whether the vault is active.
func (v *Vault) IsActive() bool {
	return v.Status == VaultStatusActive
}

// Clone returns a deep copy of the vault.
func (v *Vault) Clone() *Vault {
	c := *v
	if v.Destinations != nil {
		c.Destinations = make([]Destination, len(v.Destinations))
		for i, d := range v.Destinations {
			c.Destinations[i] = d
			if d.Msg != nil {
				c.Destinations[i].Msg = append([]byte(nil), d.Msg...)
			}
		}
	}
	if v.MinimumReceiveAmount != nil {
		m := *v.MinimumReceiveAmount
		c.MinimumReceiveAmount = &m
	}
	if v.StartedAt != nil {
		t := *v.StartedAt
		c.StartedAt = &t
	}
	return &c
}

// CheckInvariants verifies the accounting invariants of a quiescent vault.
// Terminal vaults have refunded their balance, so only swapped <= deposited holds.
func (v *Vault) CheckInvariants() error {
	if v.Status.IsTerminal() {
		if !v.Balance.IsZero() || v.SwappedAmount.Amount.GreaterThan(v.DepositedAmount.Amount) {
			return fmt.Errorf("vault %d: %s vault holds balance %s, swapped %s of deposited %s: %w",
				v.ID, v.Status, v.Balance.Amount, v.SwappedAmount.Amount, v.DepositedAmount.Amount, ErrInvalidState)
		}
	} else if !v.Balance.Amount.Add(v.SwappedAmount.Amount).Equal(v.DepositedAmount.Amount) {
		return fmt.Errorf("vault %d: balance %s + swapped %s != deposited %s: %w",
			v.ID, v.Balance.Amount, v.SwappedAmount.Amount, v.DepositedAmount.Amount, ErrInvalidState)
	}
	if v.EscrowedAmount.Amount.GreaterThan(v.ReceivedAmount.Amount) {
		return fmt.Errorf("vault %d: escrowed %s exceeds received %s: %w",
			v.ID, v.EscrowedAmount.Amount, v.ReceivedAmount.Amount, ErrInvalidState)
	}
	return nil
}

// ValidateDestinations checks that destination allocations are positive and sum to one.
func ValidateDestinations(destinations []Destination) error {
	if len(destinations) == 0 {
		return fmt.Errorf("at least one destination is required: %w", ErrConfiguration)
	}
	sum := decimal.Zero
	for _, d := range destinations {
		if d.Address == "" {
			return fmt.Errorf("destination address is empty: %w", ErrConfiguration)
		}
		if !d.Allocation.IsPositive() {
			return fmt.Errorf("destination %s allocation %s must be positive: %w", d.Address, d.Allocation, ErrConfiguration)
		}
		sum = sum.Add(d.Allocation)
	}
	if !sum.Equal(One) {
		return fmt.Errorf("destination allocations sum to %s, want 1: %w", sum, ErrConfiguration)
	}
	return nil
}

// DestinationWeights returns destination addresses and allocations in order.
func (v *Vault) DestinationWeights() ([]string, []decimal.Decimal) {
	addrs := make([]string, len(v.Destinations))
	weights := make([]decimal.Decimal, len(v.Destinations))
	for i, d := range v.Destinations {
		addrs[i] = d.Address
		weights[i] = d.Allocation
	}
	return addrs, weights
}
