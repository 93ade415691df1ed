package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Execution outcomes.
const (
	OutcomeExecuted  = "executed"
	OutcomeSkipped   = "skipped"
	OutcomeExhausted = "exhausted"
	OutcomeFailed    = "failed"
)

// ExecutionRecord is the analytics row written for each vault execution attempt.
type ExecutionRecord struct {
	ExecutionID    string // deterministic, see idhash.ComputeExecutionID
	VaultID        uint64
	Timestamp      time.Time
	Outcome        string // executed | skipped | exhausted | failed
	Reason         string // skip or failure reason, empty when executed
	SwapDenom      string
	TargetDenom    string
	Sent           decimal.Decimal
	Received       decimal.Decimal
	Fee            decimal.Decimal
	Multiplier     decimal.Decimal
	Price          decimal.Decimal // effective offer per target
	ReferencePrice decimal.Decimal // TWAP or spot used for slippage
}

// RebalanceRecord is the analytics row written for each rebalance swap.
type RebalanceRecord struct {
	SwapID      string // deterministic, see idhash.ComputeRebalanceSwapID
	RunID       string
	FundID      uint64
	Timestamp   time.Time
	OfferDenom  string
	OfferAmount decimal.Decimal
	TargetDenom string
	Received    decimal.Decimal
	Price       decimal.Decimal
	Status      string // executed | failed
	Reason      string
}

// PricePoint is an observed price of a pair, expressed as quote per base.
type PricePoint struct {
	PairKey    string
	BaseDenom  string
	QuoteDenom string
	Timestamp  time.Time
	Price      decimal.Decimal
	Source     string // swap | feed
}

// OfferPrice converts the point to offer-per-target units for a swap offering offerDenom.
func (p PricePoint) OfferPrice(offerDenom string) decimal.Decimal {
	if offerDenom == p.QuoteDenom || p.Price.IsZero() {
		return p.Price
	}
	return Quo(One, p.Price)
}

// ExecutionResult summarizes one vault execution for the caller.
type ExecutionResult struct {
	VaultID    uint64
	Outcome    string // executed | skipped | exhausted
	Reason     string // skip reason
	Sent       Coin
	Received   Coin
	Fee        Coin
	Multiplier decimal.Decimal
	Price      decimal.Decimal
}
