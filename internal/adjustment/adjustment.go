// Package adjustment computes the swap size multiplier of a vault execution.
package adjustment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/domain"
)

// TableSource looks up admin-maintained risk weighted average multipliers.
// It returns false when no fresh entry exists.
type TableSource interface {
	SwapAdjustment(position domain.PositionType, model uint8, now time.Time) (decimal.Decimal, bool)
}

// MarketContext is the market state an adjustment is computed against.
type MarketContext struct {
	// Price is the quoted price of the swap in offer per target units.
	Price decimal.Decimal
	Now   time.Time
}

// Engine computes multipliers for vault strategies.
type Engine struct {
	tables TableSource
}

// NewEngine creates an adjustment engine.
func NewEngine(tables TableSource) *Engine {
	return &Engine{tables: tables}
}

// Multiplier returns the factor applied to the vault's configured swap amount.
// The result is always positive.
func (e *Engine) Multiplier(ctx context.Context, v *domain.Vault, market MarketContext) (decimal.Decimal, error) {
	var m decimal.Decimal
	var err error

	switch s := v.SwapAdjustmentStrategy.(type) {
	case nil:
		return domain.One, nil
	case domain.RiskWeightedAverage:
		m = e.riskWeightedAverage(s, market.Now)
	case domain.WeightedScale:
		m, err = weightedScale(v, s, market.Price)
	default:
		return decimal.Zero, fmt.Errorf("vault %d: unknown swap adjustment strategy %T: %w",
			v.ID, s, domain.ErrConfiguration)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("vault %d: %w", v.ID, err)
	}
	if !m.IsPositive() {
		return decimal.Zero, fmt.Errorf("vault %d: multiplier %s is not positive: %w", v.ID, m, domain.ErrInvalidState)
	}
	return m, nil
}

func (e *Engine) riskWeightedAverage(s domain.RiskWeightedAverage, now time.Time) decimal.Decimal {
	if e.tables == nil {
		return domain.One
	}
	m, ok := e.tables.SwapAdjustment(s.PositionType, s.ModelID, now)
	if !ok || !m.IsPositive() {
		return domain.One
	}
	return m
}

// weightedScale scales the swap up as the expected receive falls below the
// base receive amount:
//
//	r     = swap_amount / price
//	ratio = min(1, r / base_receive_amount)
//	m     = 1 + (1/ratio - 1) * multiplier
func weightedScale(v *domain.Vault, s domain.WeightedScale, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("price %s must be positive: %w", price, domain.ErrInvalidState)
	}
	if !s.BaseReceiveAmount.IsPositive() {
		return decimal.Zero, fmt.Errorf("base receive amount %s must be positive: %w", s.BaseReceiveAmount, domain.ErrConfiguration)
	}

	r := domain.Quo(v.SwapAmount, price)
	if r.IsZero() {
		return decimal.Zero, fmt.Errorf("expected receive amount is zero at price %s: %w", price, domain.ErrInvalidState)
	}

	ratio := domain.MinDecimal(domain.One, domain.Quo(r, s.BaseReceiveAmount))
	if ratio.IsZero() {
		return decimal.Zero, fmt.Errorf("receive ratio underflows at price %s: %w", price, domain.ErrInvalidState)
	}
	inverted := domain.Quo(domain.One, ratio)
	m := domain.One.Add(domain.Mul(inverted.Sub(domain.One), s.Multiplier))

	if s.IncreaseOnly && v.LastAdjustment.GreaterThan(m) {
		m = v.LastAdjustment
	}
	return m, nil
}
