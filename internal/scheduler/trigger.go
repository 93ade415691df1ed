// Package scheduler decides when vault triggers are due and drives
// execution passes over all due vaults.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// PriceSource quotes belief prices in offer per target units.
type PriceSource interface {
	SpotPrice(ctx context.Context, offerDenom, target string) (decimal.Decimal, error)
}

// IsDue reports whether the vault's trigger has fired at now. Only scheduled
// and active vaults with a trigger can be due.
func IsDue(ctx context.Context, v *domain.Vault, now time.Time, prices PriceSource) (bool, error) {
	if v.Status != domain.VaultStatusScheduled && v.Status != domain.VaultStatusActive {
		return false, nil
	}

	switch t := v.Trigger.(type) {
	case nil:
		return false, nil
	case domain.TimeTrigger:
		return !now.Before(t.TargetTime), nil
	case domain.PriceTrigger:
		if prices == nil {
			return false, fmt.Errorf("vault %d: price trigger without price source: %w", v.ID, domain.ErrConfiguration)
		}
		price, err := prices.SpotPrice(ctx, v.SwapDenom(), v.TargetDenom)
		if err != nil {
			return false, fmt.Errorf("vault %d: quote price trigger: %w", v.ID, err)
		}
		// Both positions fire once a unit of target costs no more than the target price.
		return price.LessThanOrEqual(t.TargetPrice), nil
	}
	return false, fmt.Errorf("vault %d: unknown trigger %T: %w", v.ID, v.Trigger, domain.ErrInvalidState)
}

// NextTrigger returns the trigger that follows fired. A nil result means the
// vault has nothing left to schedule.
func NextTrigger(v *domain.Vault, fired domain.Trigger, now time.Time) (domain.Trigger, error) {
	if !v.TimeInterval.IsSet() {
		return nil, nil
	}

	var prev time.Time
	switch t := fired.(type) {
	case domain.TimeTrigger:
		prev = t.TargetTime
	case domain.PriceTrigger:
		prev = now
	default:
		return nil, fmt.Errorf("vault %d: unknown trigger %T: %w", v.ID, fired, domain.ErrInvalidState)
	}

	next, err := v.TimeInterval.Next(prev)
	if err != nil {
		return nil, fmt.Errorf("vault %d: %w", v.ID, err)
	}
	return domain.TimeTrigger{TargetTime: next}, nil
}

// ListDue lists vaults whose time trigger is due, ordered by id.
func ListDue(ctx context.Context, vaults storage.VaultStore, now time.Time, page storage.Page) ([]*domain.Vault, error) {
	return vaults.ListDueTimeTriggers(ctx, now, page)
}
