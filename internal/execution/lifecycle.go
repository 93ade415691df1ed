package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/address"
	"dca-vault-engine/internal/config"
	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/performance"
)

// CreateVaultRequest describes a new vault.
type CreateVaultRequest struct {
	Owner        string
	Label        string
	Destinations []domain.Destination // defaults to the owner
	Deposit      domain.Coin
	TargetDenom  string
	SwapAmount   decimal.Decimal

	SlippageTolerance    *decimal.Decimal // defaults to the configured tolerance
	MinimumReceiveAmount *decimal.Decimal
	TimeInterval         domain.TimeInterval

	// At most one of these. Neither means the first swap is due immediately.
	TargetStartTime     *time.Time
	TargetReceiveAmount *decimal.Decimal // price trigger at swap_amount / target_receive_amount

	SwapAdjustmentStrategy domain.SwapAdjustmentStrategy
}

// Create validates req and stores a new vault funded with the deposit.
func (e *Executor) Create(ctx context.Context, req CreateVaultRequest, now time.Time) (*domain.Vault, error) {
	cfg := e.config.Current()
	if cfg.Paused {
		return nil, fmt.Errorf("create vault: %w", domain.ErrPaused)
	}

	v, err := e.buildVault(ctx, cfg, req, now)
	if err != nil {
		return nil, err
	}

	events := []*domain.Event{
		{Timestamp: now, Data: domain.VaultCreated{Owner: v.Owner}},
		{Timestamp: now, Data: domain.FundsDeposited{Amount: req.Deposit}},
	}
	entries := []domain.LedgerEntry{domain.Credit(cfg.CustodyAddress, req.Deposit)}
	if err := e.vaults.Create(ctx, v, events, entries); err != nil {
		return nil, fmt.Errorf("create vault: %w", err)
	}
	return v, nil
}

func (e *Executor) buildVault(ctx context.Context, cfg *config.Config, req CreateVaultRequest, now time.Time) (*domain.Vault, error) {
	if err := address.Validate(req.Owner); err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	destinations := req.Destinations
	if len(destinations) == 0 {
		destinations = []domain.Destination{{Address: req.Owner, Allocation: domain.One}}
	}
	for _, d := range destinations {
		if err := address.Validate(d.Address); err != nil {
			return nil, fmt.Errorf("destination: %w", err)
		}
	}
	if err := domain.ValidateDestinations(destinations); err != nil {
		return nil, err
	}

	if !req.Deposit.Amount.IsPositive() {
		return nil, fmt.Errorf("deposit %s must be positive: %w", req.Deposit, domain.ErrConfiguration)
	}
	if !req.SwapAmount.IsPositive() {
		return nil, fmt.Errorf("swap amount %s must be positive: %w", req.SwapAmount, domain.ErrConfiguration)
	}
	if req.TargetDenom == "" || req.TargetDenom == req.Deposit.Denom {
		return nil, fmt.Errorf("target denom %q must differ from %s: %w", req.TargetDenom, req.Deposit.Denom, domain.ErrConfiguration)
	}
	if e.registry != nil {
		if _, err := e.registry.Path(req.Deposit.Denom, req.TargetDenom); err != nil {
			return nil, err
		}
	}

	slippage := cfg.DefaultSlippage
	if req.SlippageTolerance != nil {
		slippage = *req.SlippageTolerance
	}
	if slippage.IsNegative() || slippage.GreaterThan(domain.One) {
		return nil, fmt.Errorf("slippage tolerance %s must be within [0, 1]: %w", slippage, domain.ErrConfiguration)
	}
	if req.MinimumReceiveAmount != nil && !req.MinimumReceiveAmount.IsPositive() {
		return nil, fmt.Errorf("minimum receive amount must be positive: %w", domain.ErrConfiguration)
	}

	if req.TimeInterval.IsSet() {
		if err := req.TimeInterval.Validate(); err != nil {
			return nil, err
		}
	}

	v := &domain.Vault{
		CreatedAt:            now,
		Owner:                req.Owner,
		Label:                req.Label,
		Destinations:         destinations,
		Status:               domain.VaultStatusScheduled,
		Balance:              req.Deposit,
		TargetDenom:          req.TargetDenom,
		SwapAmount:           req.SwapAmount,
		DepositedAmount:      req.Deposit,
		SwappedAmount:        domain.ZeroCoin(req.Deposit.Denom),
		ReceivedAmount:       domain.ZeroCoin(req.TargetDenom),
		SlippageTolerance:    slippage,
		MinimumReceiveAmount: req.MinimumReceiveAmount,
		TimeInterval:         req.TimeInterval,
		LastAdjustment:       domain.One,
		EscrowLevel:          decimal.Zero,
		EscrowedAmount:       domain.ZeroCoin(req.TargetDenom),
	}

	switch {
	case req.TargetStartTime != nil && req.TargetReceiveAmount != nil:
		return nil, fmt.Errorf("target start time and target receive amount are exclusive: %w", domain.ErrConfiguration)
	case req.TargetReceiveAmount != nil:
		if !req.TargetReceiveAmount.IsPositive() {
			return nil, fmt.Errorf("target receive amount must be positive: %w", domain.ErrConfiguration)
		}
		v.Trigger = domain.PriceTrigger{TargetPrice: domain.Quo(req.SwapAmount, *req.TargetReceiveAmount)}
	case req.TargetStartTime != nil:
		if !req.TimeInterval.IsSet() {
			return nil, fmt.Errorf("time interval is required: %w", domain.ErrConfiguration)
		}
		v.Trigger = domain.TimeTrigger{TargetTime: *req.TargetStartTime}
	default:
		if !req.TimeInterval.IsSet() {
			return nil, fmt.Errorf("time interval is required: %w", domain.ErrConfiguration)
		}
		v.Trigger = domain.TimeTrigger{TargetTime: now}
		v.Status = domain.VaultStatusActive
		started := now
		v.StartedAt = &started
	}

	if req.SwapAdjustmentStrategy != nil {
		strategy, escrow, err := e.adjustmentFor(cfg, v, req.SwapAdjustmentStrategy)
		if err != nil {
			return nil, err
		}
		v.SwapAdjustmentStrategy = strategy
		v.EscrowLevel = escrow
		v.PerformanceAssessmentStrategy = domain.CompareToStandardDCA{
			SwappedAmount:  domain.ZeroCoin(req.Deposit.Denom),
			ReceivedAmount: domain.ZeroCoin(req.TargetDenom),
			FeeCharged:     domain.ZeroCoin(req.TargetDenom),
		}
	}
	return v, nil
}

// adjustmentFor completes a requested strategy and returns the vault's escrow level.
func (e *Executor) adjustmentFor(cfg *config.Config, v *domain.Vault, s domain.SwapAdjustmentStrategy) (domain.SwapAdjustmentStrategy, decimal.Decimal, error) {
	switch s := s.(type) {
	case domain.RiskWeightedAverage:
		if e.registry == nil {
			return nil, decimal.Zero, fmt.Errorf("risk weighted average needs a pair registry: %w", domain.ErrConfiguration)
		}
		pair, err := e.registry.Get(v.SwapDenom(), v.TargetDenom)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("risk weighted average needs a direct pair: %w", err)
		}
		s.PositionType = v.PositionType(pair)
		if s.BaseDenom == "" {
			s.BaseDenom = pair.BaseDenom
		}
		return s, cfg.RiskWeightedEscrowLevel, nil
	case domain.WeightedScale:
		if !s.BaseReceiveAmount.IsPositive() || !s.Multiplier.IsPositive() {
			return nil, decimal.Zero, fmt.Errorf("weighted scale needs positive multiplier and base receive amount: %w", domain.ErrConfiguration)
		}
		return s, decimal.Zero, nil
	}
	return nil, decimal.Zero, fmt.Errorf("unknown swap adjustment strategy %T: %w", s, domain.ErrConfiguration)
}

// Deposit adds funds to a scheduled or active vault.
func (e *Executor) Deposit(ctx context.Context, vaultID uint64, amount domain.Coin, now time.Time) (*domain.Vault, error) {
	cfg := e.config.Current()
	if cfg.Paused {
		return nil, fmt.Errorf("vault %d: %w", vaultID, domain.ErrPaused)
	}
	if !amount.Amount.IsPositive() {
		return nil, fmt.Errorf("vault %d: deposit %s must be positive: %w", vaultID, amount, domain.ErrConfiguration)
	}

	unlock := e.locks.Lock(vaultID)
	defer unlock()

	v, err := e.vaults.GetByID(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("vault %d: %w", vaultID, err)
	}
	if v.Status.IsTerminal() {
		return nil, fmt.Errorf("vault %d is %s: %w", v.ID, v.Status, domain.ErrInvalidState)
	}
	if amount.Denom != v.SwapDenom() {
		return nil, fmt.Errorf("vault %d swaps %s, cannot deposit %s: %w", v.ID, v.SwapDenom(), amount.Denom, domain.ErrConfiguration)
	}

	v.Balance = v.Balance.Add(amount.Amount)
	v.DepositedAmount = v.DepositedAmount.Add(amount.Amount)
	events := []*domain.Event{{ResourceID: v.ID, Timestamp: now, Data: domain.FundsDeposited{Amount: amount}}}

	entries := []domain.LedgerEntry{domain.Credit(cfg.CustodyAddress, amount)}
	if err := e.vaults.Save(ctx, v, events, entries); err != nil {
		return nil, fmt.Errorf("vault %d: save: %w", v.ID, err)
	}
	return v, nil
}

// Cancel retires a vault on its owner's request, settling escrow and
// refunding the balance.
func (e *Executor) Cancel(ctx context.Context, vaultID uint64, sender string, now time.Time) (*domain.Vault, error) {
	cfg := e.config.Current()
	if cfg.Paused {
		return nil, fmt.Errorf("vault %d: %w", vaultID, domain.ErrPaused)
	}

	unlock := e.locks.Lock(vaultID)
	defer unlock()

	v, err := e.vaults.GetByID(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("vault %d: %w", vaultID, err)
	}
	if sender != v.Owner {
		return nil, fmt.Errorf("vault %d: %s is not the owner: %w", v.ID, sender, domain.ErrInvalidState)
	}

	r := &run{cfg: cfg, vault: v, now: now}
	if err := e.retire(r, domain.VaultStatusCancelled); err != nil {
		return nil, err
	}
	if err := e.persist(ctx, r); err != nil {
		return nil, err
	}
	return v, nil
}

// DisburseEscrow settles a vault's escrow on demand. Performance fees already
// charged by earlier disbursements are not charged again.
func (e *Executor) DisburseEscrow(ctx context.Context, vaultID uint64, now time.Time) (performance.Disbursement, error) {
	cfg := e.config.Current()
	if cfg.Paused {
		return performance.Disbursement{}, fmt.Errorf("vault %d: %w", vaultID, domain.ErrPaused)
	}

	unlock := e.locks.Lock(vaultID)
	defer unlock()

	v, err := e.vaults.GetByID(ctx, vaultID)
	if err != nil {
		return performance.Disbursement{}, fmt.Errorf("vault %d: %w", vaultID, err)
	}

	collectors, weights := cfg.FeeCollectorWeights()
	res, err := performance.DisburseEscrow(v, performance.FeeSchedule{
		Custody:    cfg.CustodyAddress,
		Percent:    cfg.PerformanceFeePercent,
		Collectors: collectors,
		Weights:    weights,
	})
	if err != nil {
		return performance.Disbursement{}, err
	}
	if res.Event == nil {
		return res, nil
	}
	res.Event.Timestamp = now

	if err := e.vaults.Save(ctx, v, []*domain.Event{res.Event}, res.Entries); err != nil {
		return performance.Disbursement{}, fmt.Errorf("vault %d: save: %w", v.ID, err)
	}
	return res, nil
}
