// Package service is the command and query surface of the engine. It wires
// the stores, router and config into the vault executor, the scheduler
// runner and the fund rebalancer.
package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/config"
	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/execution"
	"dca-vault-engine/internal/fund"
	"dca-vault-engine/internal/observability"
	"dca-vault-engine/internal/performance"
	"dca-vault-engine/internal/pricing"
	"dca-vault-engine/internal/scheduler"
	"dca-vault-engine/internal/storage"
)

// Options for creating a Service.
type Options struct {
	// Required stores
	Vaults storage.VaultStore
	Events storage.EventStore
	Ledger storage.LedgerStore
	Funds  storage.FundStore

	// Optional analytics sinks
	Executions storage.ExecutionStore
	Rebalances storage.RebalanceStore

	Router *pricing.Router
	Config *config.Store

	Logger   *log.Logger
	Now      func() time.Time
	NewRunID func() string // rebalance run ids, uuid by default
}

// Service exposes engine commands and queries.
type Service struct {
	vaults     storage.VaultStore
	events     storage.EventStore
	ledger     storage.LedgerStore
	funds      storage.FundStore
	executions storage.ExecutionStore

	router *pricing.Router
	config *config.Store

	executor   *execution.Executor
	runner     *scheduler.Runner
	rebalancer *fund.Rebalancer

	logger *log.Logger
	now    func() time.Time
}

// New creates a Service and registers the configured pairs with the router.
func New(opts Options) (*Service, error) {
	if opts.Vaults == nil || opts.Events == nil || opts.Ledger == nil || opts.Funds == nil {
		return nil, fmt.Errorf("vault, event, ledger and fund stores are required: %w", domain.ErrConfiguration)
	}
	if opts.Router == nil || opts.Config == nil {
		return nil, fmt.Errorf("router and config are required: %w", domain.ErrConfiguration)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	registry := opts.Router.Registry()
	if err := registry.Add(opts.Config.Current().Pairs...); err != nil {
		return nil, fmt.Errorf("register configured pairs: %w", err)
	}

	prefixed := func(prefix string) *log.Logger {
		return log.New(logger.Writer(), prefix, logger.Flags())
	}

	executor := execution.NewExecutor(execution.Options{
		Vaults:     opts.Vaults,
		Events:     opts.Events,
		Executions: opts.Executions,
		Router:     opts.Router,
		Registry:   registry,
		Config:     opts.Config,
		Logger:     prefixed("[executor] "),
	})

	s := &Service{
		vaults:     opts.Vaults,
		events:     opts.Events,
		ledger:     opts.Ledger,
		funds:      opts.Funds,
		executions: opts.Executions,
		router:     opts.Router,
		config:     opts.Config,
		executor:   executor,
		runner: scheduler.NewRunner(scheduler.RunnerOptions{
			Vaults:   opts.Vaults,
			Executor: executor,
			Prices:   opts.Router,
			Logger:   prefixed("[scheduler] "),
		}),
		rebalancer: fund.NewRebalancer(fund.Options{
			Funds:      opts.Funds,
			Events:     opts.Events,
			Ledger:     opts.Ledger,
			Rebalances: opts.Rebalances,
			Router:     opts.Router,
			Paths:      registry,
			Config:     opts.Config,
			Logger:     prefixed("[fund] "),
			NewRunID:   opts.NewRunID,
		}),
		logger: logger,
		now:    now,
	}

	cfg := opts.Config.Current()
	observability.RecordConfig(cfg.Version, cfg.Paused)
	return s, nil
}

// Vault commands

// CreateVault validates and funds a new vault.
func (s *Service) CreateVault(ctx context.Context, req execution.CreateVaultRequest) (*domain.Vault, error) {
	return s.executor.Create(ctx, req, s.now())
}

// Deposit adds funds to a scheduled or active vault.
func (s *Service) Deposit(ctx context.Context, vaultID uint64, amount domain.Coin) (*domain.Vault, error) {
	return s.executor.Deposit(ctx, vaultID, amount, s.now())
}

// CancelVault retires a vault on behalf of its owner.
func (s *Service) CancelVault(ctx context.Context, vaultID uint64, sender string) (*domain.Vault, error) {
	return s.executor.Cancel(ctx, vaultID, sender, s.now())
}

// ExecuteTrigger executes the due trigger of one vault.
func (s *Service) ExecuteTrigger(ctx context.Context, vaultID uint64) (*domain.ExecutionResult, error) {
	return s.executor.Execute(ctx, vaultID, s.now())
}

// DisburseEscrow settles a vault's escrow.
func (s *Service) DisburseEscrow(ctx context.Context, vaultID uint64) (performance.Disbursement, error) {
	return s.executor.DisburseEscrow(ctx, vaultID, s.now())
}

// RunPass executes every vault due now.
func (s *Service) RunPass(ctx context.Context) (scheduler.PassResult, error) {
	if s.config.Current().Paused {
		return scheduler.PassResult{}, fmt.Errorf("scheduler pass: %w", domain.ErrPaused)
	}
	return s.runner.RunPass(ctx, s.now())
}

// Admin commands

// ConfigUpdate changes scalar config fields. Nil fields are left unchanged.
type ConfigUpdate struct {
	CustodyAddress          *string            `json:"custody_address,omitempty"`
	ExecutionFeePercent     *decimal.Decimal   `json:"execution_fee_percent,omitempty"`
	PerformanceFeePercent   *decimal.Decimal   `json:"performance_fee_percent,omitempty"`
	DefaultSlippage         *decimal.Decimal   `json:"default_slippage_tolerance,omitempty"`
	RiskWeightedEscrowLevel *decimal.Decimal   `json:"risk_weighted_average_escrow_level,omitempty"`
	DustThreshold           *decimal.Decimal   `json:"dust_threshold,omitempty"`
	TWAPPeriodSeconds       *int64             `json:"twap_period_seconds,omitempty"`
	PageLimits              *config.PageLimits `json:"page_limits,omitempty"`
}

// UpdateConfig applies u as the next config version. The custody address
// cannot change while scheduled or active vaults hold funds under it.
func (s *Service) UpdateConfig(ctx context.Context, u ConfigUpdate) (*config.Config, error) {
	return s.publish(s.config.Update(ctx, func(c *config.Config) error {
		if u.CustodyAddress != nil && *u.CustodyAddress != c.CustodyAddress {
			if err := s.checkNoOpenVaults(ctx); err != nil {
				return fmt.Errorf("custody address: %w", err)
			}
			c.CustodyAddress = *u.CustodyAddress
		}
		if u.ExecutionFeePercent != nil {
			c.ExecutionFeePercent = *u.ExecutionFeePercent
		}
		if u.PerformanceFeePercent != nil {
			c.PerformanceFeePercent = *u.PerformanceFeePercent
		}
		if u.DefaultSlippage != nil {
			c.DefaultSlippage = *u.DefaultSlippage
		}
		if u.RiskWeightedEscrowLevel != nil {
			c.RiskWeightedEscrowLevel = *u.RiskWeightedEscrowLevel
		}
		if u.DustThreshold != nil {
			c.DustThreshold = *u.DustThreshold
		}
		if u.TWAPPeriodSeconds != nil {
			c.TWAPPeriodSeconds = *u.TWAPPeriodSeconds
		}
		if u.PageLimits != nil {
			c.PageLimits = *u.PageLimits
		}
		return nil
	}))
}

// checkNoOpenVaults fails with ErrInvalidState if any vault is scheduled or active.
func (s *Service) checkNoOpenVaults(ctx context.Context) error {
	for _, status := range []domain.VaultStatus{domain.VaultStatusScheduled, domain.VaultStatusActive} {
		open, err := s.vaults.ListByStatus(ctx, status, storage.Page{Limit: 1})
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return fmt.Errorf("vault %d is %s: %w", open[0].ID, status, domain.ErrInvalidState)
		}
	}
	return nil
}

// UpdateSwapAdjustments merges multipliers into a position type's table.
func (s *Service) UpdateSwapAdjustments(ctx context.Context, position domain.PositionType, entries []config.ModelMultiplier) (*config.Config, error) {
	return s.publish(s.config.UpdateSwapAdjustments(ctx, position, entries))
}

// UpdateFeeCollectors replaces the fee collectors.
func (s *Service) UpdateFeeCollectors(ctx context.Context, collectors []config.FeeCollector) (*config.Config, error) {
	return s.publish(s.config.UpdateFeeCollectors(ctx, collectors))
}

// SetPaused toggles the pause flag.
func (s *Service) SetPaused(ctx context.Context, paused bool) (*config.Config, error) {
	cfg, err := s.publish(s.config.SetPaused(ctx, paused))
	if err == nil {
		s.logger.Printf("Paused set to %v at config version %d", paused, cfg.Version)
	}
	return cfg, err
}

// AddPair registers a pair with the router and the config. Adding a pair
// that is already registered unchanged is a no-op.
func (s *Service) AddPair(ctx context.Context, pair domain.Pair) (*config.Config, error) {
	registry := s.router.Registry()
	if existing, err := registry.Get(pair.BaseDenom, pair.QuoteDenom); err == nil {
		if existing == pair {
			return s.config.Current(), nil
		}
		return nil, fmt.Errorf("pair %s already registered with venue %s: %w",
			pair.Key(), existing.Venue.Address, domain.ErrConfiguration)
	}

	cfg, err := s.publish(s.config.AddPair(ctx, pair))
	if err != nil {
		return nil, err
	}
	if err := registry.Add(pair); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Service) publish(cfg *config.Config, err error) (*config.Config, error) {
	if err != nil {
		return nil, err
	}
	observability.RecordConfig(cfg.Version, cfg.Paused)
	return cfg, nil
}

// Fund commands

// CreateFund registers a fund.
func (s *Service) CreateFund(ctx context.Context, req fund.CreateFundRequest) (*domain.Fund, error) {
	return s.rebalancer.Create(ctx, req, s.now())
}

// FundDeposit credits a fund.
func (s *Service) FundDeposit(ctx context.Context, fundID uint64, amount domain.Coin) error {
	return s.rebalancer.Deposit(ctx, fundID, amount)
}

// Rebalance moves a fund toward target allocations.
func (s *Service) Rebalance(ctx context.Context, req fund.RebalanceRequest) (*fund.Result, error) {
	return s.rebalancer.Rebalance(ctx, req, s.now())
}

// Queries

// GetConfig returns the active config.
func (s *Service) GetConfig() *config.Config {
	return s.config.Current()
}

// GetVault returns a vault by id.
func (s *Service) GetVault(ctx context.Context, vaultID uint64) (*domain.Vault, error) {
	v, err := s.vaults.GetByID(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("vault %d: %w", vaultID, err)
	}
	return v, nil
}

// ListVaultsByOwner lists an owner's vaults, optionally by status.
func (s *Service) ListVaultsByOwner(ctx context.Context, owner string, status *domain.VaultStatus, page storage.Page) ([]*domain.Vault, error) {
	return s.vaults.ListByOwner(ctx, owner, status, s.clamp(page))
}

// ListDueTriggers lists vaults whose time trigger is due now.
func (s *Service) ListDueTriggers(ctx context.Context, page storage.Page) ([]*domain.Vault, error) {
	return scheduler.ListDue(ctx, s.vaults, s.now(), s.clamp(page))
}

// VaultPerformance compares a vault with its standard DCA benchmark.
func (s *Service) VaultPerformance(ctx context.Context, vaultID uint64) (performance.Result, error) {
	v, err := s.GetVault(ctx, vaultID)
	if err != nil {
		return performance.Result{}, err
	}
	return performance.VaultPerformance(v, s.config.Current().PerformanceFeePercent)
}

// VaultExecutions returns the execution analytics of a vault. Empty when no
// analytics sink is configured.
func (s *Service) VaultExecutions(ctx context.Context, vaultID uint64) ([]*domain.ExecutionRecord, error) {
	if s.executions == nil {
		return nil, nil
	}
	return s.executions.GetByVaultID(ctx, vaultID)
}

// GetFund returns a fund by id.
func (s *Service) GetFund(ctx context.Context, fundID uint64) (*domain.Fund, error) {
	f, err := s.funds.GetByID(ctx, fundID)
	if err != nil {
		return nil, fmt.Errorf("fund %d: %w", fundID, err)
	}
	return f, nil
}

// ListFunds lists funds by id.
func (s *Service) ListFunds(ctx context.Context, page storage.Page) ([]*domain.Fund, error) {
	return s.funds.List(ctx, s.clamp(page))
}

// FundAllocations returns the current allocation of a fund.
func (s *Service) FundAllocations(ctx context.Context, fundID uint64) ([]domain.Allocation, error) {
	return s.rebalancer.Allocations(ctx, fundID)
}

// Balances returns the ledger balances of an address.
func (s *Service) Balances(ctx context.Context, address string) ([]domain.Coin, error) {
	return s.ledger.Balances(ctx, address)
}

// EventsByResource lists the events of one vault or fund.
func (s *Service) EventsByResource(ctx context.Context, resourceID uint64, page storage.Page) ([]*domain.Event, error) {
	return s.events.ListByResource(ctx, resourceID, s.clamp(page))
}

// Events lists all events.
func (s *Service) Events(ctx context.Context, page storage.Page) ([]*domain.Event, error) {
	return s.events.List(ctx, s.clamp(page))
}

func (s *Service) clamp(page storage.Page) storage.Page {
	return s.config.Current().ClampPage(page)
}
