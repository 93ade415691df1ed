// Package execution runs vault triggers: it sizes, prices and executes the
// swap, settles fees and escrow, and persists the vault with its events.
package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/adjustment"
	"dca-vault-engine/internal/config"
	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/idhash"
	"dca-vault-engine/internal/keylock"
	"dca-vault-engine/internal/observability"
	"dca-vault-engine/internal/performance"
	"dca-vault-engine/internal/pricing"
	"dca-vault-engine/internal/scheduler"
	"dca-vault-engine/internal/storage"
)

// Router prices and executes swaps.
type Router interface {
	SimulateSwap(ctx context.Context, offer domain.Coin, target string) (pricing.Quote, error)
	ExecuteSwap(ctx context.Context, offer domain.Coin, target string, minReceive *decimal.Decimal, commit func(pricing.Quote) error) (pricing.Quote, error)
	SpotPrice(ctx context.Context, offerDenom, target string) (decimal.Decimal, error)
	TWAP(ctx context.Context, offerDenom, target string, period time.Duration, now time.Time) (decimal.Decimal, error)
}

// Options contains the dependencies of an Executor.
type Options struct {
	Vaults      storage.VaultStore
	Events      storage.EventStore
	Executions  storage.ExecutionStore // optional analytics sink
	Router      Router
	Registry    *pricing.Registry
	Adjustments *adjustment.Engine
	Config      *config.Store
	Logger      *log.Logger
}

// Executor executes vault triggers. Executions of one vault are serialized.
type Executor struct {
	vaults      storage.VaultStore
	events      storage.EventStore
	executions  storage.ExecutionStore
	router      Router
	registry    *pricing.Registry
	adjustments *adjustment.Engine
	config      *config.Store
	logger      *log.Logger
	locks       *keylock.Map
}

// NewExecutor creates an executor.
func NewExecutor(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	adjustments := opts.Adjustments
	if adjustments == nil {
		adjustments = adjustment.NewEngine(opts.Config)
	}
	return &Executor{
		vaults:      opts.Vaults,
		events:      opts.Events,
		executions:  opts.Executions,
		router:      opts.Router,
		registry:    opts.Registry,
		adjustments: adjustments,
		config:      opts.Config,
		logger:      logger,
		locks:       keylock.New(),
	}
}

// run carries the state of one execution.
type run struct {
	cfg     *config.Config
	vault   *domain.Vault
	now     time.Time
	fired   domain.Trigger
	events  []*domain.Event
	entries []domain.LedgerEntry
	result  *domain.ExecutionResult
	record  *domain.ExecutionRecord
}

func (r *run) emit(data domain.EventData) {
	r.events = append(r.events, &domain.Event{ResourceID: r.vault.ID, Timestamp: r.now, Data: data})
}

// Execute runs the due trigger of a vault at now.
//
// Retryable market failures (ErrInsufficientLiquidity, ErrSlippageExceeded)
// leave the vault untouched with its trigger still due. A vault that cannot
// cover its swap amount is retired with Outcome exhausted and no error.
func (e *Executor) Execute(ctx context.Context, vaultID uint64, now time.Time) (*domain.ExecutionResult, error) {
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
	if v.Status.IsTerminal() {
		return nil, fmt.Errorf("vault %d is %s: %w", v.ID, v.Status, domain.ErrInvalidState)
	}

	due, err := scheduler.IsDue(ctx, v, now, e.router)
	if err != nil {
		return nil, err
	}
	if !due {
		return nil, fmt.Errorf("vault %d: trigger not due: %w", v.ID, domain.ErrInvalidState)
	}

	r := &run{cfg: cfg, vault: v, now: now, fired: v.Trigger}
	if v.Status == domain.VaultStatusScheduled {
		v.Status = domain.VaultStatusActive
		started := now
		v.StartedAt = &started
	}

	if v.LowFunds() {
		if err := e.retire(r, domain.VaultStatusInactive); err != nil {
			return nil, err
		}
		r.result = &domain.ExecutionResult{VaultID: v.ID, Outcome: domain.OutcomeExhausted}
		if err := e.persist(ctx, r); err != nil {
			return nil, err
		}
		return e.finish(ctx, r), nil
	}

	if err := e.swap(ctx, r); err != nil {
		if domain.IsRetryable(err) {
			e.recordRetryable(ctx, r, err)
		}
		return nil, err
	}
	return e.finish(ctx, r), nil
}

// swap performs steps from pricing to persistence on r. The order book is
// only consumed if the vault, its events and its ledger entries are stored.
func (e *Executor) swap(ctx context.Context, r *run) error {
	v := r.vault
	swapDenom := v.SwapDenom()

	ref, err := e.referencePrice(ctx, r)
	if err != nil {
		return err
	}
	r.emit(domain.ExecutionTriggered{SwapDenom: swapDenom, TargetDenom: v.TargetDenom, AssetPrice: ref})

	multiplier, err := e.adjustments.Multiplier(ctx, v, adjustment.MarketContext{Price: ref, Now: r.now})
	if err != nil {
		return err
	}
	adjusted := domain.MinDecimal(domain.Mul(v.SwapAmount, multiplier), v.Balance.Amount)
	r.record = &domain.ExecutionRecord{
		VaultID:        v.ID,
		SwapDenom:      swapDenom,
		TargetDenom:    v.TargetDenom,
		Multiplier:     multiplier,
		ReferencePrice: ref,
	}

	if !adjusted.IsPositive() {
		return e.skip(ctx, r, domain.SkipSwapAmountAdjustedToZero, fmt.Sprintf("multiplier %s", multiplier))
	}

	if v.MinimumReceiveAmount != nil {
		expected := domain.Quo(adjusted, ref)
		minimum := domain.Mul(*v.MinimumReceiveAmount, domain.Quo(adjusted, v.SwapAmount))
		if expected.LessThan(minimum) {
			return e.skip(ctx, r, domain.SkipPriceThresholdExceeded,
				fmt.Sprintf("expected %s below minimum %s", expected, minimum))
		}
	}

	offer := domain.Coin{Denom: swapDenom, Amount: adjusted}
	quote, err := e.router.SimulateSwap(ctx, offer, v.TargetDenom)
	if err != nil {
		return fmt.Errorf("vault %d: simulate swap: %w", v.ID, err)
	}
	slippage := domain.Quo(quote.Price.Sub(ref), ref)
	if slippage.GreaterThan(v.SlippageTolerance) {
		return fmt.Errorf("vault %d: slippage %s exceeds tolerance %s: %w",
			v.ID, slippage, v.SlippageTolerance, domain.ErrSlippageExceeded)
	}

	// Guard against the book moving between simulation and execution.
	maxPrice := domain.Mul(ref, domain.One.Add(v.SlippageTolerance))
	minReceive := domain.Quo(adjusted, maxPrice)
	_, err = e.router.ExecuteSwap(ctx, offer, v.TargetDenom, &minReceive, func(executed pricing.Quote) error {
		e.settle(r, offer, executed, multiplier)
		if err := e.advance(r); err != nil {
			return err
		}
		return e.persist(ctx, r)
	})
	if err != nil {
		return fmt.Errorf("vault %d: execute swap: %w", v.ID, err)
	}
	return nil
}

// settle books the executed swap on the vault, shadow ledger and ledger.
func (e *Executor) settle(r *run, offer domain.Coin, executed pricing.Quote, multiplier decimal.Decimal) {
	v, cfg := r.vault, r.cfg
	custody := cfg.CustodyAddress

	collectors, weights := cfg.FeeCollectorWeights()
	feePercent := cfg.ExecutionFeePercent
	if len(collectors) == 0 {
		feePercent = decimal.Zero
	}

	received := executed.Received.Amount
	fee := domain.Coin{Denom: v.TargetDenom, Amount: domain.Mul(received, feePercent)}
	net := received.Sub(fee.Amount)
	escrow := domain.Mul(net, v.EscrowLevel)

	v.Balance = v.Balance.Sub(offer.Amount)
	v.SwappedAmount = v.SwappedAmount.Add(offer.Amount)
	v.ReceivedAmount = v.ReceivedAmount.Add(net)
	if v.EscrowedAmount.Denom == "" {
		v.EscrowedAmount = domain.ZeroCoin(v.TargetDenom)
	}
	v.EscrowedAmount = v.EscrowedAmount.Add(escrow)
	v.LastAdjustment = multiplier

	// The benchmark swaps the unadjusted amount at the same price and fee.
	if std, ok := v.PerformanceAssessmentStrategy.(domain.CompareToStandardDCA); ok {
		stdReceived := domain.Mul(domain.Quo(v.SwapAmount, executed.Price), domain.One.Sub(feePercent))
		std.SwappedAmount = std.SwappedAmount.Add(v.SwapAmount)
		std.ReceivedAmount = std.ReceivedAmount.Add(stdReceived)
		v.PerformanceAssessmentStrategy = std
	}

	// Custody trades on the market, then pays out.
	r.entries = append(r.entries,
		domain.Debit(custody, offer),
		domain.Credit(custody, executed.Received),
	)
	addrs, destWeights := v.DestinationWeights()
	payout := domain.Coin{Denom: v.TargetDenom, Amount: net.Sub(escrow)}
	r.entries = append(r.entries, domain.Distribute(custody, payout, addrs, destWeights)...)
	r.entries = append(r.entries, performance.SplitFee(custody, fee, collectors, weights)...)

	r.emit(domain.ExecutionCompleted{
		Sent:           offer,
		Received:       domain.Coin{Denom: v.TargetDenom, Amount: net},
		Fee:            fee,
		SwapAdjustment: multiplier,
		Price:          executed.Price,
	})

	r.result = &domain.ExecutionResult{
		VaultID:    v.ID,
		Outcome:    domain.OutcomeExecuted,
		Sent:       offer,
		Received:   domain.Coin{Denom: v.TargetDenom, Amount: net},
		Fee:        fee,
		Multiplier: multiplier,
		Price:      executed.Price,
	}
	r.record.Outcome = domain.OutcomeExecuted
	r.record.Sent = offer.Amount
	r.record.Received = net
	r.record.Fee = fee.Amount
	r.record.Price = executed.Price
}

// skip records a non-retryable skip, moves the trigger on and persists r.
func (e *Executor) skip(ctx context.Context, r *run, reason, detail string) error {
	r.emit(domain.ExecutionSkipped{Reason: reason, Detail: detail})
	r.result = &domain.ExecutionResult{
		VaultID:    r.vault.ID,
		Outcome:    domain.OutcomeSkipped,
		Reason:     reason,
		Multiplier: r.record.Multiplier,
	}
	r.record.Outcome = domain.OutcomeSkipped
	r.record.Reason = reason
	if err := e.advance(r); err != nil {
		return err
	}
	return e.persist(ctx, r)
}

// advance schedules the next trigger, retiring the vault when nothing is left.
func (e *Executor) advance(r *run) error {
	next, err := scheduler.NextTrigger(r.vault, r.fired, r.now)
	if err != nil {
		return err
	}
	r.vault.Trigger = next
	if next == nil || r.vault.LowFunds() {
		return e.retire(r, domain.VaultStatusInactive)
	}
	return nil
}

// retire moves the vault to a terminal status, settles its escrow and
// refunds the remaining balance to the owner.
func (e *Executor) retire(r *run, status domain.VaultStatus) error {
	v, cfg := r.vault, r.cfg
	if !v.Status.CanTransition(status) {
		return fmt.Errorf("vault %d cannot move from %s to %s: %w", v.ID, v.Status, status, domain.ErrInvalidState)
	}

	collectors, weights := cfg.FeeCollectorWeights()
	disbursement, err := performance.DisburseEscrow(v, performance.FeeSchedule{
		Custody:    cfg.CustodyAddress,
		Percent:    cfg.PerformanceFeePercent,
		Collectors: collectors,
		Weights:    weights,
	})
	if err != nil {
		return err
	}
	r.entries = append(r.entries, disbursement.Entries...)
	if disbursement.Event != nil {
		r.emit(disbursement.Event.Data)
	}

	refund := v.Balance
	r.entries = append(r.entries, domain.Transfer(cfg.CustodyAddress, v.Owner, refund)...)
	v.Balance = domain.ZeroCoin(refund.Denom)
	v.Status = status
	v.Trigger = nil

	if status == domain.VaultStatusCancelled {
		r.emit(domain.VaultCancelled{Refunded: refund})
	} else {
		r.emit(domain.VaultExhausted{Refunded: refund})
	}
	return nil
}

// persist stores the vault with its events and ledger entries in one commit.
func (e *Executor) persist(ctx context.Context, r *run) error {
	if err := e.vaults.Save(ctx, r.vault, r.events, r.entries); err != nil {
		return fmt.Errorf("vault %d: save: %w", r.vault.ID, err)
	}
	return nil
}

// finish records analytics for a persisted run.
func (e *Executor) finish(ctx context.Context, r *run) *domain.ExecutionResult {
	v := r.vault
	if r.record == nil {
		r.record = &domain.ExecutionRecord{VaultID: v.ID, SwapDenom: v.SwapDenom(), TargetDenom: v.TargetDenom}
	}
	r.record.Outcome = r.result.Outcome
	e.writeRecord(ctx, r)

	multiplier, _ := r.result.Multiplier.Float64()
	observability.RecordExecution(r.result.Outcome, r.result.Reason, multiplier)
	return r.result
}

// recordRetryable notes a retryable failure on the event log only.
func (e *Executor) recordRetryable(ctx context.Context, r *run, cause error) {
	reason := domain.SkipSlippageToleranceExceeded
	if errors.Is(cause, domain.ErrInsufficientLiquidity) {
		reason = domain.SkipInsufficientLiquidity
	}
	event := &domain.Event{
		ResourceID: r.vault.ID,
		Timestamp:  r.now,
		Data:       domain.ExecutionSkipped{Reason: reason, Detail: cause.Error()},
	}
	if e.events != nil {
		if err := e.events.Append(ctx, []*domain.Event{event}); err != nil {
			e.logger.Printf("Vault %d: append skip event: %v", r.vault.ID, err)
		}
	}

	if r.record == nil {
		r.record = &domain.ExecutionRecord{VaultID: r.vault.ID, SwapDenom: r.vault.SwapDenom(), TargetDenom: r.vault.TargetDenom}
	}
	r.record.Outcome = domain.OutcomeFailed
	r.record.Reason = reason
	e.writeRecord(ctx, r)
	observability.RecordExecution(domain.OutcomeFailed, reason, 0)
}

func (e *Executor) writeRecord(ctx context.Context, r *run) {
	if e.executions == nil {
		return
	}
	rec := r.record
	rec.Timestamp = r.now

	// Retries of a time trigger share its target time, so failures key on now.
	triggerTime := r.now
	if t, ok := r.fired.(domain.TimeTrigger); ok && rec.Outcome != domain.OutcomeFailed {
		triggerTime = t.TargetTime
	}
	rec.ExecutionID = idhash.ComputeExecutionID(rec.VaultID, triggerTime.UnixMilli(), rec.Outcome)

	if err := e.executions.InsertBulk(ctx, []*domain.ExecutionRecord{rec}); err != nil {
		e.logger.Printf("Vault %d: record execution: %v", rec.VaultID, err)
	}
}

// referencePrice is the TWAP over the configured period, falling back to spot.
func (e *Executor) referencePrice(ctx context.Context, r *run) (decimal.Decimal, error) {
	v := r.vault
	price, err := e.router.TWAP(ctx, v.SwapDenom(), v.TargetDenom, r.cfg.TWAPPeriod(), r.now)
	if err != nil {
		return decimal.Zero, fmt.Errorf("vault %d: reference price: %w", v.ID, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("vault %d: reference price %s: %w", v.ID, price, domain.ErrInsufficientLiquidity)
	}
	return price, nil
}
