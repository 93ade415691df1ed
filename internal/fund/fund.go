// Package fund values multi-asset funds against their base denom and
// rebalances them toward target allocations through the pricing router.
package fund

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/address"
	"dca-vault-engine/internal/config"
	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/idhash"
	"dca-vault-engine/internal/keylock"
	"dca-vault-engine/internal/observability"
	"dca-vault-engine/internal/pricing"
	"dca-vault-engine/internal/storage"
)

// Router prices and executes swaps.
type Router interface {
	SimulateSwap(ctx context.Context, offer domain.Coin, target string) (pricing.Quote, error)
	ExecuteSwap(ctx context.Context, offer domain.Coin, target string, minReceive *decimal.Decimal, commit func(pricing.Quote) error) (pricing.Quote, error)
	SpotPrice(ctx context.Context, offerDenom, target string) (decimal.Decimal, error)
}

// Pather resolves swap paths between denoms.
type Pather interface {
	Path(from, to string) ([]domain.Pair, error)
}

// Rebalance run statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusAborted = "aborted"
)

// Options contains the dependencies of a Rebalancer.
type Options struct {
	Funds      storage.FundStore
	Events     storage.EventStore
	Ledger     storage.LedgerStore
	Rebalances storage.RebalanceStore // optional analytics sink
	Router     Router
	Paths      Pather
	Config     *config.Store
	Logger     *log.Logger
	NewRunID   func() string
}

// Rebalancer creates, values and rebalances funds. Rebalances of one fund
// are serialized.
type Rebalancer struct {
	funds      storage.FundStore
	events     storage.EventStore
	ledger     storage.LedgerStore
	rebalances storage.RebalanceStore
	router     Router
	paths      Pather
	config     *config.Store
	logger     *log.Logger
	newRunID   func() string
	locks      *keylock.Map
}

// NewRebalancer creates a rebalancer.
func NewRebalancer(opts Options) *Rebalancer {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	newRunID := opts.NewRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}
	return &Rebalancer{
		funds:      opts.Funds,
		events:     opts.Events,
		ledger:     opts.Ledger,
		rebalances: opts.Rebalances,
		router:     opts.Router,
		paths:      opts.Paths,
		config:     opts.Config,
		logger:     logger,
		newRunID:   newRunID,
		locks:      keylock.New(),
	}
}

// CreateFundRequest describes a new fund.
type CreateFundRequest struct {
	Owner     string
	Label     string
	BaseDenom string
	Denoms    []string // must include BaseDenom
}

// Create registers a fund. Its ledger address is derived from owner and label.
func (r *Rebalancer) Create(ctx context.Context, req CreateFundRequest, now time.Time) (*domain.Fund, error) {
	if r.config.Current().Paused {
		return nil, fmt.Errorf("create fund: %w", domain.ErrPaused)
	}
	if err := address.Validate(req.Owner); err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	if req.BaseDenom == "" {
		return nil, fmt.Errorf("fund base denom must be set: %w", domain.ErrConfiguration)
	}

	seen := make(map[string]struct{}, len(req.Denoms))
	for _, denom := range req.Denoms {
		if denom == "" {
			return nil, fmt.Errorf("fund denom must be set: %w", domain.ErrConfiguration)
		}
		if _, dup := seen[denom]; dup {
			return nil, fmt.Errorf("fund denom %s listed twice: %w", denom, domain.ErrConfiguration)
		}
		seen[denom] = struct{}{}
		if denom == req.BaseDenom || r.paths == nil {
			continue
		}
		if _, err := r.paths.Path(denom, req.BaseDenom); err != nil {
			return nil, fmt.Errorf("fund denom %s has no path to %s: %w", denom, req.BaseDenom, err)
		}
	}
	if _, ok := seen[req.BaseDenom]; !ok {
		return nil, fmt.Errorf("fund denoms must include base denom %s: %w", req.BaseDenom, domain.ErrConfiguration)
	}

	addr, err := address.Derive(req.Owner, "fund", req.Label)
	if err != nil {
		return nil, fmt.Errorf("derive fund address: %w", err)
	}
	f := &domain.Fund{
		Address:   addr,
		BaseDenom: req.BaseDenom,
		Denoms:    append([]string(nil), req.Denoms...),
		CreatedAt: now,
	}
	if err := r.funds.Create(ctx, f); err != nil {
		return nil, fmt.Errorf("create fund %s: %w", addr, err)
	}
	r.logger.Printf("Fund %d created at %s with %d denoms", f.ID, f.Address, len(f.Denoms))
	return f, nil
}

// Deposit credits a fund's ledger address.
func (r *Rebalancer) Deposit(ctx context.Context, fundID uint64, amount domain.Coin) error {
	if r.config.Current().Paused {
		return fmt.Errorf("fund %d: %w", fundID, domain.ErrPaused)
	}
	f, err := r.funds.GetByID(ctx, fundID)
	if err != nil {
		return fmt.Errorf("fund %d: %w", fundID, err)
	}
	if !amount.Amount.IsPositive() {
		return fmt.Errorf("fund %d: deposit %s must be positive: %w", fundID, amount, domain.ErrConfiguration)
	}
	if !f.Holds(amount.Denom) {
		return fmt.Errorf("fund %d does not hold %s: %w", fundID, amount.Denom, domain.ErrConfiguration)
	}
	if err := r.ledger.Apply(ctx, []domain.LedgerEntry{domain.Credit(f.Address, amount)}); err != nil {
		return fmt.Errorf("fund %d: apply deposit: %w", fundID, err)
	}
	return nil
}

// holding is one denom of a fund with its balance and base value.
type holding struct {
	denom   string
	balance decimal.Decimal
	value   decimal.Decimal
}

// valuation reads the fund's balances and values them in the base denom.
func (r *Rebalancer) valuation(ctx context.Context, f *domain.Fund) ([]holding, decimal.Decimal, error) {
	holdings := make([]holding, 0, len(f.Denoms))
	total := decimal.Zero
	for _, denom := range f.Denoms {
		balance, err := r.ledger.Balance(ctx, f.Address, denom)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("fund %d: balance of %s: %w", f.ID, denom, err)
		}
		value := balance
		if denom != f.BaseDenom && balance.IsPositive() {
			price, err := r.router.SpotPrice(ctx, denom, f.BaseDenom)
			if err != nil {
				return nil, decimal.Zero, fmt.Errorf("fund %d: price of %s: %w", f.ID, denom, err)
			}
			if !price.IsPositive() {
				return nil, decimal.Zero, fmt.Errorf("fund %d: price of %s is %s: %w",
					f.ID, denom, price, domain.ErrInsufficientLiquidity)
			}
			value = domain.Quo(balance, price)
		}
		holdings = append(holdings, holding{denom: denom, balance: balance, value: value})
		total = total.Add(value)
	}
	if !total.IsPositive() {
		return nil, decimal.Zero, fmt.Errorf("fund %d holds no value: %w", f.ID, domain.ErrInvalidState)
	}
	return holdings, total, nil
}

// Allocations returns the fraction of total value held in each fund denom,
// in the fund's denom order. Fractions sum to exactly one.
func (r *Rebalancer) Allocations(ctx context.Context, fundID uint64) ([]domain.Allocation, error) {
	f, err := r.funds.GetByID(ctx, fundID)
	if err != nil {
		return nil, fmt.Errorf("fund %d: %w", fundID, err)
	}
	holdings, total, err := r.valuation(ctx, f)
	if err != nil {
		return nil, err
	}
	return fractions(holdings, total), nil
}

func fractions(holdings []holding, total decimal.Decimal) []domain.Allocation {
	out := make([]domain.Allocation, len(holdings))
	sum := decimal.Zero
	for i, h := range holdings {
		if i == len(holdings)-1 {
			out[i] = domain.Allocation{Denom: h.denom, Fraction: domain.One.Sub(sum)}
			break
		}
		f := domain.Quo(h.value, total)
		out[i] = domain.Allocation{Denom: h.denom, Fraction: f}
		sum = sum.Add(f)
	}
	return out
}

// RebalanceRequest describes a rebalance run.
type RebalanceRequest struct {
	FundID    uint64
	Targets   []domain.Allocation // denoms left out target zero
	Slippage  *decimal.Decimal    // defaults to the configured tolerance
	Behaviour *domain.FailureBehaviour
}

// Result summarizes a rebalance run.
type Result struct {
	RunID    string                    `json:"run_id"`
	Swaps    []domain.RebalanceSwap    `json:"swaps"`
	Failures []domain.RebalanceFailure `json:"failures"`
	Aborted  bool                      `json:"aborted"`
}

// Rebalance moves the fund toward the target allocations. Swaps are planned
// up front from the current valuation and executed one at a time; each swap
// is applied to the router and the ledger together. With FailureAbort the
// run stops at the first failure and completed swaps stand.
func (r *Rebalancer) Rebalance(ctx context.Context, req RebalanceRequest, now time.Time) (*Result, error) {
	cfg := r.config.Current()
	if cfg.Paused {
		return nil, fmt.Errorf("fund %d: %w", req.FundID, domain.ErrPaused)
	}

	unlock := r.locks.Lock(req.FundID)
	defer unlock()

	f, err := r.funds.GetByID(ctx, req.FundID)
	if err != nil {
		return nil, fmt.Errorf("fund %d: %w", req.FundID, err)
	}
	targets, err := targetMap(f, req.Targets)
	if err != nil {
		return nil, err
	}

	slippage := cfg.DefaultSlippage
	if req.Slippage != nil {
		slippage = *req.Slippage
	}
	if slippage.IsNegative() || slippage.GreaterThan(domain.One) {
		return nil, fmt.Errorf("fund %d: slippage tolerance %s must be within [0, 1]: %w",
			f.ID, slippage, domain.ErrConfiguration)
	}
	behaviour := domain.FailureAbort
	if req.Behaviour != nil {
		behaviour = *req.Behaviour
	}
	if behaviour != domain.FailureAbort && behaviour != domain.FailureSkip {
		return nil, fmt.Errorf("fund %d: unknown failure behaviour %q: %w", f.ID, behaviour, domain.ErrConfiguration)
	}

	holdings, total, err := r.valuation(ctx, f)
	if err != nil {
		return nil, err
	}
	plan := planSwaps(holdings, total, targets, cfg.DustThreshold)

	result := &Result{RunID: r.newRunID()}
	records := make([]*domain.RebalanceRecord, 0, len(plan))
	for seq, p := range plan {
		record := &domain.RebalanceRecord{
			SwapID:      idhash.ComputeRebalanceSwapID(result.RunID, f.ID, seq, p.offer.Denom, p.target),
			RunID:       result.RunID,
			FundID:      f.ID,
			Timestamp:   now,
			OfferDenom:  p.offer.Denom,
			OfferAmount: p.offer.Amount,
			TargetDenom: p.target,
		}
		records = append(records, record)

		swap, err := r.swap(ctx, f, p, slippage)
		if err != nil {
			record.Status = domain.OutcomeFailed
			record.Reason = err.Error()
			result.Failures = append(result.Failures, domain.RebalanceFailure{
				Offer:  p.offer,
				Target: p.target,
				Reason: err.Error(),
			})
			r.logger.Printf("Fund %d: swap %s -> %s failed: %v", f.ID, p.offer, p.target, err)
			if behaviour == domain.FailureAbort {
				result.Aborted = true
				break
			}
			continue
		}
		record.Status = domain.OutcomeExecuted
		record.Received = swap.Received
		record.Price = swap.Price
		result.Swaps = append(result.Swaps, swap)
	}

	r.finish(ctx, f, result, records, now)
	return result, nil
}

func targetMap(f *domain.Fund, targets []domain.Allocation) (map[string]decimal.Decimal, error) {
	if err := domain.ValidateAllocations(targets); err != nil {
		return nil, fmt.Errorf("fund %d: targets: %w", f.ID, err)
	}
	out := make(map[string]decimal.Decimal, len(targets))
	for _, t := range targets {
		if !f.Holds(t.Denom) {
			return nil, fmt.Errorf("fund %d: target denom %s is not held: %w", f.ID, t.Denom, domain.ErrConfiguration)
		}
		out[t.Denom] = t.Fraction
	}
	return out, nil
}

// plannedSwap is one swap from an over-allocated into an under-allocated denom.
type plannedSwap struct {
	offer  domain.Coin
	target string
}

// gap is a denom's distance from its target, in base value.
type gap struct {
	denom string
	value decimal.Decimal
}

// planSwaps pairs over-allocated denoms, smallest first, with the queue of
// under-allocated denoms. Swaps below dust are dropped, and a swap that
// would leave less than dust behind takes the whole remaining balance.
func planSwaps(holdings []holding, total decimal.Decimal, targets map[string]decimal.Decimal, dust decimal.Decimal) []plannedSwap {
	var overs, unders []gap
	byDenom := make(map[string]holding, len(holdings))
	for _, h := range holdings {
		byDenom[h.denom] = h
		current := domain.Quo(h.value, total)
		delta := domain.Mul(current.Sub(targets[h.denom]).Abs(), total)
		if delta.IsZero() {
			continue
		}
		if current.GreaterThan(targets[h.denom]) {
			overs = append(overs, gap{denom: h.denom, value: delta})
		} else {
			unders = append(unders, gap{denom: h.denom, value: delta})
		}
	}
	sort.SliceStable(overs, func(i, j int) bool { return overs[i].value.LessThan(overs[j].value) })

	remaining := make(map[string]decimal.Decimal, len(holdings))
	for _, h := range holdings {
		remaining[h.denom] = h.balance
	}

	var plan []plannedSwap
	for _, over := range overs {
		h := byDenom[over.denom]
		for over.value.IsPositive() && len(unders) > 0 {
			under := unders[0]
			unders = unders[1:]

			value := domain.MinDecimal(over.value, under.value)
			amount := domain.Mul(domain.Quo(value, h.value), h.balance)
			left := remaining[h.denom]
			if left.Sub(amount).LessThan(dust) {
				amount = left
			}

			over.value = over.value.Sub(value)
			if rest := under.value.Sub(value); rest.IsPositive() {
				unders = append([]gap{{denom: under.denom, value: rest}}, unders...)
			}

			if amount.LessThan(dust) || !amount.IsPositive() {
				continue
			}
			remaining[h.denom] = left.Sub(amount)
			plan = append(plan, plannedSwap{
				offer:  domain.Coin{Denom: h.denom, Amount: amount},
				target: under.denom,
			})
		}
	}
	return plan
}

// swap checks the quote against the belief price, executes it and books it
// on the fund's ledger address. The book is only consumed if the ledger
// batch applies.
func (r *Rebalancer) swap(ctx context.Context, f *domain.Fund, p plannedSwap, slippage decimal.Decimal) (domain.RebalanceSwap, error) {
	belief, err := r.router.SpotPrice(ctx, p.offer.Denom, p.target)
	if err != nil {
		return domain.RebalanceSwap{}, err
	}
	if !belief.IsPositive() {
		return domain.RebalanceSwap{}, fmt.Errorf("belief price of %s in %s is %s: %w",
			p.offer.Denom, p.target, belief, domain.ErrInsufficientLiquidity)
	}

	quote, err := r.router.SimulateSwap(ctx, p.offer, p.target)
	if err != nil {
		return domain.RebalanceSwap{}, err
	}
	deviation := domain.Quo(quote.Price.Sub(belief), belief)
	if deviation.GreaterThan(slippage) {
		return domain.RebalanceSwap{}, fmt.Errorf("swap of %s into %s: slippage %s exceeds tolerance %s: %w",
			p.offer, p.target, deviation, slippage, domain.ErrSlippageExceeded)
	}

	minReceive := domain.Quo(p.offer.Amount, domain.Mul(belief, domain.One.Add(slippage)))
	executed, err := r.router.ExecuteSwap(ctx, p.offer, p.target, &minReceive, func(q pricing.Quote) error {
		entries := []domain.LedgerEntry{
			domain.Debit(f.Address, p.offer),
			domain.Credit(f.Address, q.Received),
		}
		if err := r.ledger.Apply(ctx, entries); err != nil {
			return fmt.Errorf("apply swap of %s: %w", p.offer, err)
		}
		return nil
	})
	if err != nil {
		return domain.RebalanceSwap{}, err
	}
	return domain.RebalanceSwap{
		Offer:    p.offer,
		Target:   p.target,
		Received: executed.Received.Amount,
		Price:    executed.Price,
	}, nil
}

// finish records analytics and the FundRebalanced event of a run.
func (r *Rebalancer) finish(ctx context.Context, f *domain.Fund, result *Result, records []*domain.RebalanceRecord, now time.Time) {
	status := StatusSuccess
	switch {
	case result.Aborted:
		status = StatusAborted
	case len(result.Failures) > 0:
		status = StatusPartial
	}
	observability.RecordRebalance(status, len(result.Swaps), len(result.Failures))

	if r.rebalances != nil && len(records) > 0 {
		if err := r.rebalances.InsertBulk(ctx, records); err != nil {
			r.logger.Printf("Fund %d: record rebalance %s: %v", f.ID, result.RunID, err)
		}
	}

	if r.events != nil {
		event := &domain.Event{
			ResourceID: f.ID,
			Timestamp:  now,
			Data: domain.FundRebalanced{
				RunID:    result.RunID,
				Swaps:    len(result.Swaps),
				Failures: len(result.Failures),
				Aborted:  result.Aborted,
			},
		}
		if err := r.events.Append(ctx, []*domain.Event{event}); err != nil {
			r.logger.Printf("Fund %d: append rebalance event: %v", f.ID, err)
		}
	}

	r.logger.Printf("Fund %d: rebalance %s %s: %d swaps, %d failures",
		f.ID, result.RunID, status, len(result.Swaps), len(result.Failures))
}
