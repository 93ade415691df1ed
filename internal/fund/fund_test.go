package fund

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dca-vault-engine/internal/address"
	"dca-vault-engine/internal/config"
	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/pricing"
	"dca-vault-engine/internal/storage"
	"dca-vault-engine/internal/storage/memory"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func lvl(price, qty string) pricing.Level {
	return pricing.Level{Price: d(price), Quantity: d(qty)}
}

type harness struct {
	rebalancer *Rebalancer
	router     *pricing.Router
	ledger     *memory.LedgerStore
	events     *memory.EventStore
	rebalances *memory.RebalanceStore
	owner      string
}

// newHarness quotes atom at 10 usdc and osmo at 1 usdc. The osmo book is thin.
func newHarness(t *testing.T, atomBids []pricing.Level) *harness {
	t.Helper()
	ctx := context.Background()

	atomUSDC := domain.Pair{BaseDenom: "atom", QuoteDenom: "usdc"}
	osmoUSDC := domain.Pair{BaseDenom: "osmo", QuoteDenom: "usdc"}
	registry, err := pricing.NewRegistry(atomUSDC, osmoUSDC)
	require.NoError(t, err)
	router := pricing.NewRouter(registry, pricing.RouterOptions{Now: func() time.Time { return t0 }})

	atomBook, err := pricing.NewOrderBook(atomUSDC, []pricing.Level{lvl("10", "10000000")}, atomBids)
	require.NoError(t, err)
	require.NoError(t, router.UpdateBook(atomBook))
	osmoBook, err := pricing.NewOrderBook(osmoUSDC, []pricing.Level{lvl("1", "100")}, []pricing.Level{lvl("1", "100")})
	require.NoError(t, err)
	require.NoError(t, router.UpdateBook(osmoBook))

	store, err := config.NewStore(ctx, config.Default(), memory.NewConfigStore(), func() time.Time { return t0 })
	require.NoError(t, err)

	owner, err := address.Derive("fund-owner")
	require.NoError(t, err)

	h := &harness{
		router:     router,
		ledger:     memory.NewLedgerStore(),
		events:     memory.NewEventStore(),
		rebalances: memory.NewRebalanceStore(),
		owner:      owner,
	}
	h.rebalancer = NewRebalancer(Options{
		Funds:      memory.NewFundStore(h.events),
		Events:     h.events,
		Ledger:     h.ledger,
		Rebalances: h.rebalances,
		Router:     router,
		Paths:      registry,
		Config:     store,
		NewRunID:   func() string { return "run-1" },
	})
	return h
}

func deepBids() []pricing.Level {
	return []pricing.Level{lvl("10", "100000000")}
}

func (h *harness) fund(t *testing.T, denoms []string, deposits ...domain.Coin) *domain.Fund {
	t.Helper()
	ctx := context.Background()
	f, err := h.rebalancer.Create(ctx, CreateFundRequest{
		Owner:     h.owner,
		Label:     "treasury",
		BaseDenom: "usdc",
		Denoms:    denoms,
	}, t0)
	require.NoError(t, err)
	for _, c := range deposits {
		require.NoError(t, h.rebalancer.Deposit(ctx, f.ID, c))
	}
	return f
}

func (h *harness) balance(t *testing.T, f *domain.Fund, denom string) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), f.Address, denom)
	require.NoError(t, err)
	return b
}

func fraction(t *testing.T, allocations []domain.Allocation, denom string) decimal.Decimal {
	t.Helper()
	for _, a := range allocations {
		if a.Denom == denom {
			return a.Fraction
		}
	}
	t.Fatalf("no allocation for %s", denom)
	return decimal.Zero
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t, deepBids())
	ctx := context.Background()

	tests := []struct {
		name   string
		req    CreateFundRequest
		target error
	}{
		{"bad owner", CreateFundRequest{Owner: "nope", BaseDenom: "usdc", Denoms: []string{"usdc"}}, domain.ErrConfiguration},
		{"base not held", CreateFundRequest{Owner: h.owner, BaseDenom: "usdc", Denoms: []string{"atom"}}, domain.ErrConfiguration},
		{"duplicate denom", CreateFundRequest{Owner: h.owner, BaseDenom: "usdc", Denoms: []string{"usdc", "atom", "atom"}}, domain.ErrConfiguration},
		{"no path", CreateFundRequest{Owner: h.owner, BaseDenom: "usdc", Denoms: []string{"usdc", "juno"}}, storage.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.rebalancer.Create(ctx, tt.req, t0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
		})
	}

	f := h.fund(t, []string{"usdc", "atom"})
	assert.True(t, address.Validate(f.Address) == nil)
	assert.False(t, address.IsWallet(f.Address))

	_, err := h.rebalancer.Create(ctx, CreateFundRequest{
		Owner: h.owner, Label: "treasury", BaseDenom: "usdc", Denoms: []string{"usdc"},
	}, t0)
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))
}

func TestAllocations(t *testing.T) {
	h := newHarness(t, deepBids())
	ctx := context.Background()

	empty := h.fund(t, []string{"usdc", "atom"})
	_, err := h.rebalancer.Allocations(ctx, empty.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))

	require.NoError(t, h.rebalancer.Deposit(ctx, empty.ID, domain.NewCoin(3000, "usdc")))
	require.NoError(t, h.rebalancer.Deposit(ctx, empty.ID, domain.NewCoin(100, "atom")))

	allocations, err := h.rebalancer.Allocations(ctx, empty.ID)
	require.NoError(t, err)
	require.Len(t, allocations, 2)
	assert.Equal(t, "usdc", allocations[0].Denom)
	assert.True(t, allocations[0].Fraction.Equal(d("0.75")))
	assert.True(t, allocations[1].Fraction.Equal(d("0.25")))

	err = h.rebalancer.Deposit(ctx, empty.ID, domain.NewCoin(1, "juno"))
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestAllocations_EqualThirdsSumToOne(t *testing.T) {
	h := newHarness(t, deepBids())
	ctx := context.Background()

	// 1000 usdc, 100 atom at 10 and 1000 osmo at 1 are worth the same
	f := h.fund(t, []string{"usdc", "atom", "osmo"},
		domain.NewCoin(1000, "usdc"), domain.NewCoin(100, "atom"), domain.NewCoin(1000, "osmo"))

	allocations, err := h.rebalancer.Allocations(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, allocations, 3)

	want := []domain.Allocation{
		{Denom: "usdc", Fraction: d("0.333333333333333333")},
		{Denom: "atom", Fraction: d("0.333333333333333333")},
		{Denom: "osmo", Fraction: d("0.333333333333333334")},
	}
	sum := decimal.Zero
	for i, a := range allocations {
		assert.Equal(t, want[i].Denom, a.Denom)
		assert.True(t, a.Fraction.Equal(want[i].Fraction), "%s fraction %s", a.Denom, a.Fraction)
		sum = sum.Add(a.Fraction)
	}
	assert.True(t, sum.Equal(domain.One), "sum %s", sum)
}

func TestRebalance_ReachesTargets(t *testing.T) {
	h := newHarness(t, deepBids())
	ctx := context.Background()
	f := h.fund(t, []string{"usdc", "atom"}, domain.NewCoin(10_000_000, "usdc"), domain.NewCoin(1_000_000, "atom"))

	before, err := h.rebalancer.Allocations(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, fraction(t, before, "usdc").Equal(d("0.5")))

	result, err := h.rebalancer.Rebalance(ctx, RebalanceRequest{
		FundID:  f.ID,
		Targets: []domain.Allocation{{Denom: "usdc", Fraction: d("0.8")}, {Denom: "atom", Fraction: d("0.2")}},
	}, t0)
	require.NoError(t, err)

	assert.Equal(t, "run-1", result.RunID)
	assert.False(t, result.Aborted)
	assert.Empty(t, result.Failures)
	require.Len(t, result.Swaps, 1)
	assert.Equal(t, "atom", result.Swaps[0].Offer.Denom)
	assert.True(t, result.Swaps[0].Offer.Amount.Equal(d("600000")))
	assert.True(t, result.Swaps[0].Received.Equal(d("6000000")))

	assert.True(t, h.balance(t, f, "usdc").Equal(d("16000000")))
	assert.True(t, h.balance(t, f, "atom").Equal(d("400000")))

	after, err := h.rebalancer.Allocations(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, fraction(t, after, "usdc").Equal(d("0.8")))
	assert.True(t, fraction(t, after, "atom").Equal(d("0.2")))

	records, err := h.rebalances.GetByRunID(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.OutcomeExecuted, records[0].Status)
	assert.Len(t, records[0].SwapID, 64)

	events, err := h.events.ListByResource(ctx, f.ID, storage.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.FundRebalanced{RunID: "run-1", Swaps: 1}, events[0].Data)
}

func TestRebalance_DustIsIgnored(t *testing.T) {
	h := newHarness(t, deepBids())
	f := h.fund(t, []string{"usdc", "atom"}, domain.NewCoin(10_000_000, "usdc"), domain.NewCoin(1_000_000, "atom"))

	result, err := h.rebalancer.Rebalance(context.Background(), RebalanceRequest{
		FundID:  f.ID,
		Targets: []domain.Allocation{{Denom: "usdc", Fraction: d("0.5004")}, {Denom: "atom", Fraction: d("0.4996")}},
	}, t0)
	require.NoError(t, err)
	assert.Empty(t, result.Swaps)
	assert.Empty(t, result.Failures)
	assert.True(t, h.balance(t, f, "atom").Equal(d("1000000")))
}

func TestRebalance_AbortKeepsStateOnFirstFailure(t *testing.T) {
	h := newHarness(t, deepBids())
	f := h.fund(t, []string{"usdc", "atom", "osmo"},
		domain.NewCoin(10_000_000, "usdc"), domain.NewCoin(1_000_000, "atom"), domain.NewCoin(1_000_000, "osmo"))

	// osmo is the smaller over-allocation and goes first; its book is too thin
	result, err := h.rebalancer.Rebalance(context.Background(), RebalanceRequest{
		FundID:  f.ID,
		Targets: []domain.Allocation{{Denom: "usdc", Fraction: d("0.7")}, {Denom: "atom", Fraction: d("0.3")}},
	}, t0)
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Empty(t, result.Swaps)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "osmo", result.Failures[0].Offer.Denom)
	assert.True(t, result.Failures[0].Offer.Amount.Equal(d("1000000")))

	assert.True(t, h.balance(t, f, "usdc").Equal(d("10000000")))
	assert.True(t, h.balance(t, f, "osmo").Equal(d("1000000")))

	records, err := h.rebalances.GetByRunID(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.OutcomeFailed, records[0].Status)
}

func TestRebalance_SkipContinuesPastFailure(t *testing.T) {
	h := newHarness(t, deepBids())
	f := h.fund(t, []string{"usdc", "atom", "osmo"},
		domain.NewCoin(10_000_000, "usdc"), domain.NewCoin(1_000_000, "atom"), domain.NewCoin(1_000_000, "osmo"))

	skip := domain.FailureSkip
	result, err := h.rebalancer.Rebalance(context.Background(), RebalanceRequest{
		FundID:    f.ID,
		Targets:   []domain.Allocation{{Denom: "usdc", Fraction: d("0.7")}, {Denom: "atom", Fraction: d("0.3")}},
		Behaviour: &skip,
	}, t0)
	require.NoError(t, err)
	assert.False(t, result.Aborted)
	require.Len(t, result.Failures, 1)
	require.Len(t, result.Swaps, 1)

	swap := result.Swaps[0]
	assert.Equal(t, "atom", swap.Offer.Denom)
	assert.Equal(t, "usdc", swap.Target)
	amount, _ := swap.Offer.Amount.Float64()
	assert.InDelta(t, 370000, amount, 0.001)
	assert.True(t, h.balance(t, f, "osmo").Equal(d("1000000")))
}

func TestRebalance_SlippageTolerance(t *testing.T) {
	h := newHarness(t, []pricing.Level{lvl("10", "1000000"), lvl("5", "100000000")})
	f := h.fund(t, []string{"usdc", "atom"}, domain.NewCoin(10_000_000, "usdc"), domain.NewCoin(1_000_000, "atom"))
	targets := []domain.Allocation{{Denom: "usdc", Fraction: d("0.8")}, {Denom: "atom", Fraction: d("0.2")}}

	result, err := h.rebalancer.Rebalance(context.Background(), RebalanceRequest{FundID: f.ID, Targets: targets}, t0)
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0].Reason, domain.ErrSlippageExceeded.Error())

	// 100000 atom fill at 10, the rest at 5
	loose := d("1")
	result, err = h.rebalancer.Rebalance(context.Background(), RebalanceRequest{FundID: f.ID, Targets: targets, Slippage: &loose}, t0)
	require.NoError(t, err)
	require.Len(t, result.Swaps, 1)
	assert.True(t, result.Swaps[0].Received.Equal(d("3500000")))
	assert.True(t, h.balance(t, f, "usdc").Equal(d("13500000")))
}

func TestRebalance_RejectsBadTargets(t *testing.T) {
	h := newHarness(t, deepBids())
	f := h.fund(t, []string{"usdc", "atom"}, domain.NewCoin(1_000_000, "usdc"))
	ctx := context.Background()

	tests := []struct {
		name    string
		targets []domain.Allocation
	}{
		{"short of one", []domain.Allocation{{Denom: "usdc", Fraction: d("0.9")}}},
		{"unknown denom", []domain.Allocation{{Denom: "usdc", Fraction: d("0.5")}, {Denom: "juno", Fraction: d("0.5")}}},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.rebalancer.Rebalance(ctx, RebalanceRequest{FundID: f.ID, Targets: tt.targets}, t0)
			assert.True(t, errors.Is(err, domain.ErrConfiguration), "got %v", err)
		})
	}

	_, err := h.rebalancer.Rebalance(ctx, RebalanceRequest{FundID: 99, Targets: []domain.Allocation{{Denom: "usdc", Fraction: domain.One}}}, t0)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestPlanSwaps_PushesBackUnfilledUnderAllocation(t *testing.T) {
	holdings := []holding{
		{denom: "usdc", balance: d("0"), value: d("0")},
		{denom: "atom", balance: d("100000"), value: d("1000000")},
		{denom: "osmo", balance: d("2000000"), value: d("1000000")},
	}
	targets := map[string]decimal.Decimal{"usdc": d("0.5"), "atom": d("0.25"), "osmo": d("0.25")}

	plan := planSwaps(holdings, d("2000000"), targets, d("50000"))
	require.Len(t, plan, 2)
	assert.Equal(t, "atom", plan[0].offer.Denom)
	assert.True(t, plan[0].offer.Amount.Equal(d("50000")))
	assert.Equal(t, "usdc", plan[0].target)
	assert.Equal(t, "osmo", plan[1].offer.Denom)
	assert.True(t, plan[1].offer.Amount.Equal(d("1000000")))
	assert.Equal(t, "usdc", plan[1].target)
}
