package pricing

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// PriceType selects how GetPrice quotes a swap.
type PriceType string

const (
	// PriceBelief is the top-of-book price, independent of size.
	PriceBelief PriceType = "belief"
	// PriceActual is the effective price of simulating the full offer.
	PriceActual PriceType = "actual"
)

// Price point sources.
const (
	SourceSwap = "swap"
	SourceFeed = "feed"
)

// RouterOptions configures a Router.
type RouterOptions struct {
	// History receives a price point per executed hop. Optional.
	History storage.PriceHistoryStore
	Logger  *log.Logger
	Now     func() time.Time
}

// Router simulates and executes swaps across registered pairs.
type Router struct {
	registry *Registry
	history  storage.PriceHistoryStore
	logger   *log.Logger
	now      func() time.Time

	mu    sync.RWMutex
	books map[string]*OrderBook
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry, opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		registry: registry,
		history:  opts.History,
		logger:   opts.Logger,
		now:      opts.Now,
		books:    make(map[string]*OrderBook),
	}
}

// Registry returns the pair registry used for routing.
func (r *Router) Registry() *Registry {
	return r.registry
}

// UpdateBook replaces the book of a registered pair.
func (r *Router) UpdateBook(book *OrderBook) error {
	if _, err := r.registry.Get(book.Pair.BaseDenom, book.Pair.QuoteDenom); err != nil {
		return err
	}
	r.mu.Lock()
	r.books[book.Pair.Key()] = book.Clone()
	r.mu.Unlock()
	return nil
}

// Book returns a copy of the current book of a pair.
func (r *Router) Book(pairKey string) (*OrderBook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[pairKey]
	if !ok {
		return nil, fmt.Errorf("order book %s: %w", pairKey, storage.ErrNotFound)
	}
	return b.Clone(), nil
}

// SimulateSwap quotes offer into target along the registry path without
// consuming liquidity.
func (r *Router) SimulateSwap(ctx context.Context, offer domain.Coin, target string) (Quote, error) {
	path, err := r.registry.Path(offer.Denom, target)
	if err != nil {
		return Quote{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	amount := offer
	route := []string{offer.Denom}
	for _, pair := range path {
		book, err := r.bookLocked(pair)
		if err != nil {
			return Quote{}, err
		}
		next, _ := pair.Other(amount.Denom)
		q, err := book.Simulate(amount, next)
		if err != nil {
			return Quote{}, err
		}
		amount = q.Received
		route = append(route, next)
	}
	return newQuote(offer, amount, route)
}

// ExecuteSwap fills offer into target and removes the consumed liquidity.
// Either every hop is applied or none is. If minReceive is set and the
// final amount falls below it, nothing is applied and ErrSlippageExceeded
// is returned.
//
// commit, if not nil, is called with the filled quote before the books are
// updated and while no other swap can run. If it returns an error the books
// are left untouched and the error is returned.
func (r *Router) ExecuteSwap(ctx context.Context, offer domain.Coin, target string, minReceive *decimal.Decimal, commit func(Quote) error) (Quote, error) {
	path, err := r.registry.Path(offer.Denom, target)
	if err != nil {
		return Quote{}, err
	}

	quote, hops, err := r.fill(offer, path, minReceive, commit)
	if err != nil {
		return Quote{}, err
	}
	r.recordPrices(ctx, hops)
	return quote, nil
}

// fill walks path under the write lock and installs the consumed books once
// commit accepts the quote.
func (r *Router) fill(offer domain.Coin, path []domain.Pair, minReceive *decimal.Decimal, commit func(Quote) error) (Quote, []*domain.PricePoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	amount := offer
	route := []string{offer.Denom}
	updated := make([]*OrderBook, 0, len(path))
	hops := make([]*domain.PricePoint, 0, len(path))
	now := r.now()

	for _, pair := range path {
		book, err := r.bookLocked(pair)
		if err != nil {
			return Quote{}, nil, err
		}
		work := book.Clone()
		next, _ := pair.Other(amount.Denom)
		received, err := work.consume(amount, next)
		if err == nil && !received.IsPositive() {
			err = fmt.Errorf("swap of %s on pair %s receives nothing: %w", amount, pair.Key(), domain.ErrInsufficientLiquidity)
		}
		if err != nil {
			return Quote{}, nil, err
		}
		hops = append(hops, hopPricePoint(pair, amount, received, now))
		updated = append(updated, work)
		amount = domain.Coin{Denom: next, Amount: received}
		route = append(route, next)
	}

	if minReceive != nil && amount.Amount.LessThan(*minReceive) {
		return Quote{}, nil, fmt.Errorf("swap of %s receives %s, below minimum %s: %w",
			offer, amount, minReceive.String(), domain.ErrSlippageExceeded)
	}

	quote, err := newQuote(offer, amount, route)
	if err != nil {
		return Quote{}, nil, err
	}
	if commit != nil {
		if err := commit(quote); err != nil {
			return Quote{}, nil, err
		}
	}

	for _, b := range updated {
		r.books[b.Pair.Key()] = b
	}
	return quote, hops, nil
}

// SpotPrice returns the belief price of offerDenom in target, in offer per
// target units, composed across hops.
func (r *Router) SpotPrice(ctx context.Context, offerDenom, target string) (decimal.Decimal, error) {
	path, err := r.registry.Path(offerDenom, target)
	if err != nil {
		return decimal.Zero, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	price := domain.One
	denom := offerDenom
	for _, pair := range path {
		book, err := r.bookLocked(pair)
		if err != nil {
			return decimal.Zero, err
		}
		hop, err := book.SpotPrice(denom)
		if err != nil {
			return decimal.Zero, err
		}
		price = domain.Mul(price, hop)
		denom, _ = pair.Other(denom)
	}
	return price, nil
}

// GetPrice quotes offer into target using the requested price type.
func (r *Router) GetPrice(ctx context.Context, offer domain.Coin, target string, priceType PriceType) (decimal.Decimal, error) {
	switch priceType {
	case PriceBelief:
		return r.SpotPrice(ctx, offer.Denom, target)
	case PriceActual:
		q, err := r.SimulateSwap(ctx, offer, target)
		if err != nil {
			return decimal.Zero, err
		}
		return q.Price, nil
	}
	return decimal.Zero, fmt.Errorf("unknown price type %q: %w", priceType, domain.ErrConfiguration)
}

// TWAP returns the time-weighted average price of offerDenom in target over
// [now-period, now]. Hops without recorded points fall back to spot.
func (r *Router) TWAP(ctx context.Context, offerDenom, target string, period time.Duration, now time.Time) (decimal.Decimal, error) {
	path, err := r.registry.Path(offerDenom, target)
	if err != nil {
		return decimal.Zero, err
	}

	price := domain.One
	denom := offerDenom
	for _, pair := range path {
		next, _ := pair.Other(denom)
		hop, err := r.hopTWAP(ctx, pair, denom, next, period, now)
		if err != nil {
			return decimal.Zero, err
		}
		price = domain.Mul(price, hop)
		denom = next
	}
	return price, nil
}

func (r *Router) hopTWAP(ctx context.Context, pair domain.Pair, offerDenom, target string, period time.Duration, now time.Time) (decimal.Decimal, error) {
	if r.history != nil && period > 0 {
		start := now.Add(-period)
		points, err := r.history.GetRange(ctx, pair.Key(), start, now)
		if err != nil {
			return decimal.Zero, fmt.Errorf("load price history %s: %w", pair.Key(), err)
		}
		if avg, ok := TimeWeightedAverage(points, offerDenom, start, now); ok {
			return avg, nil
		}
	}
	return r.SpotPrice(ctx, offerDenom, target)
}

// RecordPrice stores an observed quote-per-base price of a pair.
func (r *Router) RecordPrice(ctx context.Context, pair domain.Pair, price decimal.Decimal, source string, at time.Time) error {
	if r.history == nil {
		return nil
	}
	return r.history.InsertBulk(ctx, []*domain.PricePoint{{
		PairKey:    pair.Key(),
		BaseDenom:  pair.BaseDenom,
		QuoteDenom: pair.QuoteDenom,
		Timestamp:  at,
		Price:      price,
		Source:     source,
	}})
}

func (r *Router) recordPrices(ctx context.Context, points []*domain.PricePoint) {
	if r.history == nil || len(points) == 0 {
		return
	}
	if err := r.history.InsertBulk(ctx, points); err != nil {
		r.logger.Printf("record swap prices: %v", err)
	}
}

func (r *Router) bookLocked(pair domain.Pair) (*OrderBook, error) {
	b, ok := r.books[pair.Key()]
	if !ok {
		return nil, fmt.Errorf("pair %s has no order book: %w", pair.Key(), domain.ErrInsufficientLiquidity)
	}
	return b, nil
}

// hopPricePoint expresses a filled hop as quote per base.
func hopPricePoint(pair domain.Pair, offer domain.Coin, received decimal.Decimal, at time.Time) *domain.PricePoint {
	var price decimal.Decimal
	if offer.Denom == pair.QuoteDenom {
		price = domain.Quo(offer.Amount, received)
	} else {
		price = domain.Quo(received, offer.Amount)
	}
	return &domain.PricePoint{
		PairKey:    pair.Key(),
		BaseDenom:  pair.BaseDenom,
		QuoteDenom: pair.QuoteDenom,
		Timestamp:  at,
		Price:      price,
		Source:     SourceSwap,
	}
}
