// Package pricing simulates swaps against order books and routes them
// through the pair registry.
package pricing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/domain"
)

// Level is one price level of an order book. Price is always quote per base.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"` // base for asks, quote for bids
}

// OrderBook holds resting liquidity of one pair.
// Asks sell base to a taker offering quote; bids buy base from a taker offering base.
type OrderBook struct {
	Pair domain.Pair
	Asks []Level // ascending by price
	Bids []Level // descending by price
}

// NewOrderBook validates levels and sorts them best first.
func NewOrderBook(pair domain.Pair, asks, bids []Level) (*OrderBook, error) {
	if err := pair.Validate(); err != nil {
		return nil, err
	}
	for _, l := range append(append([]Level(nil), asks...), bids...) {
		if !l.Price.IsPositive() || !l.Quantity.IsPositive() {
			return nil, fmt.Errorf("pair %s: level price %s quantity %s must be positive: %w",
				pair.Key(), l.Price, l.Quantity, domain.ErrConfiguration)
		}
	}

	b := &OrderBook{
		Pair: pair,
		Asks: append([]Level(nil), asks...),
		Bids: append([]Level(nil), bids...),
	}
	sort.SliceStable(b.Asks, func(i, j int) bool { return b.Asks[i].Price.LessThan(b.Asks[j].Price) })
	sort.SliceStable(b.Bids, func(i, j int) bool { return b.Bids[i].Price.GreaterThan(b.Bids[j].Price) })
	return b, nil
}

// Clone returns a deep copy of the book.
func (b *OrderBook) Clone() *OrderBook {
	return &OrderBook{
		Pair: b.Pair,
		Asks: append([]Level(nil), b.Asks...),
		Bids: append([]Level(nil), b.Bids...),
	}
}

// Quote is the outcome of a simulated or executed swap.
type Quote struct {
	Offer    domain.Coin
	Received domain.Coin
	Price    decimal.Decimal // offer per unit received
	Route    []string        // denoms visited, offer denom first
}

// Simulate walks the book without mutating it.
func (b *OrderBook) Simulate(offer domain.Coin, target string) (Quote, error) {
	received, _, err := b.fill(offer, target)
	if err != nil {
		return Quote{}, err
	}
	return newQuote(offer, domain.Coin{Denom: target, Amount: received}, []string{offer.Denom, target})
}

// SpotPrice returns the best-level price in offer per target units.
func (b *OrderBook) SpotPrice(offerDenom string) (decimal.Decimal, error) {
	switch offerDenom {
	case b.Pair.QuoteDenom:
		if len(b.Asks) == 0 {
			return decimal.Zero, fmt.Errorf("pair %s has no asks: %w", b.Pair.Key(), domain.ErrInsufficientLiquidity)
		}
		return b.Asks[0].Price, nil
	case b.Pair.BaseDenom:
		if len(b.Bids) == 0 {
			return decimal.Zero, fmt.Errorf("pair %s has no bids: %w", b.Pair.Key(), domain.ErrInsufficientLiquidity)
		}
		return domain.Quo(domain.One, b.Bids[0].Price), nil
	}
	return decimal.Zero, fmt.Errorf("denom %s is not part of pair %s: %w", offerDenom, b.Pair.Key(), domain.ErrConfiguration)
}

// fill consumes levels best first until offer is exhausted. It returns the
// amount received and the levels left on the consumed side.
func (b *OrderBook) fill(offer domain.Coin, target string) (decimal.Decimal, []Level, error) {
	if !offer.Amount.IsPositive() {
		return decimal.Zero, nil, fmt.Errorf("offer %s must be positive: %w", offer, domain.ErrInvalidState)
	}

	var levels []Level
	var asks bool
	switch {
	case offer.Denom == b.Pair.QuoteDenom && target == b.Pair.BaseDenom:
		levels, asks = b.Asks, true
	case offer.Denom == b.Pair.BaseDenom && target == b.Pair.QuoteDenom:
		levels, asks = b.Bids, false
	default:
		return decimal.Zero, nil, fmt.Errorf("cannot swap %s for %s on pair %s: %w",
			offer.Denom, target, b.Pair.Key(), domain.ErrConfiguration)
	}

	remaining := offer.Amount
	received := decimal.Zero
	left := make([]Level, 0, len(levels))

	for i, l := range levels {
		if remaining.IsZero() {
			left = append(left, levels[i:]...)
			break
		}

		if asks {
			// Level sells Quantity base for Quantity*Price quote
			capacity := l.Quantity.Mul(l.Price)
			if remaining.GreaterThanOrEqual(capacity) {
				received = received.Add(l.Quantity)
				remaining = remaining.Sub(capacity)
				continue
			}
			bought := domain.Quo(remaining, l.Price)
			received = received.Add(bought)
			left = append(left, Level{Price: l.Price, Quantity: l.Quantity.Sub(bought)})
		} else {
			// Level buys base paying Price quote each, up to Quantity quote
			proceeds := remaining.Mul(l.Price)
			if proceeds.GreaterThanOrEqual(l.Quantity) {
				received = received.Add(l.Quantity)
				remaining = remaining.Sub(domain.Quo(l.Quantity, l.Price))
				continue
			}
			received = received.Add(proceeds)
			left = append(left, Level{Price: l.Price, Quantity: l.Quantity.Sub(proceeds)})
		}
		remaining = decimal.Zero
	}

	if remaining.IsPositive() {
		return decimal.Zero, nil, fmt.Errorf("pair %s cannot fill %s, %s left unfilled: %w",
			b.Pair.Key(), offer, remaining, domain.ErrInsufficientLiquidity)
	}
	return received, left, nil
}

// consume fills the swap and removes the used liquidity from the book.
func (b *OrderBook) consume(offer domain.Coin, target string) (decimal.Decimal, error) {
	received, left, err := b.fill(offer, target)
	if err != nil {
		return decimal.Zero, err
	}
	if offer.Denom == b.Pair.QuoteDenom {
		b.Asks = left
	} else {
		b.Bids = left
	}
	return received, nil
}

func newQuote(offer, received domain.Coin, route []string) (Quote, error) {
	if !received.Amount.IsPositive() {
		return Quote{}, fmt.Errorf("swap of %s into %s receives nothing: %w",
			offer, received.Denom, domain.ErrInsufficientLiquidity)
	}
	return Quote{
		Offer:    offer,
		Received: received,
		Price:    domain.Quo(offer.Amount, received.Amount),
		Route:    route,
	}, nil
}
