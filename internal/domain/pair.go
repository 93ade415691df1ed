package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Venue types.
const (
	VenueOrderBook = "order_book"
	VenueStable    = "stable"
	VenueStandard  = "standard"
)

// Venue is where a pair trades.
type Venue struct {
	Address string `json:"address" yaml:"address"`
	Type    string `json:"type" yaml:"type"`
}

// Pair is a tradable market between two denoms.
type Pair struct {
	BaseDenom  string `json:"base_denom" yaml:"base_denom"`
	QuoteDenom string `json:"quote_denom" yaml:"quote_denom"`
	Venue      Venue  `json:"venue" yaml:"venue"`
}

// Key returns the canonical registry key of the pair.
func (p Pair) Key() string {
	return PairKey(p.BaseDenom, p.QuoteDenom)
}

// Denoms returns both denoms of the pair.
func (p Pair) Denoms() [2]string {
	return [2]string{p.BaseDenom, p.QuoteDenom}
}

// Other returns the denom on the opposite side of denom.
func (p Pair) Other(denom string) (string, error) {
	switch denom {
	case p.BaseDenom:
		return p.QuoteDenom, nil
	case p.QuoteDenom:
		return p.BaseDenom, nil
	}
	return "", fmt.Errorf("denom %s is not part of pair %s: %w", denom, p.Key(), ErrConfiguration)
}

// Validate checks that the pair is well formed.
func (p Pair) Validate() error {
	if p.BaseDenom == "" || p.QuoteDenom == "" {
		return fmt.Errorf("pair denoms must be set: %w", ErrConfiguration)
	}
	if p.BaseDenom == p.QuoteDenom {
		return fmt.Errorf("pair %s has identical denoms: %w", p.BaseDenom, ErrConfiguration)
	}
	return nil
}

// PairKey joins the lexicographically sorted denoms with "-",
// so PairKey(a, b) == PairKey(b, a).
func PairKey(a, b string) string {
	denoms := []string{a, b}
	sort.Strings(denoms)
	return strings.Join(denoms, "-")
}
