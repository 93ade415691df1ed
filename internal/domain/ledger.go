package domain

import "github.com/shopspring/decimal"

// LedgerEntry is a signed balance change: positive credits, negative debits.
type LedgerEntry struct {
	Address string
	Denom   string
	Delta   decimal.Decimal
}

// Credit returns an entry adding coin to address.
func Credit(address string, coin Coin) LedgerEntry {
	return LedgerEntry{Address: address, Denom: coin.Denom, Delta: coin.Amount}
}

// Debit returns an entry removing coin from address.
func Debit(address string, coin Coin) LedgerEntry {
	return LedgerEntry{Address: address, Denom: coin.Denom, Delta: coin.Amount.Neg()}
}

// Transfer moves coin from one address to another.
func Transfer(from, to string, coin Coin) []LedgerEntry {
	if !coin.Amount.IsPositive() || from == to {
		return nil
	}
	return []LedgerEntry{Debit(from, coin), Credit(to, coin)}
}

// Distribute moves coin from one address to recipients split by weights.
// The last recipient absorbs the rounding remainder. Zero shares are omitted.
func Distribute(from string, coin Coin, recipients []string, weights []decimal.Decimal) []LedgerEntry {
	if !coin.Amount.IsPositive() || len(recipients) == 0 {
		return nil
	}
	shares := SplitByWeights(coin.Amount, weights)
	entries := make([]LedgerEntry, 0, 2*len(recipients))
	for i, to := range recipients {
		entries = append(entries, Transfer(from, to, Coin{Denom: coin.Denom, Amount: shares[i]})...)
	}
	return entries
}
