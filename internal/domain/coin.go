package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits kept by fixed-point divisions.
const Precision = 18

var (
	// Zero is the decimal zero value.
	Zero = decimal.Zero
	// One is the decimal one value.
	One = decimal.NewFromInt(1)
)

// Coin is an amount of a single denomination.
type Coin struct {
	Denom  string          `json:"denom"`
	Amount decimal.Decimal `json:"amount"`
}

// NewCoin creates a coin from an integer amount.
func NewCoin(amount int64, denom string) Coin {
	return Coin{Denom: denom, Amount: decimal.NewFromInt(amount)}
}

// ZeroCoin returns an empty coin of the given denom.
func ZeroCoin(denom string) Coin {
	return Coin{Denom: denom, Amount: decimal.Zero}
}

// IsZero reports whether the amount is zero.
func (c Coin) IsZero() bool {
	return c.Amount.IsZero()
}

// Add returns c + amount in the same denom.
func (c Coin) Add(amount decimal.Decimal) Coin {
	return Coin{Denom: c.Denom, Amount: c.Amount.Add(amount)}
}

// Sub returns c - amount in the same denom.
func (c Coin) Sub(amount decimal.Decimal) Coin {
	return Coin{Denom: c.Denom, Amount: c.Amount.Sub(amount)}
}

func (c Coin) String() string {
	return fmt.Sprintf("%s%s", c.Amount.String(), c.Denom)
}

// Quo divides a by b truncating to Precision fractional digits.
// Callers must ensure b is non-zero.
func Quo(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, Precision)
	return q
}

// Mul multiplies a by b truncating to Precision fractional digits.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Precision)
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// SplitByWeights divides total across weights in order. Every share except the
// last is total*weight truncated to Precision; the last takes the remainder so
// the shares always sum to total.
func SplitByWeights(total decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	if len(weights) == 0 {
		return nil
	}
	shares := make([]decimal.Decimal, len(weights))
	allocated := decimal.Zero
	for i := 0; i < len(weights)-1; i++ {
		shares[i] = Mul(total, weights[i])
		allocated = allocated.Add(shares[i])
	}
	shares[len(weights)-1] = total.Sub(allocated)
	return shares
}
