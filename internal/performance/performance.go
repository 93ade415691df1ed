// Package performance assesses vaults against a standard DCA benchmark and
// settles the escrow withheld from their proceeds.
package performance

import (
	"fmt"

	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/domain"
)

// Result is the performance of a vault relative to its standard DCA shadow.
type Result struct {
	Factor decimal.Decimal `json:"factor"`
	Fee    domain.Coin     `json:"fee"` // in the target denom
}

// VaultPerformance compares what the vault received with what a fixed-size
// DCA would have received and charges feePercent of the outperformance.
func VaultPerformance(v *domain.Vault, feePercent decimal.Decimal) (Result, error) {
	std, ok := v.PerformanceAssessmentStrategy.(domain.CompareToStandardDCA)
	if !ok {
		return Result{}, fmt.Errorf("vault %d does not have a performance assessment strategy: %w",
			v.ID, domain.ErrInvalidState)
	}

	received := v.ReceivedAmount.Amount
	standard := std.ReceivedAmount.Amount
	fee := domain.ZeroCoin(v.TargetDenom)

	// No benchmark yet. The shadow ledger is updated with every execution,
	// so received is zero here too.
	if standard.IsZero() {
		return Result{Factor: domain.One, Fee: fee}, nil
	}

	// The fee is taken on the outperformance itself; the truncated factor
	// would round small gains away.
	factor := domain.Quo(received, standard)
	if received.GreaterThan(standard) {
		fee.Amount = domain.Mul(received.Sub(standard), feePercent)
	}
	return Result{Factor: factor, Fee: fee}, nil
}

// SplitFee pays fee from custody to collectors pro rata by weight. The last
// collector absorbs the remainder.
func SplitFee(custody string, fee domain.Coin, collectors []string, weights []decimal.Decimal) []domain.LedgerEntry {
	return domain.Distribute(custody, fee, collectors, weights)
}

// Disbursement is the settlement of a vault's escrow.
type Disbursement struct {
	Disbursed      domain.Coin
	PerformanceFee domain.Coin
	Entries        []domain.LedgerEntry
	Event          *domain.Event // nil when there was nothing to settle
}

// FeeSchedule describes who collects performance fees and at what rate.
type FeeSchedule struct {
	Custody    string
	Percent    decimal.Decimal
	Collectors []string
	Weights    []decimal.Decimal
}

// DisburseEscrow releases the vault's escrow: the performance fee not yet
// charged, capped at the escrowed amount, goes to the fee collectors and the
// rest to the vault destinations. Sets the vault's escrowed amount to zero
// and adds the fee to the assessment's FeeCharged.
func DisburseEscrow(v *domain.Vault, fees FeeSchedule) (Disbursement, error) {
	escrowed := v.EscrowedAmount
	if escrowed.Denom == "" {
		escrowed.Denom = v.TargetDenom
	}

	fee := domain.ZeroCoin(escrowed.Denom)
	if v.PerformanceAssessmentStrategy != nil {
		perf, err := VaultPerformance(v, fees.Percent)
		if err != nil {
			return Disbursement{}, err
		}
		std := v.PerformanceAssessmentStrategy.(domain.CompareToStandardDCA)
		if std.FeeCharged.Denom == "" {
			std.FeeCharged = domain.ZeroCoin(escrowed.Denom)
		}
		owed := decimal.Max(perf.Fee.Amount.Sub(std.FeeCharged.Amount), decimal.Zero)
		fee.Amount = domain.MinDecimal(owed, escrowed.Amount)
		if len(fees.Collectors) == 0 {
			fee.Amount = decimal.Zero
		}
		std.FeeCharged = std.FeeCharged.Add(fee.Amount)
		v.PerformanceAssessmentStrategy = std
	}

	if !escrowed.Amount.IsPositive() && v.PerformanceAssessmentStrategy == nil {
		return Disbursement{Disbursed: domain.ZeroCoin(escrowed.Denom), PerformanceFee: fee}, nil
	}

	disbursed := escrowed.Sub(fee.Amount)
	addrs, weights := v.DestinationWeights()

	var entries []domain.LedgerEntry
	entries = append(entries, domain.Distribute(fees.Custody, disbursed, addrs, weights)...)
	entries = append(entries, SplitFee(fees.Custody, fee, fees.Collectors, fees.Weights)...)

	v.EscrowedAmount = domain.ZeroCoin(escrowed.Denom)

	return Disbursement{
		Disbursed:      disbursed,
		PerformanceFee: fee,
		Entries:        entries,
		Event: &domain.Event{
			ResourceID: v.ID,
			Data:       domain.EscrowDisbursed{AmountDisbursed: disbursed, PerformanceFee: fee},
		},
	}, nil
}
