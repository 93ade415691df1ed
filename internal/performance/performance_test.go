package performance

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dca-vault-engine/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func coin(amount, denom string) domain.Coin {
	return domain.Coin{Denom: denom, Amount: d(amount)}
}

func assessedVault(received, standard string) *domain.Vault {
	return &domain.Vault{
		ID:          3,
		TargetDenom: "atom",
		Destinations: []domain.Destination{
			{Address: "alice", Allocation: d("0.5")},
			{Address: "bob", Allocation: d("0.5")},
		},
		ReceivedAmount: coin(received, "atom"),
		PerformanceAssessmentStrategy: domain.CompareToStandardDCA{
			SwappedAmount:  coin("1000", "usdc"),
			ReceivedAmount: coin(standard, "atom"),
		},
	}
}

func TestVaultPerformance(t *testing.T) {
	tests := []struct {
		name       string
		received   string
		standard   string
		wantFactor string
		wantFee    string
	}{
		{"both zero", "0", "0", "1", "0"},
		{"outperformed", "120", "100", "1.2", "4"}, // 0.2 * 100 * 0.2
		{"underperformed", "90", "100", "0.9", "0"},
		{"equal", "100", "100", "1", "0"},
		// the factor truncates to 1 but the gain still carries a fee
		{"tiny outperformance", "100.00000000000000005", "100", "1", "0.00000000000000001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := VaultPerformance(assessedVault(tt.received, tt.standard), d("0.2"))
			require.NoError(t, err)
			assert.True(t, res.Factor.Equal(d(tt.wantFactor)), "factor %s", res.Factor)
			assert.True(t, res.Fee.Amount.Equal(d(tt.wantFee)), "fee %s", res.Fee.Amount)
			assert.Equal(t, "atom", res.Fee.Denom)
		})
	}
}

func TestVaultPerformance_NoStrategy(t *testing.T) {
	v := assessedVault("1", "1")
	v.PerformanceAssessmentStrategy = nil

	_, err := VaultPerformance(v, d("0.2"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
	assert.Contains(t, err.Error(), "vault 3 does not have a performance assessment strategy")
}

func TestSplitFee_RemainderToLast(t *testing.T) {
	entries := SplitFee("custody", coin("10", "atom"), []string{"a", "b", "c"},
		[]decimal.Decimal{d("0.333333333333333333"), d("0.333333333333333333"), d("0.333333333333333334")})

	credits := map[string]decimal.Decimal{}
	debited := decimal.Zero
	for _, e := range entries {
		if e.Delta.IsNegative() {
			assert.Equal(t, "custody", e.Address)
			debited = debited.Add(e.Delta.Neg())
			continue
		}
		credits[e.Address] = e.Delta
	}
	assert.True(t, debited.Equal(d("10")))
	assert.True(t, credits["a"].Equal(d("3.33333333333333333")), "a %s", credits["a"])
	assert.True(t, credits["c"].Equal(d("3.33333333333333334")), "c %s", credits["c"])
}

func TestDisburseEscrow(t *testing.T) {
	fees := FeeSchedule{
		Custody:    "custody",
		Percent:    d("0.2"),
		Collectors: []string{"treasury"},
		Weights:    []decimal.Decimal{domain.One},
	}

	t.Run("fee below escrow", func(t *testing.T) {
		v := assessedVault("120", "100")
		v.EscrowedAmount = coin("10", "atom")

		res, err := DisburseEscrow(v, fees)
		require.NoError(t, err)
		assert.True(t, res.PerformanceFee.Amount.Equal(d("4")))
		assert.True(t, res.Disbursed.Amount.Equal(d("6")))
		assert.True(t, v.EscrowedAmount.IsZero())
		require.NotNil(t, res.Event)
		assert.Equal(t, uint64(3), res.Event.ResourceID)

		// 2 destinations + 1 collector, each a debit/credit pair
		assert.Len(t, res.Entries, 6)
	})

	t.Run("fee capped at escrow", func(t *testing.T) {
		v := assessedVault("200", "100")
		v.EscrowedAmount = coin("5", "atom")

		res, err := DisburseEscrow(v, fees)
		require.NoError(t, err)
		assert.True(t, res.PerformanceFee.Amount.Equal(d("5")))
		assert.True(t, res.Disbursed.Amount.IsZero())
		assert.Len(t, res.Entries, 2)
	})

	t.Run("no strategy and no escrow", func(t *testing.T) {
		v := assessedVault("0", "0")
		v.PerformanceAssessmentStrategy = nil

		res, err := DisburseEscrow(v, fees)
		require.NoError(t, err)
		assert.Nil(t, res.Event)
		assert.Empty(t, res.Entries)
	})
}

func TestDisburseEscrow_ChargesFeeOnce(t *testing.T) {
	fees := FeeSchedule{
		Custody:    "custody",
		Percent:    d("0.2"),
		Collectors: []string{"treasury"},
		Weights:    []decimal.Decimal{domain.One},
	}

	v := assessedVault("120", "100")
	v.EscrowedAmount = coin("10", "atom")

	first, err := DisburseEscrow(v, fees)
	require.NoError(t, err)
	assert.True(t, first.PerformanceFee.Amount.Equal(d("4")))

	// more escrow accrues without further outperformance
	v.EscrowedAmount = coin("10", "atom")
	second, err := DisburseEscrow(v, fees)
	require.NoError(t, err)
	assert.True(t, second.PerformanceFee.Amount.IsZero(), "fee %s", second.PerformanceFee.Amount)
	assert.True(t, second.Disbursed.Amount.Equal(d("10")))

	// outperformance grows to 50 atom: only the extra 6 is charged
	std := v.PerformanceAssessmentStrategy.(domain.CompareToStandardDCA)
	std.ReceivedAmount = coin("100", "atom")
	v.PerformanceAssessmentStrategy = std
	v.ReceivedAmount = coin("150", "atom")
	v.EscrowedAmount = coin("10", "atom")

	third, err := DisburseEscrow(v, fees)
	require.NoError(t, err)
	assert.True(t, third.PerformanceFee.Amount.Equal(d("6")), "fee %s", third.PerformanceFee.Amount)

	charged := v.PerformanceAssessmentStrategy.(domain.CompareToStandardDCA).FeeCharged
	assert.True(t, charged.Amount.Equal(d("10")))
	assert.Equal(t, "atom", charged.Denom)
}
