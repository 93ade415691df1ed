package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPairKey_Symmetric(t *testing.T) {
	pairs := [][2]string{
		{"uatom", "uusdc"},
		{"ibc/ABC", "uosmo"},
		{"x", "x"},
	}
	for _, p := range pairs {
		if PairKey(p[0], p[1]) != PairKey(p[1], p[0]) {
			t.Errorf("PairKey(%s, %s) not symmetric", p[0], p[1])
		}
	}
	if got := PairKey("uusdc", "uatom"); got != "uatom-uusdc" {
		t.Errorf("PairKey = %s, want uatom-uusdc", got)
	}
}

func TestTimeInterval_NextIsDriftFree(t *testing.T) {
	prev := time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		interval TimeInterval
		want     time.Time
	}{
		{"hourly", Every(IntervalHourly), prev.Add(time.Hour)},
		{"daily", Every(IntervalDaily), prev.Add(24 * time.Hour)},
		{"fortnightly", Every(IntervalFortnightly), prev.Add(14 * 24 * time.Hour)},
		{"custom", CustomInterval(90), prev.Add(90 * time.Second)},
		{"monthly", Every(IntervalMonthly), prev.AddDate(0, 1, 0)},
		{"cron top of hour", CronInterval("0 * * * *"), prev.Add(time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.interval.Next(prev)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimeInterval_Validate(t *testing.T) {
	bad := []TimeInterval{
		{Kind: "fortnightlyish"},
		CustomInterval(0),
		CronInterval("not a cron"),
	}
	for _, i := range bad {
		if err := i.Validate(); !errors.Is(err, ErrConfiguration) {
			t.Errorf("Validate(%s) = %v, want ErrConfiguration", i, err)
		}
	}
	if err := Every(IntervalWeekly).Validate(); err != nil {
		t.Errorf("weekly: %v", err)
	}
}

func TestSplitByWeights_RemainderToLast(t *testing.T) {
	third := Quo(One, decimal.NewFromInt(3))
	shares := SplitByWeights(decimal.NewFromInt(100), []decimal.Decimal{third, third, third})

	sum := decimal.Zero
	for _, s := range shares {
		sum = sum.Add(s)
	}
	if !sum.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("shares sum to %s, want 100", sum)
	}
	if !shares[0].Equal(shares[1]) {
		t.Errorf("leading shares differ: %s vs %s", shares[0], shares[1])
	}
	if !shares[2].GreaterThan(shares[0]) {
		t.Errorf("last share %s should absorb the remainder", shares[2])
	}
}

func TestValidateAllocations(t *testing.T) {
	half := decimal.RequireFromString("0.5")

	if err := ValidateAllocations([]Allocation{{"a", half}, {"b", half}}); err != nil {
		t.Errorf("valid allocations: %v", err)
	}
	if err := ValidateAllocations([]Allocation{{"a", half}, {"b", decimal.RequireFromString("0.4")}}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("short allocations: got %v", err)
	}
	if err := ValidateAllocations([]Allocation{{"a", half}, {"a", half}}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("duplicate denom: got %v", err)
	}
}

func TestVaultStatus_Transitions(t *testing.T) {
	if !VaultStatusScheduled.CanTransition(VaultStatusActive) {
		t.Error("scheduled -> active must be allowed")
	}
	if !VaultStatusActive.CanTransition(VaultStatusInactive) {
		t.Error("active -> inactive must be allowed")
	}
	for _, terminal := range []VaultStatus{VaultStatusInactive, VaultStatusCancelled} {
		for _, next := range []VaultStatus{VaultStatusScheduled, VaultStatusActive, VaultStatusInactive, VaultStatusCancelled} {
			if terminal.CanTransition(next) {
				t.Errorf("%s -> %s must be rejected", terminal, next)
			}
		}
	}
}

func TestFlattenAttributes_CollectsDuplicates(t *testing.T) {
	events := []*Event{
		{ID: 1, Data: ExecutionSkipped{Reason: SkipPriceThresholdExceeded}},
		{ID: 2, Data: ExecutionSkipped{Reason: SkipSlippageToleranceExceeded}},
	}

	attrs := FlattenAttributes(events)
	got := attrs["execution_skipped.reason"]
	if len(got) != 2 {
		t.Fatalf("got %d reasons, want 2", len(got))
	}
	if got[0] != SkipPriceThresholdExceeded || got[1] != SkipSlippageToleranceExceeded {
		t.Errorf("reasons = %v", got)
	}
}

func TestTrigger_RoundTrip(t *testing.T) {
	in := PriceTrigger{TargetPrice: decimal.RequireFromString("1.25"), OrderRef: "order-7"}
	raw, err := MarshalTrigger(in)
	if err != nil {
		t.Fatalf("MarshalTrigger: %v", err)
	}
	out, err := UnmarshalTrigger(raw)
	if err != nil {
		t.Fatalf("UnmarshalTrigger: %v", err)
	}
	pt, ok := out.(PriceTrigger)
	if !ok {
		t.Fatalf("got %T, want PriceTrigger", out)
	}
	if !pt.TargetPrice.Equal(in.TargetPrice) || pt.OrderRef != in.OrderRef {
		t.Errorf("got %+v, want %+v", pt, in)
	}

	none, err := UnmarshalTrigger(nil)
	if err != nil || none != nil {
		t.Errorf("nil trigger: got %v, %v", none, err)
	}
}

func TestVault_CheckInvariants(t *testing.T) {
	v := &Vault{
		ID:              1,
		Balance:         NewCoin(70, "uusdc"),
		SwappedAmount:   NewCoin(30, "uusdc"),
		DepositedAmount: NewCoin(100, "uusdc"),
		ReceivedAmount:  NewCoin(10, "uatom"),
		EscrowedAmount:  NewCoin(1, "uatom"),
	}
	if err := v.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
	v.EscrowedAmount = NewCoin(11, "uatom")
	if err := v.CheckInvariants(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("escrow over received: got %v", err)
	}

	// refunded terminal vault
	v.EscrowedAmount = ZeroCoin("uatom")
	v.Status = VaultStatusInactive
	if err := v.CheckInvariants(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("inactive vault with balance: got %v", err)
	}
	v.Balance = ZeroCoin("uusdc")
	if err := v.CheckInvariants(); err != nil {
		t.Errorf("refunded inactive vault: %v", err)
	}
}
