package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
	"dca-vault-engine/internal/storage/memory"
)

const sampleYAML = `
custody_address: custody
execution_fee_percent: "0.0015"
performance_fee_percent: "0.2"
default_slippage_tolerance: "0.03"
twap_period_seconds: 1800
fee_collectors:
  - address: treasury
    allocation: "0.7"
  - address: staking
    allocation: "0.3"
swap_adjustments:
  enter:
    updated_at: 2024-01-01T00:00:00Z
    multipliers:
      30: "1.5"
      90: "0.8"
pairs:
  - base_denom: atom
    quote_denom: usdc
    venue:
      address: book-1
      type: order_book
`

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.DustThreshold.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("expected dust threshold 50000, got %s", cfg.DustThreshold)
	}
	if cfg.PageLimits.Default != storage.DefaultPageLimit || cfg.PageLimits.Max != storage.MaxPageLimit {
		t.Errorf("unexpected page limits %+v", cfg.PageLimits)
	}
	if cfg.TWAPPeriod() != time.Hour {
		t.Errorf("expected twap period 1h, got %s", cfg.TWAPPeriod())
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.CustodyAddress != "custody" {
		t.Errorf("expected custody, got %s", cfg.CustodyAddress)
	}
	if !cfg.ExecutionFeePercent.Equal(decimal.RequireFromString("0.0015")) {
		t.Errorf("unexpected execution fee %s", cfg.ExecutionFeePercent)
	}
	if len(cfg.FeeCollectors) != 2 || cfg.FeeCollectors[1].Address != "staking" {
		t.Errorf("unexpected fee collectors %+v", cfg.FeeCollectors)
	}
	if len(cfg.Pairs) != 1 || cfg.Pairs[0].Key() != "atom-usdc" {
		t.Errorf("unexpected pairs %+v", cfg.Pairs)
	}

	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m, ok := cfg.SwapAdjustment(domain.PositionEnter, 30, at)
	if !ok || !m.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("expected 1.5 for model 30, got %s (ok=%v)", m, ok)
	}
	if _, ok := cfg.SwapAdjustment(domain.PositionEnter, 45, at); ok {
		t.Error("expected no entry for model 45")
	}
	if _, ok := cfg.SwapAdjustment(domain.PositionExit, 30, at); ok {
		t.Error("expected no exit table")
	}

	// stale after 30 hours
	if _, ok := cfg.SwapAdjustment(domain.PositionEnter, 30, at.Add(30*time.Hour)); ok {
		t.Error("expected table to be stale")
	}
}

func TestLoad_ExplicitZerosKept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	doc := "default_slippage_tolerance: \"0\"\ndust_threshold: \"0\"\ntwap_period_seconds: 0\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.DefaultSlippage.IsZero() {
		t.Errorf("expected zero slippage, got %s", cfg.DefaultSlippage)
	}
	if !cfg.DustThreshold.IsZero() {
		t.Errorf("expected zero dust threshold, got %s", cfg.DustThreshold)
	}
	if cfg.TWAPPeriodSeconds != 0 {
		t.Errorf("expected zero twap period, got %d", cfg.TWAPPeriodSeconds)
	}
	if cfg.PageLimits.Max != storage.MaxPageLimit {
		t.Errorf("unset page limits should default, got %+v", cfg.PageLimits)
	}

	// a stored zero survives a round trip through the config store document
	doc2, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	back, err := Unmarshal(doc2)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !back.DustThreshold.IsZero() || !back.DefaultSlippage.IsZero() {
		t.Errorf("zeros replaced on decode: dust=%s slippage=%s", back.DustThreshold, back.DefaultSlippage)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"collectors not summing to one", func(c *Config) {
			c.FeeCollectors = []FeeCollector{{Address: "a", Allocation: decimal.RequireFromString("0.5")}}
		}},
		{"fee above one", func(c *Config) { c.ExecutionFeePercent = decimal.NewFromInt(2) }},
		{"non-positive multiplier", func(c *Config) {
			c.SwapAdjustments[domain.PositionExit] = AdjustmentTable{
				Multipliers: map[uint8]decimal.Decimal{30: decimal.Zero},
			}
		}},
		{"duplicate pair", func(c *Config) {
			p := domain.Pair{BaseDenom: "atom", QuoteDenom: "usdc"}
			c.Pairs = []domain.Pair{p, p}
		}},
		{"bad page limits", func(c *Config) { c.PageLimits.Max = 1 }},
		{"zero default page", func(c *Config) { c.PageLimits.Default = 0 }},
		{"missing custody", func(c *Config) { c.CustodyAddress = "" }},
		{"negative twap period", func(c *Config) { c.TWAPPeriodSeconds = -1 }},
		{"max page above cap", func(c *Config) { c.PageLimits.Max = storage.MaxPageLimit + 1 }},
		{"collector without address", func(c *Config) {
			c.FeeCollectors = []FeeCollector{{Allocation: decimal.NewFromInt(1)}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, domain.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate_NamesField(t *testing.T) {
	cfg := Default()
	cfg.PageLimits.Max = cfg.PageLimits.Default - 1
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "page_limits.max fails gtefield=Default") {
		t.Errorf("unexpected error: %v", err)
	}

	cfg = Default()
	cfg.PageLimits.Max = 500
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "page_limits.max fails lte=100") {
		t.Errorf("unexpected error: %v", err)
	}

	cfg = Default()
	cfg.FeeCollectors = []FeeCollector{{Allocation: decimal.NewFromInt(1)}}
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "fee_collectors[0].address fails required") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestClampPage(t *testing.T) {
	cfg := Default()
	if got := cfg.ClampPage(storage.Page{}).Limit; got != 30 {
		t.Errorf("expected 30, got %d", got)
	}
	if got := cfg.ClampPage(storage.Page{Limit: 500}).Limit; got != 100 {
		t.Errorf("expected 100, got %d", got)
	}
	if got := cfg.ClampPage(storage.Page{Limit: 7}).Limit; got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
}

func TestStore_UpdatePersistsVersions(t *testing.T) {
	ctx := context.Background()
	persist := memory.NewConfigStore()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	s, err := NewStore(ctx, Default(), persist, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if s.Current().Version != 1 {
		t.Fatalf("expected version 1, got %d", s.Current().Version)
	}

	before := s.Current()
	cfg, err := s.UpdateSwapAdjustments(ctx, domain.PositionExit, []ModelMultiplier{
		{ModelID: 60, Multiplier: decimal.RequireFromString("1.2")},
	})
	if err != nil {
		t.Fatalf("UpdateSwapAdjustments failed: %v", err)
	}
	if cfg.Version != 2 {
		t.Errorf("expected version 2, got %d", cfg.Version)
	}
	if _, ok := before.SwapAdjustments[domain.PositionExit]; ok {
		t.Error("previous snapshot must not change")
	}
	if m, ok := s.SwapAdjustment(domain.PositionExit, 60, now); !ok || !m.Equal(decimal.RequireFromString("1.2")) {
		t.Errorf("expected 1.2, got %s (ok=%v)", m, ok)
	}

	version, _, err := persist.Latest(ctx)
	if err != nil || version != 2 {
		t.Fatalf("expected stored version 2, got %d (%v)", version, err)
	}

	// a new store restores the persisted version
	restored, err := NewStore(ctx, Default(), persist, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if restored.Current().Version != 2 {
		t.Errorf("expected restored version 2, got %d", restored.Current().Version)
	}
	if _, ok := restored.SwapAdjustment(domain.PositionExit, 60, now); !ok {
		t.Error("expected restored adjustment table")
	}
}

func TestStore_RejectsInvalidUpdates(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, Default(), nil, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	_, err = s.UpdateSwapAdjustments(ctx, domain.PositionEnter, []ModelMultiplier{{ModelID: 30, Multiplier: decimal.NewFromInt(-1)}})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}

	_, err = s.UpdateFeeCollectors(ctx, []FeeCollector{{Address: "a", Allocation: decimal.RequireFromString("0.4")}})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
	if s.Current().Version != 1 {
		t.Errorf("rejected updates must not bump version, got %d", s.Current().Version)
	}

	cfg, err := s.SetPaused(ctx, true)
	if err != nil || !cfg.Paused {
		t.Fatalf("SetPaused failed: %v", err)
	}
}
