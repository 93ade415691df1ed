// Package config holds the engine's administrative configuration: fees,
// fee collectors, slippage defaults, adjustment tables and the pair list.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// AdjustmentStaleAfter is how long a swap adjustment table stays usable
// after its last update.
const AdjustmentStaleAfter = 30 * time.Hour

// FeeCollector receives a share of execution and performance fees.
type FeeCollector struct {
	Address    string          `yaml:"address" json:"address" validate:"required"`
	Allocation decimal.Decimal `yaml:"allocation" json:"allocation"`
}

// AdjustmentTable maps model ids to swap multipliers for one position type.
type AdjustmentTable struct {
	UpdatedAt   time.Time                 `yaml:"updated_at" json:"updated_at"`
	Multipliers map[uint8]decimal.Decimal `yaml:"multipliers" json:"multipliers"`
}

// ModelMultiplier is one entry of an adjustment table update.
type ModelMultiplier struct {
	ModelID    uint8           `yaml:"model_id" json:"model_id"`
	Multiplier decimal.Decimal `yaml:"multiplier" json:"multiplier"`
}

// PageLimits bounds listing sizes.
type PageLimits struct {
	Default int `yaml:"default" json:"default" validate:"gte=1"`
	Max     int `yaml:"max" json:"max" validate:"gtefield=Default,lte=100"`
}

// Config is one immutable version of the admin configuration.
type Config struct {
	Version int64 `yaml:"version" json:"version"`
	Paused  bool  `yaml:"paused" json:"paused"`

	// CustodyAddress holds vault balances and escrow on the ledger.
	CustodyAddress string         `yaml:"custody_address" json:"custody_address" validate:"required"`
	FeeCollectors  []FeeCollector `yaml:"fee_collectors" json:"fee_collectors" validate:"dive"`

	ExecutionFeePercent     decimal.Decimal `yaml:"execution_fee_percent" json:"execution_fee_percent"`
	PerformanceFeePercent   decimal.Decimal `yaml:"performance_fee_percent" json:"performance_fee_percent"`
	DefaultSlippage         decimal.Decimal `yaml:"default_slippage_tolerance" json:"default_slippage_tolerance"`
	RiskWeightedEscrowLevel decimal.Decimal `yaml:"risk_weighted_average_escrow_level" json:"risk_weighted_average_escrow_level"`
	DustThreshold           decimal.Decimal `yaml:"dust_threshold" json:"dust_threshold"`

	TWAPPeriodSeconds int64      `yaml:"twap_period_seconds" json:"twap_period_seconds" validate:"gte=0"`
	PageLimits        PageLimits `yaml:"page_limits" json:"page_limits"`

	SwapAdjustments map[domain.PositionType]AdjustmentTable `yaml:"swap_adjustments" json:"swap_adjustments"`
	Pairs           []domain.Pair                           `yaml:"pairs" json:"pairs"`
}

// Default returns the configuration used when no file or stored version exists.
func Default() *Config {
	cfg := &Config{
		DefaultSlippage:   decimal.RequireFromString("0.02"),
		DustThreshold:     decimal.NewFromInt(50000),
		TWAPPeriodSeconds: 3600,
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads config from a YAML file over the defaults, then applies
// environment variable overrides. A missing file yields the defaults; keys
// set in the file, zeros included, replace them.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("ENGINE_CUSTODY_ADDRESS"); v != "" {
		cfg.CustodyAddress = v
	}
	if v := os.Getenv("ENGINE_PAUSED"); v == "true" || v == "1" {
		cfg.Paused = true
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills the fields whose zero value is never valid.
func (c *Config) applyDefaults() {
	if c.CustodyAddress == "" {
		c.CustodyAddress = "engine"
	}
	if c.PageLimits.Default == 0 {
		c.PageLimits.Default = storage.DefaultPageLimit
	}
	if c.PageLimits.Max == 0 {
		c.PageLimits.Max = storage.MaxPageLimit
	}
	if c.SwapAdjustments == nil {
		c.SwapAdjustments = make(map[domain.PositionType]AdjustmentTable)
	}
}

// fieldRules checks the struct tag rules, naming fields by their yaml keys.
var fieldRules = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Validate checks that every field is usable.
func (c *Config) Validate() error {
	if err := fieldRules.Struct(c); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			fe := fields[0]
			name := strings.TrimPrefix(fe.Namespace(), "Config.")
			return fmt.Errorf("%s fails %s%s: %w", name, fe.Tag(), param(fe.Param()), domain.ErrConfiguration)
		}
		return fmt.Errorf("validate config: %w", err)
	}
	for name, v := range map[string]decimal.Decimal{
		"execution_fee_percent":              c.ExecutionFeePercent,
		"performance_fee_percent":            c.PerformanceFeePercent,
		"default_slippage_tolerance":         c.DefaultSlippage,
		"risk_weighted_average_escrow_level": c.RiskWeightedEscrowLevel,
	} {
		if v.IsNegative() || v.GreaterThan(domain.One) {
			return fmt.Errorf("%s %s must be within [0, 1]: %w", name, v, domain.ErrConfiguration)
		}
	}
	if c.DustThreshold.IsNegative() {
		return fmt.Errorf("dust_threshold must not be negative: %w", domain.ErrConfiguration)
	}
	if err := validateFeeCollectors(c.FeeCollectors); err != nil {
		return err
	}
	if len(c.FeeCollectors) == 0 && (c.ExecutionFeePercent.IsPositive() || c.PerformanceFeePercent.IsPositive()) {
		return fmt.Errorf("fees are charged but no fee collectors are set: %w", domain.ErrConfiguration)
	}
	for pos, table := range c.SwapAdjustments {
		if !pos.Valid() {
			return fmt.Errorf("unknown position type %q: %w", pos, domain.ErrConfiguration)
		}
		for model, m := range table.Multipliers {
			if !m.IsPositive() {
				return fmt.Errorf("%s model %d multiplier %s must be positive: %w", pos, model, m, domain.ErrConfiguration)
			}
		}
	}
	seen := make(map[string]struct{}, len(c.Pairs))
	for _, p := range c.Pairs {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := seen[p.Key()]; dup {
			return fmt.Errorf("pair %s listed twice: %w", p.Key(), domain.ErrConfiguration)
		}
		seen[p.Key()] = struct{}{}
	}
	return nil
}

func validateFeeCollectors(collectors []FeeCollector) error {
	if len(collectors) == 0 {
		return nil
	}
	total := decimal.Zero
	for _, fc := range collectors {
		if !fc.Allocation.IsPositive() {
			return fmt.Errorf("fee collector %s allocation must be positive: %w", fc.Address, domain.ErrConfiguration)
		}
		total = total.Add(fc.Allocation)
	}
	if !total.Equal(domain.One) {
		return fmt.Errorf("fee collector allocations sum to %s, want 1: %w", total, domain.ErrConfiguration)
	}
	return nil
}

func param(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

// TWAPPeriod returns the reference price averaging window.
func (c *Config) TWAPPeriod() time.Duration {
	return time.Duration(c.TWAPPeriodSeconds) * time.Second
}

// SwapAdjustment returns the multiplier for (position, model) at now.
// Returns false when the table is missing, stale, or has no entry.
func (c *Config) SwapAdjustment(position domain.PositionType, model uint8, now time.Time) (decimal.Decimal, bool) {
	table, ok := c.SwapAdjustments[position]
	if !ok || now.Sub(table.UpdatedAt) > AdjustmentStaleAfter {
		return decimal.Zero, false
	}
	m, ok := table.Multipliers[model]
	return m, ok
}

// ClampPage applies the configured page limits.
func (c *Config) ClampPage(p storage.Page) storage.Page {
	switch {
	case p.Limit <= 0:
		p.Limit = c.PageLimits.Default
	case p.Limit > c.PageLimits.Max:
		p.Limit = c.PageLimits.Max
	}
	return p
}

// FeeCollectorWeights returns collector addresses and allocations in order.
func (c *Config) FeeCollectorWeights() ([]string, []decimal.Decimal) {
	addrs := make([]string, len(c.FeeCollectors))
	weights := make([]decimal.Decimal, len(c.FeeCollectors))
	for i, fc := range c.FeeCollectors {
		addrs[i] = fc.Address
		weights[i] = fc.Allocation
	}
	return addrs, weights
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.FeeCollectors = append([]FeeCollector(nil), c.FeeCollectors...)
	out.Pairs = append([]domain.Pair(nil), c.Pairs...)
	out.SwapAdjustments = make(map[domain.PositionType]AdjustmentTable, len(c.SwapAdjustments))
	for pos, table := range c.SwapAdjustments {
		multipliers := make(map[uint8]decimal.Decimal, len(table.Multipliers))
		for k, v := range table.Multipliers {
			multipliers[k] = v
		}
		out.SwapAdjustments[pos] = AdjustmentTable{UpdatedAt: table.UpdatedAt, Multipliers: multipliers}
	}
	return &out
}

// SortedModels returns the model ids of a table in ascending order.
func (t AdjustmentTable) SortedModels() []uint8 {
	ids := make([]uint8, 0, len(t.Multipliers))
	for id := range t.Multipliers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Marshal encodes the config for storage.
func (c *Config) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal decodes a stored config document over the defaults.
func Unmarshal(doc []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(doc, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}
