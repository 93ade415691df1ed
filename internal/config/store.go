package config

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// Store publishes immutable config versions. Readers call Current and never
// observe a partially applied update.
type Store struct {
	mu      sync.Mutex // serializes updates
	current atomic.Pointer[Config]
	persist storage.ConfigStore
	now     func() time.Time
}

// NewStore creates a store. If persist already holds a version it wins over
// initial; otherwise initial is saved as version 1. persist may be nil.
func NewStore(ctx context.Context, initial *Config, persist storage.ConfigStore, now func() time.Time) (*Store, error) {
	if now == nil {
		now = time.Now
	}
	s := &Store{persist: persist, now: now}

	cfg := initial.Clone()
	if persist != nil {
		version, doc, err := persist.Latest(ctx)
		switch {
		case err == nil:
			stored, err := Unmarshal(doc)
			if err != nil {
				return nil, err
			}
			stored.Version = version
			cfg = stored
		case errors.Is(err, storage.ErrNotFound):
			cfg.Version = 1
			if err := s.save(ctx, cfg); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s.current.Store(cfg)
	return s, nil
}

// Current returns the active config. Callers must not modify it.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Update applies fn to a copy of the current config, validates and persists
// the result as the next version, then publishes it.
func (s *Store) Update(ctx context.Context, fn func(*Config) error) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version++
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := s.save(ctx, next); err != nil {
		return nil, err
	}

	s.current.Store(next)
	return next, nil
}

// SetPaused toggles the pause flag.
func (s *Store) SetPaused(ctx context.Context, paused bool) (*Config, error) {
	return s.Update(ctx, func(c *Config) error {
		c.Paused = paused
		return nil
	})
}

// UpdateSwapAdjustments merges entries into the table of position and
// refreshes its update time. Non-positive multipliers are rejected.
func (s *Store) UpdateSwapAdjustments(ctx context.Context, position domain.PositionType, entries []ModelMultiplier) (*Config, error) {
	if !position.Valid() {
		return nil, fmt.Errorf("unknown position type %q: %w", position, domain.ErrConfiguration)
	}
	for _, e := range entries {
		if !e.Multiplier.IsPositive() {
			return nil, fmt.Errorf("%s model %d multiplier %s must be positive: %w",
				position, e.ModelID, e.Multiplier, domain.ErrConfiguration)
		}
	}

	return s.Update(ctx, func(c *Config) error {
		table := c.SwapAdjustments[position]
		if table.Multipliers == nil {
			table.Multipliers = make(map[uint8]decimal.Decimal, len(entries))
		}
		for _, e := range entries {
			table.Multipliers[e.ModelID] = e.Multiplier
		}
		table.UpdatedAt = s.now().UTC()
		c.SwapAdjustments[position] = table
		return nil
	})
}

// UpdateFeeCollectors replaces the fee collector list.
func (s *Store) UpdateFeeCollectors(ctx context.Context, collectors []FeeCollector) (*Config, error) {
	return s.Update(ctx, func(c *Config) error {
		c.FeeCollectors = append([]FeeCollector(nil), collectors...)
		return nil
	})
}

// AddPair appends a pair to the configured pair list.
func (s *Store) AddPair(ctx context.Context, pair domain.Pair) (*Config, error) {
	return s.Update(ctx, func(c *Config) error {
		c.Pairs = append(c.Pairs, pair)
		return nil
	})
}

// SwapAdjustment reads the current adjustment tables.
func (s *Store) SwapAdjustment(position domain.PositionType, model uint8, now time.Time) (decimal.Decimal, bool) {
	return s.Current().SwapAdjustment(position, model, now)
}

func (s *Store) save(ctx context.Context, cfg *Config) error {
	if s.persist == nil {
		return nil
	}
	doc, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := s.persist.SaveVersion(ctx, cfg.Version, doc); err != nil {
		return fmt.Errorf("save config version %d: %w", cfg.Version, err)
	}
	return nil
}
