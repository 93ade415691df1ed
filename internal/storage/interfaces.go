package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/domain"
)

// VaultStore provides access to vault state. Vault writes, the events
// describing them and the ledger entries they cause are committed together.
type VaultStore interface {
	// Create assigns the next vault id, stores the vault, appends events
	// with ResourceID set to the new id and applies entries. Sets v.ID and
	// v.Version. Returns domain.ErrInsufficientFunds (and writes nothing) if
	// any balance would go negative.
	Create(ctx context.Context, v *domain.Vault, events []*domain.Event, entries []domain.LedgerEntry) error

	// Save replaces the vault, appends events and applies entries atomically.
	// Returns ErrNotFound if the vault does not exist, ErrConflict if
	// v.Version does not match the stored version and
	// domain.ErrInsufficientFunds if any balance would go negative. Nothing
	// is written on error. Bumps v.Version on success.
	Save(ctx context.Context, v *domain.Vault, events []*domain.Event, entries []domain.LedgerEntry) error

	// GetByID retrieves a vault. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id uint64) (*domain.Vault, error)

	// ListByOwner lists an owner's vaults ordered by id, optionally filtered by status.
	ListByOwner(ctx context.Context, owner string, status *domain.VaultStatus, page Page) ([]*domain.Vault, error)

	// ListByStatus lists vaults in the given status ordered by id.
	ListByStatus(ctx context.Context, status domain.VaultStatus, page Page) ([]*domain.Vault, error)

	// ListDueTimeTriggers lists scheduled or active vaults whose time trigger
	// target is at or before now, ordered by id.
	ListDueTimeTriggers(ctx context.Context, now time.Time, page Page) ([]*domain.Vault, error)
}

// EventStore provides access to the append-only event log.
type EventStore interface {
	// Append assigns monotonically increasing ids and stores the events.
	Append(ctx context.Context, events []*domain.Event) error

	// ListByResource lists events of one vault or fund ordered by id.
	ListByResource(ctx context.Context, resourceID uint64, page Page) ([]*domain.Event, error)

	// List lists all events ordered by id.
	List(ctx context.Context, page Page) ([]*domain.Event, error)
}

// LedgerStore holds named-denomination balances per address.
type LedgerStore interface {
	// Balance returns the balance of denom held by address (zero if none).
	Balance(ctx context.Context, address, denom string) (decimal.Decimal, error)

	// Balances returns all non-zero balances of address ordered by denom.
	Balances(ctx context.Context, address string) ([]domain.Coin, error)

	// Apply applies all entries atomically. Returns domain.ErrInsufficientFunds
	// (and applies nothing) if any balance would go negative.
	Apply(ctx context.Context, entries []domain.LedgerEntry) error
}

// FundStore provides access to fund definitions.
type FundStore interface {
	// Create assigns the next fund id and stores the fund. Sets f.ID.
	Create(ctx context.Context, f *domain.Fund) error

	// GetByID retrieves a fund. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id uint64) (*domain.Fund, error)

	// List lists funds ordered by id.
	List(ctx context.Context, page Page) ([]*domain.Fund, error)
}

// ConfigStore persists versioned administrative configuration documents.
type ConfigStore interface {
	// SaveVersion stores a config document. Returns ErrDuplicateKey if version exists.
	SaveVersion(ctx context.Context, version int64, doc []byte) error

	// Latest returns the highest stored version. Returns ErrNotFound if none.
	Latest(ctx context.Context) (int64, []byte, error)
}

// PriceHistoryStore provides access to observed pair prices.
type PriceHistoryStore interface {
	// InsertBulk adds points. Fails entire batch on duplicate (pair_key, timestamp, source).
	InsertBulk(ctx context.Context, points []*domain.PricePoint) error

	// GetRange retrieves points of a pair within [start, end], ordered by timestamp ASC.
	GetRange(ctx context.Context, pairKey string, start, end time.Time) ([]*domain.PricePoint, error)
}

// ExecutionStore provides access to vault execution analytics.
type ExecutionStore interface {
	// InsertBulk adds records. Fails entire batch on duplicate execution_id.
	InsertBulk(ctx context.Context, records []*domain.ExecutionRecord) error

	// GetByVaultID retrieves records of a vault ordered by timestamp ASC.
	GetByVaultID(ctx context.Context, vaultID uint64) ([]*domain.ExecutionRecord, error)
}

// RebalanceStore provides access to fund rebalance analytics.
type RebalanceStore interface {
	// InsertBulk adds records of one or more runs.
	InsertBulk(ctx context.Context, records []*domain.RebalanceRecord) error

	// GetByRunID retrieves the records of a run in insertion order.
	GetByRunID(ctx context.Context, runID string) ([]*domain.RebalanceRecord, error)
}
