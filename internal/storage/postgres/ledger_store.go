package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// LedgerStore implements storage.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

// Balance returns the balance of denom held by address (zero if none).
func (s *LedgerStore) Balance(ctx context.Context, address, denom string) (_ decimal.Decimal, err error) {
	start := time.Now()
	defer func() { observe("balance", start, err) }()

	var amount string
	err = s.pool.QueryRow(ctx, `
		SELECT amount::TEXT FROM balances WHERE address = $1 AND denom = $2
	`, address, denom).Scan(&amount)
	if isNotFoundError(err) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s %s: %w", address, denom, err)
	}
	return parseNumeric(amount)
}

// Balances returns all non-zero balances of address ordered by denom.
func (s *LedgerStore) Balances(ctx context.Context, address string) (_ []domain.Coin, err error) {
	start := time.Now()
	defer func() { observe("balances", start, err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT denom, amount::TEXT FROM balances
		WHERE address = $1 AND amount > 0
		ORDER BY denom ASC
	`, address)
	if err != nil {
		return nil, fmt.Errorf("get balances %s: %w", address, err)
	}
	defer rows.Close()

	var coins []domain.Coin
	for rows.Next() {
		var denom, amount string
		if err := rows.Scan(&denom, &amount); err != nil {
			return nil, fmt.Errorf("scan balance row: %w", err)
		}
		d, err := parseNumeric(amount)
		if err != nil {
			return nil, err
		}
		coins = append(coins, domain.Coin{Denom: denom, Amount: d})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balance rows: %w", err)
	}
	return coins, nil
}

// Apply applies all entries in one transaction.
func (s *LedgerStore) Apply(ctx context.Context, entries []domain.LedgerEntry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { observe("apply_ledger", start, err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyEntries(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// applyEntries writes entries within tx. Rows are locked in (address, denom)
// order to avoid deadlocks between concurrent batches. Returns
// domain.ErrInsufficientFunds if any balance would go negative; the caller
// then rolls tx back.
func applyEntries(ctx context.Context, tx pgx.Tx, entries []domain.LedgerEntry) error {
	type key struct{ address, denom string }
	deltas := make(map[key]decimal.Decimal)
	for _, e := range entries {
		if e.Address == "" || e.Denom == "" {
			return storage.ErrInvalidInput
		}
		k := key{e.Address, e.Denom}
		deltas[k] = deltas[k].Add(e.Delta)
	}
	keys := make([]key, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].address == keys[j].address {
			return keys[i].denom < keys[j].denom
		}
		return keys[i].address < keys[j].address
	})

	for _, k := range keys {
		var amount string
		err := tx.QueryRow(ctx, `
			SELECT amount::TEXT FROM balances WHERE address = $1 AND denom = $2 FOR UPDATE
		`, k.address, k.denom).Scan(&amount)
		current := decimal.Zero
		switch {
		case isNotFoundError(err):
		case err != nil:
			return fmt.Errorf("lock balance %s %s: %w", k.address, k.denom, err)
		default:
			if current, err = parseNumeric(amount); err != nil {
				return err
			}
		}

		next := current.Add(deltas[k])
		if next.IsNegative() {
			return fmt.Errorf("%s holds %s%s, cannot apply %s: %w",
				k.address, current, k.denom, deltas[k], domain.ErrInsufficientFunds)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO balances (address, denom, amount) VALUES ($1, $2, $3::NUMERIC)
			ON CONFLICT (address, denom) DO UPDATE SET amount = EXCLUDED.amount
		`, k.address, k.denom, next.String())
		if err != nil {
			if isCheckViolation(err) {
				return fmt.Errorf("%s %s: %w", k.address, k.denom, domain.ErrInsufficientFunds)
			}
			return fmt.Errorf("write balance %s %s: %w", k.address, k.denom, err)
		}
	}
	return nil
}
