package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// FundStore implements storage.FundStore using PostgreSQL.
type FundStore struct {
	pool *Pool
}

// NewFundStore creates a new FundStore.
func NewFundStore(pool *Pool) *FundStore {
	return &FundStore{pool: pool}
}

// Compile-time interface check.
var _ storage.FundStore = (*FundStore)(nil)

// Create assigns the next fund id and stores the fund. Returns ErrDuplicateKey
// if the address is taken.
func (s *FundStore) Create(ctx context.Context, f *domain.Fund) (err error) {
	if f == nil || f.Address == "" || f.BaseDenom == "" {
		return storage.ErrInvalidInput
	}
	start := time.Now()
	defer func() { observe("create_fund", start, err) }()

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO funds (address, base_denom, denoms, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, f.Address, f.BaseDenom, f.Denoms, f.CreatedAt).Scan(&id)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert fund: %w", err)
	}
	f.ID = uint64(id)
	return nil
}

// GetByID retrieves a fund. Returns ErrNotFound if not exists.
func (s *FundStore) GetByID(ctx context.Context, id uint64) (_ *domain.Fund, err error) {
	start := time.Now()
	defer func() { observe("get_fund", start, err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT id, address, base_denom, denoms, created_at FROM funds WHERE id = $1
	`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("get fund %d: %w", id, err)
	}
	defer rows.Close()

	funds, err := scanFunds(rows)
	if err != nil {
		return nil, err
	}
	if len(funds) == 0 {
		return nil, storage.ErrNotFound
	}
	return funds[0], nil
}

// List lists funds ordered by id.
func (s *FundStore) List(ctx context.Context, page storage.Page) (_ []*domain.Fund, err error) {
	start := time.Now()
	defer func() { observe("list_funds", start, err) }()

	cond, order, args := pageClause(page, 1)
	rows, err := s.pool.Query(ctx, `
		SELECT id, address, base_denom, denoms, created_at FROM funds
		WHERE `+cond+` `+order, args...)
	if err != nil {
		return nil, fmt.Errorf("list funds: %w", err)
	}
	defer rows.Close()

	return scanFunds(rows)
}

func scanFunds(rows pgx.Rows) ([]*domain.Fund, error) {
	var funds []*domain.Fund

	for rows.Next() {
		var (
			f  domain.Fund
			id int64
		)
		if err := rows.Scan(&id, &f.Address, &f.BaseDenom, &f.Denoms, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fund row: %w", err)
		}
		f.ID = uint64(id)
		f.CreatedAt = f.CreatedAt.UTC()
		funds = append(funds, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fund rows: %w", err)
	}

	return funds, nil
}
