package clickhouse

import (
	"context"
	"fmt"
	"time"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// PriceHistoryStore implements storage.PriceHistoryStore using ClickHouse.
type PriceHistoryStore struct {
	conn *Conn
}

// NewPriceHistoryStore creates a new PriceHistoryStore.
func NewPriceHistoryStore(conn *Conn) *PriceHistoryStore {
	return &PriceHistoryStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PriceHistoryStore = (*PriceHistoryStore)(nil)

// InsertBulk adds points. Fails entire batch on duplicate (pair_key, timestamp, source).
// Timestamps are stored with millisecond precision.
func (s *PriceHistoryStore) InsertBulk(ctx context.Context, points []*domain.PricePoint) (err error) {
	if len(points) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { observe("insert_price_history", start, err) }()

	// Check for intra-batch duplicates
	type key struct {
		pairKey     string
		timestampMs int64
		source      string
	}
	seen := make(map[key]struct{}, len(points))
	for _, p := range points {
		if p == nil || p.PairKey == "" {
			return storage.ErrInvalidInput
		}
		k := key{p.PairKey, p.Timestamp.UnixMilli(), p.Source}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
	}

	// Check for duplicates against existing DB rows
	for _, p := range points {
		exists, err := s.exists(ctx, p)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO price_history (
			pair_key, base_denom, quote_denom, timestamp, price, source
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range points {
		err = batch.Append(
			p.PairKey, p.BaseDenom, p.QuoteDenom,
			p.Timestamp.UTC().Truncate(time.Millisecond), p.Price, p.Source,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetRange retrieves points of a pair within [start, end], ordered by timestamp ASC.
func (s *PriceHistoryStore) GetRange(ctx context.Context, pairKey string, start, end time.Time) (_ []*domain.PricePoint, err error) {
	began := time.Now()
	defer func() { observe("get_price_range", began, err) }()

	query := `
		SELECT pair_key, base_denom, quote_denom, timestamp, price, source
		FROM price_history
		WHERE pair_key = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, source ASC
	`

	rows, err := s.conn.Query(ctx, query, pairKey, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query price range: %w", err)
	}
	defer rows.Close()

	return scanPricePoints(rows)
}

// exists checks if a point with the same key exists.
func (s *PriceHistoryStore) exists(ctx context.Context, p *domain.PricePoint) (bool, error) {
	query := `
		SELECT count(*) FROM price_history
		WHERE pair_key = ? AND timestamp = ? AND source = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, p.PairKey, p.Timestamp.UTC().Truncate(time.Millisecond), p.Source).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// scanPricePoints scans multiple rows.
func scanPricePoints(rows chRows) ([]*domain.PricePoint, error) {
	var points []*domain.PricePoint

	for rows.Next() {
		var p domain.PricePoint
		err := rows.Scan(
			&p.PairKey, &p.BaseDenom, &p.QuoteDenom,
			&p.Timestamp, &p.Price, &p.Source,
		)
		if err != nil {
			return nil, fmt.Errorf("scan price history row: %w", err)
		}
		p.Timestamp = p.Timestamp.UTC()
		points = append(points, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price history rows: %w", err)
	}

	return points, nil
}
