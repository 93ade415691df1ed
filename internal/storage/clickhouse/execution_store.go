package clickhouse

import (
	"context"
	"fmt"
	"time"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// ExecutionStore implements storage.ExecutionStore using ClickHouse.
type ExecutionStore struct {
	conn *Conn
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(conn *Conn) *ExecutionStore {
	return &ExecutionStore{conn: conn}
}

// Compile-time interface check.
var _ storage.ExecutionStore = (*ExecutionStore)(nil)

// InsertBulk adds records. Fails entire batch on duplicate execution_id.
func (s *ExecutionStore) InsertBulk(ctx context.Context, records []*domain.ExecutionRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { observe("insert_executions", start, err) }()

	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r == nil || r.ExecutionID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := seen[r.ExecutionID]; exists {
			return storage.ErrDuplicateKey
		}
		seen[r.ExecutionID] = struct{}{}
	}

	for _, r := range records {
		var count uint64
		err := s.conn.QueryRow(ctx, `
			SELECT count(*) FROM execution_records WHERE execution_id = ?
		`, r.ExecutionID).Scan(&count)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if count > 0 {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO execution_records (
			execution_id, vault_id, timestamp, outcome, reason, swap_denom, target_denom,
			sent, received, fee, multiplier, price, reference_price
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range records {
		err = batch.Append(
			r.ExecutionID, r.VaultID, r.Timestamp.UTC(), r.Outcome, r.Reason, r.SwapDenom, r.TargetDenom,
			r.Sent, r.Received, r.Fee, r.Multiplier, r.Price, r.ReferencePrice,
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

// GetByVaultID retrieves records of a vault ordered by timestamp ASC.
func (s *ExecutionStore) GetByVaultID(ctx context.Context, vaultID uint64) (_ []*domain.ExecutionRecord, err error) {
	start := time.Now()
	defer func() { observe("get_executions", start, err) }()

	rows, err := s.conn.Query(ctx, `
		SELECT execution_id, vault_id, timestamp, outcome, reason, swap_denom, target_denom,
			sent, received, fee, multiplier, price, reference_price
		FROM execution_records
		WHERE vault_id = ?
		ORDER BY timestamp ASC, execution_id ASC
	`, vaultID)
	if err != nil {
		return nil, fmt.Errorf("query executions by vault id: %w", err)
	}
	defer rows.Close()

	var records []*domain.ExecutionRecord
	for rows.Next() {
		var r domain.ExecutionRecord
		err := rows.Scan(
			&r.ExecutionID, &r.VaultID, &r.Timestamp, &r.Outcome, &r.Reason, &r.SwapDenom, &r.TargetDenom,
			&r.Sent, &r.Received, &r.Fee, &r.Multiplier, &r.Price, &r.ReferencePrice,
		)
		if err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution rows: %w", err)
	}

	return records, nil
}

// RebalanceStore implements storage.RebalanceStore using ClickHouse.
type RebalanceStore struct {
	conn *Conn
}

// NewRebalanceStore creates a new RebalanceStore.
func NewRebalanceStore(conn *Conn) *RebalanceStore {
	return &RebalanceStore{conn: conn}
}

// Compile-time interface check.
var _ storage.RebalanceStore = (*RebalanceStore)(nil)

// InsertBulk adds records of one or more runs. Records keep their batch
// position as seq within the run.
func (s *RebalanceStore) InsertBulk(ctx context.Context, records []*domain.RebalanceRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { observe("insert_rebalances", start, err) }()

	for _, r := range records {
		if r == nil || r.RunID == "" {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO rebalance_records (
			swap_id, run_id, seq, fund_id, timestamp, offer_denom, offer_amount,
			target_denom, received, price, status, reason
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	seq := make(map[string]uint32)
	for _, r := range records {
		err = batch.Append(
			r.SwapID, r.RunID, seq[r.RunID], r.FundID, r.Timestamp.UTC(), r.OfferDenom, r.OfferAmount,
			r.TargetDenom, r.Received, r.Price, r.Status, r.Reason,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
		seq[r.RunID]++
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByRunID retrieves the records of a run in insertion order.
func (s *RebalanceStore) GetByRunID(ctx context.Context, runID string) (_ []*domain.RebalanceRecord, err error) {
	start := time.Now()
	defer func() { observe("get_rebalances", start, err) }()

	rows, err := s.conn.Query(ctx, `
		SELECT swap_id, run_id, fund_id, timestamp, offer_denom, offer_amount,
			target_denom, received, price, status, reason
		FROM rebalance_records
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query rebalances by run id: %w", err)
	}
	defer rows.Close()

	var records []*domain.RebalanceRecord
	for rows.Next() {
		var r domain.RebalanceRecord
		err := rows.Scan(
			&r.SwapID, &r.RunID, &r.FundID, &r.Timestamp, &r.OfferDenom, &r.OfferAmount,
			&r.TargetDenom, &r.Received, &r.Price, &r.Status, &r.Reason,
		)
		if err != nil {
			return nil, fmt.Errorf("scan rebalance row: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rebalance rows: %w", err)
	}

	return records, nil
}
