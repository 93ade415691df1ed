package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// VaultStore implements storage.VaultStore using PostgreSQL.
// Vault rows, their events and their ledger entries are written in one
// transaction.
type VaultStore struct {
	pool *Pool
}

// NewVaultStore creates a new VaultStore.
func NewVaultStore(pool *Pool) *VaultStore {
	return &VaultStore{pool: pool}
}

// Compile-time interface check.
var _ storage.VaultStore = (*VaultStore)(nil)

// vaultDocument is the JSONB form of the vault fields without a column.
type vaultDocument struct {
	Label                         string               `json:"label"`
	Destinations                  []domain.Destination `json:"destinations"`
	Balance                       domain.Coin          `json:"balance"`
	TargetDenom                   string               `json:"target_denom"`
	SwapAmount                    decimal.Decimal      `json:"swap_amount"`
	DepositedAmount               domain.Coin          `json:"deposited_amount"`
	SwappedAmount                 domain.Coin          `json:"swapped_amount"`
	ReceivedAmount                domain.Coin          `json:"received_amount"`
	SlippageTolerance             decimal.Decimal      `json:"slippage_tolerance"`
	MinimumReceiveAmount          *decimal.Decimal     `json:"minimum_receive_amount,omitempty"`
	TimeInterval                  domain.TimeInterval  `json:"time_interval"`
	Trigger                       json.RawMessage      `json:"trigger,omitempty"`
	StartedAt                     *time.Time           `json:"started_at,omitempty"`
	SwapAdjustmentStrategy        json.RawMessage      `json:"swap_adjustment_strategy,omitempty"`
	PerformanceAssessmentStrategy json.RawMessage      `json:"performance_assessment_strategy,omitempty"`
	LastAdjustment                decimal.Decimal      `json:"last_adjustment"`
	EscrowLevel                   decimal.Decimal      `json:"escrow_level"`
	EscrowedAmount                domain.Coin          `json:"escrowed_amount"`
}

func encodeVault(v *domain.Vault) ([]byte, error) {
	trigger, err := domain.MarshalTrigger(v.Trigger)
	if err != nil {
		return nil, err
	}
	adjustment, err := domain.MarshalSwapAdjustment(v.SwapAdjustmentStrategy)
	if err != nil {
		return nil, err
	}
	assessment, err := domain.MarshalPerformanceAssessment(v.PerformanceAssessmentStrategy)
	if err != nil {
		return nil, err
	}
	doc := vaultDocument{
		Label:                         v.Label,
		Destinations:                  v.Destinations,
		Balance:                       v.Balance,
		TargetDenom:                   v.TargetDenom,
		SwapAmount:                    v.SwapAmount,
		DepositedAmount:               v.DepositedAmount,
		SwappedAmount:                 v.SwappedAmount,
		ReceivedAmount:                v.ReceivedAmount,
		SlippageTolerance:             v.SlippageTolerance,
		MinimumReceiveAmount:          v.MinimumReceiveAmount,
		TimeInterval:                  v.TimeInterval,
		Trigger:                       trigger,
		StartedAt:                     v.StartedAt,
		SwapAdjustmentStrategy:        adjustment,
		PerformanceAssessmentStrategy: assessment,
		LastAdjustment:                v.LastAdjustment,
		EscrowLevel:                   v.EscrowLevel,
		EscrowedAmount:                v.EscrowedAmount,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal vault %d: %w", v.ID, err)
	}
	return data, nil
}

func decodeVault(v *domain.Vault, raw []byte) error {
	var doc vaultDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal vault %d: %w", v.ID, err)
	}
	trigger, err := domain.UnmarshalTrigger(doc.Trigger)
	if err != nil {
		return err
	}
	adjustment, err := domain.UnmarshalSwapAdjustment(doc.SwapAdjustmentStrategy)
	if err != nil {
		return err
	}
	assessment, err := domain.UnmarshalPerformanceAssessment(doc.PerformanceAssessmentStrategy)
	if err != nil {
		return err
	}

	v.Label = doc.Label
	v.Destinations = doc.Destinations
	v.Balance = doc.Balance
	v.TargetDenom = doc.TargetDenom
	v.SwapAmount = doc.SwapAmount
	v.DepositedAmount = doc.DepositedAmount
	v.SwappedAmount = doc.SwappedAmount
	v.ReceivedAmount = doc.ReceivedAmount
	v.SlippageTolerance = doc.SlippageTolerance
	v.MinimumReceiveAmount = doc.MinimumReceiveAmount
	v.TimeInterval = doc.TimeInterval
	v.Trigger = trigger
	v.StartedAt = doc.StartedAt
	v.SwapAdjustmentStrategy = adjustment
	v.PerformanceAssessmentStrategy = assessment
	v.LastAdjustment = doc.LastAdjustment
	v.EscrowLevel = doc.EscrowLevel
	v.EscrowedAmount = doc.EscrowedAmount
	return nil
}

// triggerColumns extracts the indexed trigger columns.
func triggerColumns(t domain.Trigger) (*string, *time.Time) {
	if t == nil {
		return nil, nil
	}
	kind := t.TriggerType()
	if tt, ok := t.(domain.TimeTrigger); ok {
		target := tt.TargetTime
		return &kind, &target
	}
	return &kind, nil
}

// Create assigns the next vault id, stores the vault, appends its events and
// applies its ledger entries.
func (s *VaultStore) Create(ctx context.Context, v *domain.Vault, events []*domain.Event, entries []domain.LedgerEntry) (err error) {
	if v == nil {
		return storage.ErrInvalidInput
	}
	start := time.Now()
	defer func() { observe("create_vault", start, err) }()

	doc, err := encodeVault(v)
	if err != nil {
		return err
	}
	triggerType, triggerTime := triggerColumns(v.Trigger)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO vaults (owner, status, trigger_type, trigger_time, version, created_at, doc)
		VALUES ($1, $2, $3, $4, 1, $5, $6)
		RETURNING id
	`,
		v.Owner,
		string(v.Status),
		triggerType,
		triggerTime,
		v.CreatedAt,
		doc,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert vault: %w", err)
	}

	for _, e := range events {
		if e != nil {
			e.ResourceID = uint64(id)
		}
	}
	if err := appendEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := applyEntries(ctx, tx, entries); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	v.ID = uint64(id)
	v.Version = 1
	return nil
}

// Save replaces the vault if its version matches, appends events and applies
// ledger entries.
func (s *VaultStore) Save(ctx context.Context, v *domain.Vault, events []*domain.Event, entries []domain.LedgerEntry) (err error) {
	if v == nil {
		return storage.ErrInvalidInput
	}
	start := time.Now()
	defer func() { observe("save_vault", start, err) }()

	doc, err := encodeVault(v)
	if err != nil {
		return err
	}
	triggerType, triggerTime := triggerColumns(v.Trigger)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE vaults
		SET status = $3, trigger_type = $4, trigger_time = $5, doc = $6,
		    version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
	`,
		int64(v.ID),
		v.Version,
		string(v.Status),
		triggerType,
		triggerTime,
		doc,
	)
	if err != nil {
		return fmt.Errorf("update vault %d: %w", v.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var current int64
		err := tx.QueryRow(ctx, `SELECT version FROM vaults WHERE id = $1`, int64(v.ID)).Scan(&current)
		if isNotFoundError(err) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read vault %d version: %w", v.ID, err)
		}
		return fmt.Errorf("vault %d at version %d, have %d: %w", v.ID, current, v.Version, storage.ErrConflict)
	}

	if err := appendEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := applyEntries(ctx, tx, entries); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	v.Version++
	return nil
}

const vaultColumns = `id, owner, status, version, created_at, doc`

// GetByID retrieves a vault. Returns ErrNotFound if not exists.
func (s *VaultStore) GetByID(ctx context.Context, id uint64) (_ *domain.Vault, err error) {
	start := time.Now()
	defer func() { observe("get_vault", start, err) }()

	rows, err := s.pool.Query(ctx, `SELECT `+vaultColumns+` FROM vaults WHERE id = $1`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("get vault %d: %w", id, err)
	}
	defer rows.Close()

	vaults, err := scanVaults(rows)
	if err != nil {
		return nil, err
	}
	if len(vaults) == 0 {
		return nil, storage.ErrNotFound
	}
	return vaults[0], nil
}

// ListByOwner lists an owner's vaults ordered by id, optionally filtered by status.
func (s *VaultStore) ListByOwner(ctx context.Context, owner string, status *domain.VaultStatus, page storage.Page) ([]*domain.Vault, error) {
	if status != nil {
		return s.list(ctx, "list_vaults_by_owner", "owner = $1 AND status = $2", page, owner, string(*status))
	}
	return s.list(ctx, "list_vaults_by_owner", "owner = $1", page, owner)
}

// ListByStatus lists vaults in the given status ordered by id.
func (s *VaultStore) ListByStatus(ctx context.Context, status domain.VaultStatus, page storage.Page) ([]*domain.Vault, error) {
	return s.list(ctx, "list_vaults_by_status", "status = $1", page, string(status))
}

// ListDueTimeTriggers lists scheduled or active vaults whose time trigger is due.
func (s *VaultStore) ListDueTimeTriggers(ctx context.Context, now time.Time, page storage.Page) ([]*domain.Vault, error) {
	return s.list(ctx, "list_due_vaults",
		"trigger_type = 'time' AND status IN ('scheduled', 'active') AND trigger_time <= $1",
		page, now)
}

func (s *VaultStore) list(ctx context.Context, operation, where string, page storage.Page, args ...any) (_ []*domain.Vault, err error) {
	start := time.Now()
	defer func() { observe(operation, start, err) }()

	cond, order, pageArgs := pageClause(page, len(args)+1)
	query := `SELECT ` + vaultColumns + ` FROM vaults WHERE ` + where + ` AND ` + cond + ` ` + order

	rows, err := s.pool.Query(ctx, query, append(args, pageArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	defer rows.Close()

	return scanVaults(rows)
}

// scanVaults scans multiple rows into vaults.
func scanVaults(rows pgx.Rows) ([]*domain.Vault, error) {
	var vaults []*domain.Vault

	for rows.Next() {
		var (
			v      domain.Vault
			id     int64
			status string
			doc    []byte
		)
		if err := rows.Scan(&id, &v.Owner, &status, &v.Version, &v.CreatedAt, &doc); err != nil {
			return nil, fmt.Errorf("scan vault row: %w", err)
		}
		v.ID = uint64(id)
		v.Status = domain.VaultStatus(status)
		v.CreatedAt = v.CreatedAt.UTC()
		if err := decodeVault(&v, doc); err != nil {
			return nil, err
		}
		vaults = append(vaults, &v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vault rows: %w", err)
	}

	return vaults, nil
}
