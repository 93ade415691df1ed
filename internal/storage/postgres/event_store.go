package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// eventAppendLock serializes event appends so ids become visible in order.
const eventAppendLock = 7420001

// EventStore implements storage.EventStore using PostgreSQL.
type EventStore struct {
	pool *Pool
}

// NewEventStore creates a new EventStore.
func NewEventStore(pool *Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.EventStore = (*EventStore)(nil)

// Append stores events in one transaction and sets their ids.
func (s *EventStore) Append(ctx context.Context, events []*domain.Event) (err error) {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { observe("append_events", start, err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := appendEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// appendEvents inserts events inside tx.
func appendEvents(ctx context.Context, tx pgx.Tx, events []*domain.Event) error {
	for _, e := range events {
		if e == nil || e.Data == nil {
			return storage.ErrInvalidInput
		}
	}
	if len(events) == 0 {
		return nil
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(eventAppendLock)); err != nil {
		return fmt.Errorf("lock event log: %w", err)
	}

	query := `
		INSERT INTO events (resource_id, event_type, timestamp, data)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	for _, e := range events {
		data, err := domain.MarshalEventData(e.Data)
		if err != nil {
			return err
		}
		var id int64
		err = tx.QueryRow(ctx, query,
			int64(e.ResourceID),
			e.Data.EventType(),
			e.Timestamp,
			data,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert %s event: %w", e.Data.EventType(), err)
		}
		e.ID = uint64(id)
	}
	return nil
}

// ListByResource lists events of one vault or fund ordered by id.
func (s *EventStore) ListByResource(ctx context.Context, resourceID uint64, page storage.Page) (_ []*domain.Event, err error) {
	start := time.Now()
	defer func() { observe("list_events_by_resource", start, err) }()

	cond, order, args := pageClause(page, 2)
	query := `
		SELECT id, resource_id, event_type, timestamp, data
		FROM events
		WHERE resource_id = $1 AND ` + cond + `
		` + order

	rows, err := s.pool.Query(ctx, query, append([]any{int64(resourceID)}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("list events by resource: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// List lists all events ordered by id.
func (s *EventStore) List(ctx context.Context, page storage.Page) (_ []*domain.Event, err error) {
	start := time.Now()
	defer func() { observe("list_events", start, err) }()

	cond, order, args := pageClause(page, 1)
	query := `
		SELECT id, resource_id, event_type, timestamp, data
		FROM events
		WHERE ` + cond + `
		` + order

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// scanEvents scans multiple rows into events.
func scanEvents(rows pgx.Rows) ([]*domain.Event, error) {
	var events []*domain.Event

	for rows.Next() {
		var (
			id, resourceID int64
			eventType      string
			timestamp      time.Time
			data           []byte
		)
		if err := rows.Scan(&id, &resourceID, &eventType, &timestamp, &data); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		payload, err := domain.UnmarshalEventData(eventType, data)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", id, err)
		}
		events = append(events, &domain.Event{
			ID:         uint64(id),
			ResourceID: uint64(resourceID),
			Timestamp:  timestamp.UTC(),
			Data:       payload,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}

	return events, nil
}
