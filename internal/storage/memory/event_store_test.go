package memory

import (
	"context"
	"errors"
	"testing"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

func TestEventStore_CursorStableUnderAppends(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Append(ctx, []*domain.Event{{ResourceID: 7, Data: domain.VaultCreated{}}}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	first, _ := store.ListByResource(ctx, 7, storage.Page{Limit: 2})
	if len(first) != 2 {
		t.Fatalf("expected 2 events, got %d", len(first))
	}

	// Appends between pages land after the cursor
	_ = store.Append(ctx, []*domain.Event{{ResourceID: 7, Data: domain.VaultCreated{}}})

	rest, _ := store.ListByResource(ctx, 7, storage.Page{Limit: 10}.After(first[1].ID))
	if len(rest) != 2 || rest[0].ID != 3 || rest[1].ID != 4 {
		t.Fatalf("unexpected continuation: %d events", len(rest))
	}
}

func TestEventStore_ListGlobalReverse(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	_ = store.Append(ctx, []*domain.Event{
		{ResourceID: 1, Data: domain.VaultCreated{}},
		{ResourceID: 2, Data: domain.VaultCreated{}},
		{ResourceID: 1, Data: domain.VaultCancelled{}},
	})

	all, _ := store.List(ctx, storage.Page{Reverse: true})
	if len(all) != 3 || all[0].ID != 3 || all[2].ID != 1 {
		t.Fatalf("unexpected reverse order")
	}

	older, _ := store.List(ctx, storage.Page{Reverse: true}.After(2))
	if len(older) != 1 || older[0].ID != 1 {
		t.Fatalf("expected only event 1 before cursor 2")
	}
}

func TestEventStore_RejectsEmptyData(t *testing.T) {
	store := NewEventStore()
	err := store.Append(context.Background(), []*domain.Event{{ResourceID: 1}})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}
