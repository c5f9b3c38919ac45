package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	"github.com/vladislavdragonenkov/cartengine/internal/storage/memory"
)

func TestSessionStore_LoadMissing(t *testing.T) {
	store := memory.NewSessionStore()

	if _, err := store.Load(context.Background(), "unknown"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := store.Load(context.Background(), " "); !errors.Is(err, domain.ErrSessionIDRequired) {
		t.Fatalf("expected ErrSessionIDRequired, got %v", err)
	}
}

func TestSessionStore_SaveOverwritesAndStampsTime(t *testing.T) {
	store := memory.NewSessionStore()
	ctx := context.Background()

	first := domain.NewSession("s-1")
	first.Cart = append(first.Cart, domain.CartLine{ProductID: "p-1", UnitPrice: decimal.NewFromInt(3), Quantity: 1})
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	second := domain.NewSession("s-1")
	second.Customer = domain.CustomerSnapshot{Phone: "+1"}
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.Load(ctx, "s-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded.Cart) != 0 {
		t.Fatalf("last write must win, got %d lines", len(loaded.Cart))
	}
	if loaded.Customer.Phone != "+1" {
		t.Fatalf("unexpected customer: %+v", loaded.Customer)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Fatal("expected UpdatedAt to be set")
	}
}

func TestSessionStore_ReturnsCopies(t *testing.T) {
	store := memory.NewSessionStore()
	ctx := context.Background()

	session := domain.NewSession("s-2")
	session.Cart = append(session.Cart, domain.CartLine{ProductID: "p-1", UnitPrice: decimal.NewFromInt(1), Quantity: 2})
	if err := store.Save(ctx, session); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	session.Cart[0].Quantity = 10

	loaded, err := store.Load(ctx, "s-2")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	loaded.Cart[0].Quantity = 20

	again, _ := store.Load(ctx, "s-2")
	if again.Cart[0].Quantity != 2 {
		t.Fatalf("stored session was mutated: %d", again.Cart[0].Quantity)
	}
}
