package inventory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/storage"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/storage/memory"
)

func newStore(stock int) *memory.Store {
	s := memory.New()
	s.AddProduct(models.Product{ID: "p1", Name: "Widget", Price: decimal.NewFromInt(10), Stock: stock})
	return s
}

func TestReserveIsIdempotent(t *testing.T) {
	s := newStore(5)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := s.InTx(ctx, func(tx storage.Tx) error {
			m, applied, err := Reserve(ctx, tx, "o1", "p1", 2)
			if err != nil {
				return err
			}
			if applied != (i == 0) {
				t.Fatalf("attempt %d: unexpected applied=%v", i, applied)
			}
			if m.OldStock != 5 || m.NewStock != 3 {
				t.Fatalf("unexpected movement: %+v", m)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if p, _ := s.Product("p1"); p.Stock != 3 {
		t.Fatalf("expected stock 3, got %d", p.Stock)
	}
}

func TestReserveInsufficientLeavesStock(t *testing.T) {
	s := newStore(5)
	ctx := context.Background()
	err := s.InTx(ctx, func(tx storage.Tx) error {
		_, _, err := Reserve(ctx, tx, "o1", "p1", 6)
		return err
	})
	if !apperrors.Is(err, apperrors.KindInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if p, _ := s.Product("p1"); p.Stock != 5 {
		t.Fatalf("expected stock 5, got %d", p.Stock)
	}
	if len(s.Movements()) != 0 {
		t.Fatalf("expected no movements")
	}
}

func TestRestoreOnlyOnceAndOnlyIfReserved(t *testing.T) {
	s := newStore(5)
	ctx := context.Background()

	// nothing reserved yet
	err := s.InTx(ctx, func(tx storage.Tx) error {
		m, applied, err := Restore(ctx, tx, "o1", "p1")
		if m != nil || applied {
			t.Fatalf("expected no-op restore, got %+v", m)
		}
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_ = s.InTx(ctx, func(tx storage.Tx) error {
		_, _, err := Reserve(ctx, tx, "o1", "p1", 4)
		return err
	})
	for i := 0; i < 2; i++ {
		err := s.InTx(ctx, func(tx storage.Tx) error {
			_, applied, err := Restore(ctx, tx, "o1", "p1")
			if applied != (i == 0) {
				t.Fatalf("attempt %d: unexpected applied=%v", i, applied)
			}
			return err
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if p, _ := s.Product("p1"); p.Stock != 5 {
		t.Fatalf("expected stock restored to 5, got %d", p.Stock)
	}
}
