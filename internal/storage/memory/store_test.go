package memory

import (
	"context"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/storage"
)

func TestStockPrimitivesRejectBadQuantities(t *testing.T) {
	ops := map[string]func(tx storage.Tx, q int) error{
		"decrement": func(tx storage.Tx, q int) error {
			_, _, err := tx.DecrementStock(context.Background(), "p1", q)
			return err
		},
		"increment": func(tx storage.Tx, q int) error {
			_, _, err := tx.IncrementStock(context.Background(), "p1", q)
			return err
		},
	}
	for name, op := range ops {
		for _, q := range []int{0, -1, math.MinInt, math.MaxInt} {
			s := New()
			s.AddProduct(models.Product{ID: "p1", Price: decimal.NewFromInt(1), Stock: 5})
			err := s.InTx(context.Background(), func(tx storage.Tx) error { return op(tx, q) })
			if !apperrors.Is(err, apperrors.KindValidation) {
				t.Fatalf("%s(%d): expected validation error, got %v", name, q, err)
			}
			if p, _ := s.Product("p1"); p.Stock != 5 {
				t.Fatalf("%s(%d): stock changed to %d", name, q, p.Stock)
			}
		}
	}
}

func TestIncrementStockCannotOverflow(t *testing.T) {
	s := New()
	s.AddProduct(models.Product{ID: "p1", Price: decimal.NewFromInt(1), Stock: models.MaxLineQuantity - 1})
	err := s.InTx(context.Background(), func(tx storage.Tx) error {
		_, _, err := tx.IncrementStock(context.Background(), "p1", 2)
		return err
	})
	if !apperrors.Is(err, apperrors.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
