// Package inventory applies stock movements through the movement ledger so
// that each (order, product, reason) changes stock at most once.
package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/storage"
)

// Reserve takes quantity units of the product for the order. If the order
// already reserved this product the recorded movement is returned and stock
// is left alone. applied is true only when stock actually moved.
func Reserve(ctx context.Context, tx storage.Tx, orderID, productID string, quantity int) (m *models.InventoryMovement, applied bool, err error) {
	existing, err := tx.FindMovement(ctx, orderID, productID, models.ReasonOrderCreated)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up reservation: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	oldStock, newStock, err := tx.DecrementStock(ctx, productID, quantity)
	if err != nil {
		return nil, false, err
	}

	m = &models.InventoryMovement{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		ProductID: productID,
		Reason:    models.ReasonOrderCreated,
		Quantity:  quantity,
		OldStock:  oldStock,
		NewStock:  newStock,
	}
	if err := tx.InsertMovement(ctx, m); err != nil {
		return nil, false, fmt.Errorf("failed to record reservation: %w", err)
	}
	return m, true, nil
}

// Restore gives back what the order reserved for the product. It does
// nothing if the product was never reserved, and returns the recorded
// movement if it was already restored.
func Restore(ctx context.Context, tx storage.Tx, orderID, productID string) (m *models.InventoryMovement, applied bool, err error) {
	existing, err := tx.FindMovement(ctx, orderID, productID, models.ReasonOrderCancelled)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up restoration: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	reserved, err := tx.FindMovement(ctx, orderID, productID, models.ReasonOrderCreated)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up reservation: %w", err)
	}
	if reserved == nil {
		return nil, false, nil
	}

	oldStock, newStock, err := tx.IncrementStock(ctx, productID, reserved.Quantity)
	if err != nil {
		return nil, false, err
	}

	m = &models.InventoryMovement{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		ProductID: productID,
		Reason:    models.ReasonOrderCancelled,
		Quantity:  reserved.Quantity,
		OldStock:  oldStock,
		NewStock:  newStock,
	}
	if err := tx.InsertMovement(ctx, m); err != nil {
		return nil, false, fmt.Errorf("failed to record restoration: %w", err)
	}
	return m, true, nil
}
