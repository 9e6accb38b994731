package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
)

func findMovement(ctx context.Context, q querier, orderID, productID, reason string) (*models.InventoryMovement, error) {
	query := `
		SELECT id, order_id, product_id, reason, quantity, old_stock, new_stock, created_at
		FROM inventory_movements
		WHERE order_id = $1 AND product_id = $2 AND reason = $3
	`
	var m models.InventoryMovement
	err := q.QueryRowContext(ctx, query, orderID, productID, reason).
		Scan(&m.ID, &m.OrderID, &m.ProductID, &m.Reason, &m.Quantity, &m.OldStock, &m.NewStock, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapErr("failed to look up inventory movement", err)
	}
	return &m, nil
}

// insertMovement records a stock delta. A concurrent writer that already
// recorded the same (order, product, reason) makes this fail with a unique
// violation, which rolls back the caller's stock change.
func insertMovement(ctx context.Context, q querier, m *models.InventoryMovement) error {
	query := `
		INSERT INTO inventory_movements (id, order_id, product_id, reason, quantity, old_stock, new_stock)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	err := q.QueryRowContext(ctx, query, m.ID, m.OrderID, m.ProductID, m.Reason, m.Quantity, m.OldStock, m.NewStock).
		Scan(&m.CreatedAt)
	if err != nil {
		return wrapErr("failed to insert inventory movement", err)
	}
	return nil
}
