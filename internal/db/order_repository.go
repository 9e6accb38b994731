package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
)

// insertOrder inserts the order and its lines.
func insertOrder(ctx context.Context, q querier, order *models.Order) error {
	orderQuery := `
		INSERT INTO orders (id, user_id, status, total_amount)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	err := q.QueryRowContext(ctx, orderQuery, order.ID, order.UserID, order.Status, order.TotalAmount).
		Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return wrapErr("failed to insert order", err)
	}

	itemQuery := `
		INSERT INTO order_items (id, order_id, position, product_id, product_name, quantity, price_at_purchase)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for i, item := range order.Items {
		_, err := q.ExecContext(ctx, itemQuery,
			item.ID,
			order.ID,
			i,
			item.ProductID,
			item.ProductName,
			item.Quantity,
			item.PriceAtPurchase,
		)
		if err != nil {
			return wrapErr("failed to insert order item", err)
		}
	}
	return nil
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*models.Order, error) {
	orderQuery := `SELECT id, user_id, status, total_amount, created_at, updated_at FROM orders WHERE id = $1`
	if forUpdate {
		orderQuery += ` FOR UPDATE`
	}

	var order models.Order
	err := q.QueryRowContext(ctx, orderQuery, id).
		Scan(&order.ID, &order.UserID, &order.Status, &order.TotalAmount, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("order %s not found", id)
		}
		return nil, wrapErr("failed to get order", err)
	}

	items, err := getOrderItems(ctx, q, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]
	return &order, nil
}

// getOrderItems loads the lines of several orders, keyed by order id.
func getOrderItems(ctx context.Context, q querier, orderIDs []string) (map[string][]models.OrderLine, error) {
	itemsQuery := `
		SELECT id, order_id, product_id, product_name, quantity, price_at_purchase
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`
	rows, err := q.QueryContext(ctx, itemsQuery, pq.Array(orderIDs))
	if err != nil {
		return nil, wrapErr("failed to query order items", err)
	}
	defer rows.Close()

	items := make(map[string][]models.OrderLine, len(orderIDs))
	for rows.Next() {
		var item models.OrderLine
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.Quantity, &item.PriceAtPurchase); err != nil {
			return nil, wrapErr("failed to scan order item", err)
		}
		items[item.OrderID] = append(items[item.OrderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("failed to read order items", err)
	}
	return items, nil
}

func listOrders(ctx context.Context, q querier, filter models.OrderFilter, page models.Page) ([]models.Order, int, error) {
	var total int
	countQuery := `SELECT count(*) FROM orders WHERE ($1 = '' OR user_id = $1)`
	if err := q.QueryRowContext(ctx, countQuery, filter.UserID).Scan(&total); err != nil {
		return nil, 0, wrapErr("failed to count orders", err)
	}

	query := `
		SELECT id, user_id, status, total_amount, created_at, updated_at
		FROM orders
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := q.QueryContext(ctx, query, filter.UserID, page.Size, page.Offset())
	if err != nil {
		return nil, 0, wrapErr("failed to query orders", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	var ids []string
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Status, &o.TotalAmount, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, 0, wrapErr("failed to scan order", err)
		}
		orders = append(orders, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapErr("failed to read orders", err)
	}
	if len(ids) == 0 {
		return orders, total, nil
	}

	items, err := getOrderItems(ctx, q, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, total, nil
}

func setOrderStatus(ctx context.Context, q querier, id string, status models.OrderStatus) error {
	query := `UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3`

	result, err := q.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return wrapErr("failed to update order", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperrors.NotFound("order %s not found", id)
	}
	return nil
}
