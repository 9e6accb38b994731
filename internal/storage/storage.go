// Package storage defines the transactional store shared by the order
// service and the order worker.
package storage

import (
	"context"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
)

// Store is the entry point for reads and transactional writes.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, filter models.OrderFilter, page models.Page) ([]models.Order, int, error)
}

// Catalog manages products outside of order transactions.
type Catalog interface {
	// CreateProduct fails with Conflict if the id is taken.
	CreateProduct(ctx context.Context, p *models.Product) error
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	ListProducts(ctx context.Context, filter models.ProductFilter, page models.Page) ([]models.Product, int, error)
	UpdateProduct(ctx context.Context, id string, req models.UpdateProductRequest) (*models.Product, error)
	// DeleteProduct fails with Conflict while any order line references the product.
	DeleteProduct(ctx context.Context, id string) error
}

// Tx holds the primitives available inside one transaction. Stock is only
// ever changed through DecrementStock, IncrementStock and SetStock, which are
// atomic per product row.
type Tx interface {
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	// DecrementStock fails with InsufficientStock instead of driving stock negative.
	DecrementStock(ctx context.Context, productID string, quantity int) (oldStock, newStock int, err error)
	IncrementStock(ctx context.Context, productID string, quantity int) (oldStock, newStock int, err error)
	// SetStock overwrites the stock level under a row lock.
	SetStock(ctx context.Context, productID string, stock int) (oldStock, newStock int, err error)

	InsertOrder(ctx context.Context, order *models.Order) error
	// GetOrderForUpdate locks the order row until the transaction ends.
	GetOrderForUpdate(ctx context.Context, id string) (*models.Order, error)
	SetOrderStatus(ctx context.Context, id string, status models.OrderStatus) error

	// FindMovement returns nil, nil when no movement exists.
	FindMovement(ctx context.Context, orderID, productID, reason string) (*models.InventoryMovement, error)
	InsertMovement(ctx context.Context, m *models.InventoryMovement) error

	EnqueueOutbox(ctx context.Context, msg models.OutboxMessage) error
}

// CheckQuantity rejects stock deltas that are not positive or do not fit the
// stock column. Every Tx implementation applies it before touching stock.
func CheckQuantity(productID string, quantity int) error {
	if quantity <= 0 {
		return apperrors.Validation("stock change for product %s must be positive, got %d", productID, quantity)
	}
	if quantity > models.MaxLineQuantity {
		return apperrors.Validation("stock change for product %s exceeds %d", productID, models.MaxLineQuantity)
	}
	return nil
}

// CheckStockLevel rejects absolute stock levels the stock column cannot hold.
func CheckStockLevel(productID string, stock int) error {
	if stock < 0 || stock > models.MaxLineQuantity {
		return apperrors.Validation("stock for product %s must be between 0 and %d, got %d", productID, models.MaxLineQuantity, stock)
	}
	return nil
}
