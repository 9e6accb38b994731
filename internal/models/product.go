package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type CreateProductRequest struct {
	// ID is optional; a UUID is assigned when empty.
	ID          string          `json:"id"`
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       *int            `json:"stock" binding:"required"`
}

// UpdateProductRequest changes catalog fields only. Stock moves through
// UpdateStockRequest so that every change is recorded as an inventory event.
type UpdateProductRequest struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	Price       *decimal.Decimal `json:"price"`
}

type UpdateStockRequest struct {
	Stock *int `json:"stock" binding:"required"`
}

// ProductFilter narrows a catalog listing. Query matches name or
// description, case-insensitively.
type ProductFilter struct {
	Query    string
	MinStock int
}
