package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/storage"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const productColumns = `id, name, description, price, stock, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (*models.Product, error) {
	var p models.Product
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func getProduct(ctx context.Context, q querier, id string) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	p, err := scanProduct(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("product %s not found", id)
		}
		return nil, wrapErr("failed to get product", err)
	}
	return p, nil
}

// decrementStock takes quantity units only if that many are available. The
// condition in the UPDATE makes the check and the write a single step.
func decrementStock(ctx context.Context, q querier, productID string, quantity int) (int, int, error) {
	if err := storage.CheckQuantity(productID, quantity); err != nil {
		return 0, 0, err
	}
	query := `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2
		RETURNING stock
	`
	var newStock int
	err := q.QueryRowContext(ctx, query, productID, quantity).Scan(&newStock)
	if err == nil {
		return newStock + quantity, newStock, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, wrapErr("failed to decrement stock", err)
	}

	// Nothing updated: either the product is missing or stock is short.
	p, err := getProduct(ctx, q, productID)
	if err != nil {
		return 0, 0, err
	}
	return 0, 0, apperrors.InsufficientStock(productID, quantity, p.Stock)
}

func incrementStock(ctx context.Context, q querier, productID string, quantity int) (int, int, error) {
	if err := storage.CheckQuantity(productID, quantity); err != nil {
		return 0, 0, err
	}
	query := `
		UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1
		RETURNING stock
	`
	var newStock int
	err := q.QueryRowContext(ctx, query, productID, quantity).Scan(&newStock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, apperrors.NotFound("product %s not found", productID)
		}
		return 0, 0, wrapErr("failed to increment stock", err)
	}
	return newStock - quantity, newStock, nil
}

// setStock overwrites stock. The subquery locks the row so the old value
// returned is the one that was replaced.
func setStock(ctx context.Context, q querier, productID string, stock int) (int, int, error) {
	if err := storage.CheckStockLevel(productID, stock); err != nil {
		return 0, 0, err
	}
	query := `
		UPDATE products p SET stock = $2, updated_at = now()
		FROM (SELECT id, stock FROM products WHERE id = $1 FOR UPDATE) old
		WHERE p.id = old.id
		RETURNING old.stock
	`
	var oldStock int
	err := q.QueryRowContext(ctx, query, productID, stock).Scan(&oldStock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, apperrors.NotFound("product %s not found", productID)
		}
		return 0, 0, wrapErr("failed to set stock", err)
	}
	return oldStock, stock, nil
}

// UpsertProduct creates or replaces a catalog entry.
func (s *Store) UpsertProduct(ctx context.Context, p models.Product) error {
	query := `
		INSERT INTO products (id, name, description, price, stock)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description, price = EXCLUDED.price,
			stock = EXCLUDED.stock, updated_at = now()
	`
	if _, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.Description, p.Price, p.Stock); err != nil {
		return wrapErr("failed to upsert product", err)
	}
	return nil
}

func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	query := `
		INSERT INTO products (id, name, description, price, stock)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, p.ID, p.Name, p.Description, p.Price, p.Stock).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isViolation(err, "23505") {
			return apperrors.Conflict("product %s already exists", p.ID)
		}
		return wrapErr("failed to create product", err)
	}
	return nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	return getProduct(ctx, s.db, id)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Store) ListProducts(ctx context.Context, filter models.ProductFilter, page models.Page) ([]models.Product, int, error) {
	where := `WHERE stock >= $1 AND ($2::text = '' OR name ILIKE '%' || $2::text || '%' OR description ILIKE '%' || $2::text || '%')`
	pattern := likeEscaper.Replace(filter.Query)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products `+where, filter.MinStock, pattern).Scan(&total); err != nil {
		return nil, 0, wrapErr("failed to count products", err)
	}

	query := `SELECT ` + productColumns + ` FROM products ` + where + ` ORDER BY name, id LIMIT $3 OFFSET $4`
	rows, err := s.db.QueryContext(ctx, query, filter.MinStock, pattern, page.Size, page.Offset())
	if err != nil {
		return nil, 0, wrapErr("failed to list products", err)
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, wrapErr("failed to scan product", err)
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapErr("failed to read products", err)
	}
	return products, total, nil
}

// UpdateProduct changes the fields set in req. Nil fields keep their value.
func (s *Store) UpdateProduct(ctx context.Context, id string, req models.UpdateProductRequest) (*models.Product, error) {
	query := `
		UPDATE products
		SET name = COALESCE($2, name),
			description = COALESCE($3, description),
			price = COALESCE($4, price),
			updated_at = now()
		WHERE id = $1
		RETURNING ` + productColumns
	p, err := scanProduct(s.db.QueryRowContext(ctx, query, id, req.Name, req.Description, req.Price))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("product %s not found", id)
		}
		return nil, wrapErr("failed to update product", err)
	}
	return p, nil
}

// DeleteProduct removes a product no order refers to. The order_items
// foreign key rejects the delete otherwise.
func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		if isViolation(err, "23503") {
			return apperrors.Conflict("product %s is referenced by existing orders", id)
		}
		return wrapErr("failed to delete product", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("failed to delete product", err)
	}
	if n == 0 {
		return apperrors.NotFound("product %s not found", id)
	}
	return nil
}
