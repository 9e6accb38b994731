package db

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/storage"
)

// Store is the PostgreSQL implementation of storage.Store and outbox.Store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Catalog = (*Store)(nil)
)

func NewStore(database *PostgresDB) *Store {
	return &Store{db: database.Conn, logger: database.logger}
}

// InTx runs fn in a READ COMMITTED transaction. Stock safety comes from the
// conditional updates and row locks, not from the isolation level.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return wrapErr("failed to begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		s.logger.Warn("⚠️ Transaction commit failed", zap.Error(err))
		return wrapErr("failed to commit transaction", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return getOrder(ctx, s.db, id, false)
}

func (s *Store) ListOrders(ctx context.Context, filter models.OrderFilter, page models.Page) ([]models.Order, int, error) {
	return listOrders(ctx, s.db, filter, page)
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	return getProduct(ctx, t.tx, id)
}

func (t *pgTx) DecrementStock(ctx context.Context, productID string, quantity int) (int, int, error) {
	return decrementStock(ctx, t.tx, productID, quantity)
}

func (t *pgTx) IncrementStock(ctx context.Context, productID string, quantity int) (int, int, error) {
	return incrementStock(ctx, t.tx, productID, quantity)
}

func (t *pgTx) SetStock(ctx context.Context, productID string, stock int) (int, int, error) {
	return setStock(ctx, t.tx, productID, stock)
}

func (t *pgTx) InsertOrder(ctx context.Context, order *models.Order) error {
	return insertOrder(ctx, t.tx, order)
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id string) (*models.Order, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *pgTx) SetOrderStatus(ctx context.Context, id string, status models.OrderStatus) error {
	return setOrderStatus(ctx, t.tx, id, status)
}

func (t *pgTx) FindMovement(ctx context.Context, orderID, productID, reason string) (*models.InventoryMovement, error) {
	return findMovement(ctx, t.tx, orderID, productID, reason)
}

func (t *pgTx) InsertMovement(ctx context.Context, m *models.InventoryMovement) error {
	return insertMovement(ctx, t.tx, m)
}

func (t *pgTx) EnqueueOutbox(ctx context.Context, msg models.OutboxMessage) error {
	if err := enqueueOutbox(ctx, t.tx, msg); err != nil {
		return fmt.Errorf("outbox %s: %w", msg.Queue, err)
	}
	return nil
}
