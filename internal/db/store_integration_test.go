//go:build integration

package db

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap/zaptest"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/service"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/storage"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("orderflow"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pgC) })

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return dsn
}

func connect(t *testing.T, dsn string) *PostgresDB {
	t.Helper()
	database, err := NewPostgresDB(context.Background(), dsn, PoolConfig{MaxOpenConns: 20}, 30*time.Second, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func setupPostgres(t *testing.T) *Store {
	t.Helper()
	database := connect(t, startPostgres(t))
	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(database)
}

func TestConcurrentMigrationsSucceed(t *testing.T) {
	dsn := startPostgres(t)

	const binaries = 4
	errs := make(chan error, binaries)
	var wg sync.WaitGroup
	for i := 0; i < binaries; i++ {
		database := connect(t, dsn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- database.Migrate(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}
}

func seed(t *testing.T, store *Store, products ...models.Product) {
	t.Helper()
	for _, p := range products {
		if err := store.UpsertProduct(context.Background(), p); err != nil {
			t.Fatalf("seed %s: %v", p.ID, err)
		}
	}
}

func TestCreateAndCancelOrder(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	seed(t, store,
		models.Product{ID: "A", Name: "Alpha", Price: decimal.NewFromInt(10), Stock: 10},
		models.Product{ID: "B", Name: "Beta", Price: decimal.NewFromInt(5), Stock: 5},
	)
	svc := service.NewOrderService(store, zaptest.NewLogger(t))

	order, err := svc.CreateOrder(ctx, "u1", []models.OrderItemRequest{
		{ProductID: "A", Quantity: 2},
		{ProductID: "B", Quantity: 1},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !order.TotalAmount.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected total 25, got %s", order.TotalAmount)
	}

	stored, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.Items) != 2 || stored.Items[0].ProductID != "A" || !stored.Items[0].PriceAtPurchase.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected lines: %+v", stored.Items)
	}

	a, _ := store.GetProduct(ctx, "A")
	if a.Stock != 8 {
		t.Fatalf("expected stock 8, got %d", a.Stock)
	}

	if _, err := svc.UpdateStatus(ctx, order.ID, models.StatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, order.ID, models.StatusCancelled); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	a, _ = store.GetProduct(ctx, "A")
	if a.Stock != 10 {
		t.Fatalf("expected stock restored once to 10, got %d", a.Stock)
	}

	page, err := svc.ListOrdersForUser(ctx, "u1", models.Page{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Metadata.Total != 1 || len(page.Data[0].Items) != 2 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestProductCatalog(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	seed(t, store, models.Product{ID: "A", Name: "Alpha", Description: "100% cotton", Price: decimal.NewFromInt(10), Stock: 10})
	products := service.NewProductService(store, zaptest.NewLogger(t))
	orders := service.NewOrderService(store, zaptest.NewLogger(t))

	stock := 0
	created, err := products.CreateProduct(ctx, models.CreateProductRequest{
		ID: "B", Name: "Beta", Description: "cotton blend", Price: decimal.RequireFromString("4.99"), Stock: &stock,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.CreatedAt.IsZero() {
		t.Fatalf("created_at should be set")
	}
	if _, err := products.CreateProduct(ctx, models.CreateProductRequest{
		ID: "B", Name: "Beta", Price: decimal.NewFromInt(1), Stock: &stock,
	}); !apperrors.Is(err, apperrors.KindConflict) {
		t.Fatalf("duplicate id: expected conflict, got %v", err)
	}

	page, err := products.Search(ctx, "cotton", models.Page{})
	if err != nil || page.Metadata.Total != 2 {
		t.Fatalf("search: %+v (%v)", page, err)
	}
	page, _ = products.Search(ctx, "100%", models.Page{})
	if page.Metadata.Total != 1 || page.Data[0].ID != "A" {
		t.Fatalf("wildcards must match literally: %+v", page)
	}
	page, _ = products.ListInStock(ctx, 1, models.Page{})
	if page.Metadata.Total != 1 || page.Data[0].ID != "A" {
		t.Fatalf("in stock: %+v", page)
	}

	name := "Beta Plus"
	updated, err := products.UpdateProduct(ctx, "B", models.UpdateProductRequest{Name: &name})
	if err != nil || updated.Name != "Beta Plus" || updated.Description != "cotton blend" || !updated.Price.Equal(decimal.RequireFromString("4.99")) {
		t.Fatalf("update: %+v (%v)", updated, err)
	}

	b, err := products.SetStock(ctx, "B", 6)
	if err != nil || b.Stock != 6 {
		t.Fatalf("set stock: %+v (%v)", b, err)
	}
	err = store.InTx(ctx, func(tx storage.Tx) error {
		old, cur, err := tx.SetStock(ctx, "B", 2)
		if err == nil && (old != 6 || cur != 2) {
			t.Errorf("expected 6 -> 2, got %d -> %d", old, cur)
		}
		return err
	})
	if err != nil {
		t.Fatalf("tx set stock: %v", err)
	}

	if _, err := orders.CreateOrder(ctx, "u1", []models.OrderItemRequest{{ProductID: "A", Quantity: 1}}); err != nil {
		t.Fatalf("order: %v", err)
	}
	if err := products.DeleteProduct(ctx, "A"); !apperrors.Is(err, apperrors.KindConflict) {
		t.Fatalf("product on an order: expected conflict, got %v", err)
	}
	if err := products.DeleteProduct(ctx, "B"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := products.DeleteProduct(ctx, "B"); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentOrdersForLastUnit(t *testing.T) {
	store := setupPostgres(t)
	seed(t, store, models.Product{ID: "last", Name: "Last", Price: decimal.NewFromInt(1), Stock: 1})
	svc := service.NewOrderService(store, zaptest.NewLogger(t))

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateOrder(context.Background(), "u1", []models.OrderItemRequest{{ProductID: "last", Quantity: 1}})
			switch {
			case err == nil:
				succeeded.Add(1)
			case apperrors.Is(err, apperrors.KindInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 1 || rejected.Load() != 9 {
		t.Fatalf("expected 1 success and 9 rejections, got %d and %d", succeeded.Load(), rejected.Load())
	}
	p, _ := store.GetProduct(context.Background(), "last")
	if p.Stock != 0 {
		t.Fatalf("expected stock 0, got %d", p.Stock)
	}
}

func TestMovementIsUniquePerReason(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	seed(t, store, models.Product{ID: "A", Name: "Alpha", Price: decimal.NewFromInt(10), Stock: 10})

	m := &models.InventoryMovement{ID: "m1", OrderID: "o1", ProductID: "A", Reason: models.ReasonOrderCreated, Quantity: 1, OldStock: 10, NewStock: 9}
	if err := store.InTx(ctx, func(tx storage.Tx) error { return tx.InsertMovement(ctx, m) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := *m
	dup.ID = "m2"
	err := store.InTx(ctx, func(tx storage.Tx) error { return tx.InsertMovement(ctx, &dup) })
	if !apperrors.Is(err, apperrors.KindTransient) {
		t.Fatalf("expected duplicate movement to fail as transient, got %v", err)
	}

	var found *models.InventoryMovement
	_ = store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		found, err = tx.FindMovement(ctx, "o1", "A", models.ReasonOrderCreated)
		return err
	})
	if found == nil || found.ID != "m1" {
		t.Fatalf("expected the first movement, got %+v", found)
	}
}

func TestOutboxLeaseAndRetry(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(tx storage.Tx) error {
		for _, id := range []string{"e1", "e2"} {
			msg := models.OutboxMessage{EventID: id, Queue: models.OrderCreatedQueue, Payload: []byte(`{"orderId":"o1"}`), Headers: map[string]string{"traceparent": "00-x"}}
			if err := tx.EnqueueOutbox(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	batch, err := store.LockBatch(ctx, "r1", 10, time.Minute)
	if err != nil || len(batch) != 2 {
		t.Fatalf("expected 2 messages, got %d (%v)", len(batch), err)
	}
	if batch[0].EventID != "e1" || batch[0].Headers["traceparent"] != "00-x" {
		t.Fatalf("unexpected message: %+v", batch[0])
	}
	if again, _ := store.LockBatch(ctx, "r2", 10, time.Minute); len(again) != 0 {
		t.Fatalf("leased messages must be hidden, got %d", len(again))
	}

	if err := store.MarkSent(ctx, []int64{batch[0].ID}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := store.MarkRetry(ctx, batch[1].ID, "nacked", time.Hour); err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	if hidden, _ := store.LockBatch(ctx, "r2", 10, time.Minute); len(hidden) != 0 {
		t.Fatalf("message must stay hidden until its retry delay passes, got %d", len(hidden))
	}

	if _, err := store.db.ExecContext(ctx, `UPDATE outbox SET locked_until = now() - interval '1 second' WHERE id = $1`, batch[1].ID); err != nil {
		t.Fatalf("expire retry delay: %v", err)
	}
	retry, _ := store.LockBatch(ctx, "r2", 10, time.Minute)
	if len(retry) != 1 || retry[0].EventID != "e2" || retry[0].Attempts != 1 || retry[0].LastError != "nacked" {
		t.Fatalf("expected e2 back for retry, got %+v", retry)
	}
	if err := store.MarkFailed(ctx, retry[0].ID, "rejected"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `UPDATE outbox SET locked_until = NULL`); err != nil {
		t.Fatalf("clear leases: %v", err)
	}
	if parked, _ := store.LockBatch(ctx, "r3", 10, time.Minute); len(parked) != 0 {
		t.Fatalf("parked message must not be relayed again, got %d", len(parked))
	}
}
