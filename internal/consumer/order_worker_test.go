package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/service"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/storage"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/storage/memory"
)

type fakeAck struct {
	acks     int
	drops    int
	requeues int
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error {
	f.acks++
	return nil
}

func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	if requeue {
		f.requeues++
	} else {
		f.drops++
	}
	return nil
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.InventoryUpdateEvent
	err    error
}

func (p *fakePublisher) PublishInventoryUpdate(ctx context.Context, event models.InventoryUpdateEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

type fakeLedger struct {
	seen map[string]bool
}

func (l *fakeLedger) Seen(ctx context.Context, queue, eventID string) (bool, error) {
	return l.seen[queue+":"+eventID], nil
}

func (l *fakeLedger) Mark(ctx context.Context, queue, eventID string) error {
	l.seen[queue+":"+eventID] = true
	return nil
}

// failingStore fails every transaction the way an unreachable database does.
type failingStore struct {
	storage.Store
}

func (failingStore) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return apperrors.Transient("database unavailable", errors.New("dial tcp: i/o timeout"))
}

// slowStore never answers before the caller gives up.
type slowStore struct {
	storage.Store
}

func (slowStore) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	<-ctx.Done()
	return ctx.Err()
}

type fixture struct {
	store  *memory.Store
	svc    *service.OrderService
	pub    *fakePublisher
	worker *OrderWorker
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memory.New()
	store.AddProduct(models.Product{ID: "A", Name: "Alpha", Price: decimal.NewFromInt(10), Stock: 10})
	store.AddProduct(models.Product{ID: "B", Name: "Beta", Price: decimal.NewFromInt(5), Stock: 5})
	logger := zaptest.NewLogger(t)
	svc := service.NewOrderService(store, logger)
	pub := &fakePublisher{}
	return &fixture{
		store:  store,
		svc:    svc,
		pub:    pub,
		worker: NewOrderWorker(store, pub, svc, logger, opts...),
	}
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, ok := f.store.Product(id)
	if !ok {
		t.Fatalf("product %s missing", id)
	}
	return p.Stock
}

// lastOutbox returns the most recent outbox message for queue.
func (f *fixture) lastOutbox(t *testing.T, queue string) models.OutboxMessage {
	t.Helper()
	outbox := f.store.Outbox()
	for i := len(outbox) - 1; i >= 0; i-- {
		if outbox[i].Queue == queue {
			return outbox[i]
		}
	}
	t.Fatalf("no outbox message for %s", queue)
	return models.OutboxMessage{}
}

func delivery(ack *fakeAck, id string, body []byte) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, MessageId: id, Body: body}
}

func (f *fixture) createOrder(t *testing.T) *models.Order {
	t.Helper()
	order, err := f.svc.CreateOrder(context.Background(), "u1", []models.OrderItemRequest{
		{ProductID: "A", Quantity: 2},
		{ProductID: "B", Quantity: 1},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func TestOrderCreatedPublishesOneUpdatePerLine(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	msg := f.lastOutbox(t, models.OrderCreatedQueue)

	ack := &fakeAck{}
	f.worker.Handle(context.Background(), models.OrderCreatedQueue, delivery(ack, msg.EventID, msg.Payload))

	if ack.acks != 1 || ack.drops != 0 || ack.requeues != 0 {
		t.Fatalf("expected a single ack, got %+v", ack)
	}
	if f.stock(t, "A") != 8 || f.stock(t, "B") != 4 {
		t.Fatalf("stock moved twice: A=%d B=%d", f.stock(t, "A"), f.stock(t, "B"))
	}
	if len(f.pub.events) != 2 {
		t.Fatalf("expected 2 inventory updates, got %d", len(f.pub.events))
	}
	for _, ev := range f.pub.events {
		if ev.OrderID != order.ID || ev.Reason != models.ReasonOrderCreated {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
	if f.pub.events[0].ProductID != "A" || f.pub.events[0].OldStock != 10 || f.pub.events[0].NewStock != 8 {
		t.Fatalf("unexpected update for A: %+v", f.pub.events[0])
	}
}

func TestRedeliveredOrderCreatedKeepsEventIDs(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t)
	msg := f.lastOutbox(t, models.OrderCreatedQueue)

	for i := 0; i < 2; i++ {
		f.worker.Handle(context.Background(), models.OrderCreatedQueue, delivery(&fakeAck{}, msg.EventID, msg.Payload))
	}
	if len(f.pub.events) != 4 {
		t.Fatalf("expected updates to be republished, got %d", len(f.pub.events))
	}
	if f.pub.events[0].EventID != f.pub.events[2].EventID {
		t.Fatalf("republished update must reuse the movement id")
	}
	if f.stock(t, "A") != 8 {
		t.Fatalf("expected stock 8, got %d", f.stock(t, "A"))
	}
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	cases := []struct {
		name  string
		queue string
		body  string
	}{
		{"not json", models.OrderCreatedQueue, "{not json"},
		{"no items", models.OrderCreatedQueue, `{"orderId":"o1","items":[]}`},
		{"bad quantity", models.OrderCreatedQueue, `{"orderId":"o1","items":[{"productId":"A","quantity":0}]}`},
		{"bad status", models.OrderStatusChangedQueue, `{"orderId":"o1","oldStatus":"PENDING","newStatus":"LOST"}`},
		{"unknown queue", "orders.unknown", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ack := &fakeAck{}
			f.worker.Handle(context.Background(), tc.queue, delivery(ack, "m1", []byte(tc.body)))
			if ack.drops != 1 || ack.acks != 0 || ack.requeues != 0 {
				t.Fatalf("expected drop, got %+v", ack)
			}
		})
	}
}

func TestStorageFailureRequeues(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	msg := f.lastOutbox(t, models.OrderCreatedQueue)

	logger := zaptest.NewLogger(t)
	worker := NewOrderWorker(failingStore{f.store}, f.pub, f.svc, logger)
	ack := &fakeAck{}
	worker.Handle(context.Background(), models.OrderCreatedQueue, delivery(ack, msg.EventID, msg.Payload))

	if ack.requeues != 1 || ack.acks != 0 || ack.drops != 0 {
		t.Fatalf("expected requeue, got %+v", ack)
	}
	stored, err := f.store.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Status != models.StatusPending {
		t.Fatalf("transient failure must not cancel the order")
	}
}

func TestPublishFailureRequeues(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t)
	msg := f.lastOutbox(t, models.OrderCreatedQueue)
	f.pub.err = errors.New("channel closed")

	ack := &fakeAck{}
	f.worker.Handle(context.Background(), models.OrderCreatedQueue, delivery(ack, msg.EventID, msg.Payload))
	if ack.requeues != 1 {
		t.Fatalf("expected requeue, got %+v", ack)
	}
}

func TestHandlerTimeoutRequeues(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t)
	msg := f.lastOutbox(t, models.OrderCreatedQueue)

	worker := NewOrderWorker(slowStore{f.store}, f.pub, f.svc, zaptest.NewLogger(t), WithHandlerTimeout(10*time.Millisecond))
	ack := &fakeAck{}
	worker.Handle(context.Background(), models.OrderCreatedQueue, delivery(ack, msg.EventID, msg.Payload))
	if ack.requeues != 1 {
		t.Fatalf("expected requeue after timeout, got %+v", ack)
	}
}

func TestInsufficientStockCancelsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddProduct(models.Product{ID: "C", Name: "Gamma", Price: decimal.NewFromInt(3), Stock: 1})

	// An order that reached the queue without a reservation.
	order := &models.Order{ID: "o-short", UserID: "u1", Status: models.StatusPending, Items: []models.OrderLine{
		{ID: "l1", OrderID: "o-short", ProductID: "C", ProductName: "Gamma", Quantity: 3, PriceAtPurchase: decimal.NewFromInt(3)},
	}}
	order.TotalAmount = order.ComputeTotal()
	if err := f.store.InTx(ctx, func(tx storage.Tx) error { return tx.InsertOrder(ctx, order) }); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	body, _ := json.Marshal(models.NewOrderCreatedEvent(order))

	ack := &fakeAck{}
	f.worker.Handle(ctx, models.OrderCreatedQueue, delivery(ack, "e-short", body))

	if ack.drops != 1 {
		t.Fatalf("expected drop, got %+v", ack)
	}
	if f.stock(t, "C") != 1 {
		t.Fatalf("stock must be untouched, got %d", f.stock(t, "C"))
	}
	stored, err := f.store.GetOrder(ctx, "o-short")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Status != models.StatusCancelled {
		t.Fatalf("expected compensation to cancel the order, got %s", stored.Status)
	}
	if len(f.pub.events) != 0 {
		t.Fatalf("no inventory update expected, got %d", len(f.pub.events))
	}
}

func TestOrderCreatedSkipsCancelledOrder(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	created := f.lastOutbox(t, models.OrderCreatedQueue)
	if _, err := f.svc.UpdateStatus(context.Background(), order.ID, models.StatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ack := &fakeAck{}
	f.worker.Handle(context.Background(), models.OrderCreatedQueue, delivery(ack, created.EventID, created.Payload))
	if ack.acks != 1 {
		t.Fatalf("expected ack, got %+v", ack)
	}
	if f.stock(t, "A") != 10 || f.stock(t, "B") != 5 {
		t.Fatalf("cancelled order must not reserve again: A=%d B=%d", f.stock(t, "A"), f.stock(t, "B"))
	}
	if len(f.pub.events) != 0 {
		t.Fatalf("no updates expected, got %d", len(f.pub.events))
	}
}

func TestDuplicateCancellationRestoresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t)

	// Cancel without going through the orchestrator so the worker is the
	// one that restores stock.
	if err := f.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.SetOrderStatus(ctx, order.ID, models.StatusCancelled)
	}); err != nil {
		t.Fatalf("set status: %v", err)
	}
	event := models.NewOrderStatusChangedEvent(order.ID, models.StatusPending, models.StatusCancelled)
	body, _ := json.Marshal(event)

	for i := 0; i < 2; i++ {
		ack := &fakeAck{}
		f.worker.Handle(ctx, models.OrderStatusChangedQueue, delivery(ack, event.EventID, body))
		if ack.acks != 1 {
			t.Fatalf("delivery %d: expected ack, got %+v", i, ack)
		}
	}

	if f.stock(t, "A") != 10 || f.stock(t, "B") != 5 {
		t.Fatalf("expected stock restored exactly once: A=%d B=%d", f.stock(t, "A"), f.stock(t, "B"))
	}
	for _, ev := range f.pub.events {
		if ev.Reason != models.ReasonOrderCancelled {
			t.Fatalf("unexpected reason %s", ev.Reason)
		}
	}
	if f.pub.events[0].OldStock != 8 || f.pub.events[0].NewStock != 10 {
		t.Fatalf("unexpected restore event: %+v", f.pub.events[0])
	}
}

func TestCancellationAfterOrchestratorRestoreIsNoop(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	if _, err := f.svc.UpdateStatus(context.Background(), order.ID, models.StatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	msg := f.lastOutbox(t, models.OrderStatusChangedQueue)

	ack := &fakeAck{}
	f.worker.Handle(context.Background(), models.OrderStatusChangedQueue, delivery(ack, msg.EventID, msg.Payload))
	if ack.acks != 1 {
		t.Fatalf("expected ack, got %+v", ack)
	}
	if f.stock(t, "A") != 10 || f.stock(t, "B") != 5 {
		t.Fatalf("stock restored twice: A=%d B=%d", f.stock(t, "A"), f.stock(t, "B"))
	}
}

func TestNonCancellingStatusChangeIsIgnored(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	if _, err := f.svc.UpdateStatus(context.Background(), order.ID, models.StatusProcessing); err != nil {
		t.Fatalf("update: %v", err)
	}
	msg := f.lastOutbox(t, models.OrderStatusChangedQueue)

	ack := &fakeAck{}
	f.worker.Handle(context.Background(), models.OrderStatusChangedQueue, delivery(ack, msg.EventID, msg.Payload))
	if ack.acks != 1 || len(f.pub.events) != 0 {
		t.Fatalf("expected plain ack, got %+v and %d events", ack, len(f.pub.events))
	}
	if f.stock(t, "A") != 8 {
		t.Fatalf("stock must not change, got %d", f.stock(t, "A"))
	}
}

func TestLedgerSkipsProcessedMessages(t *testing.T) {
	ledger := &fakeLedger{seen: map[string]bool{}}
	f := newFixture(t, WithLedger(ledger))
	f.createOrder(t)
	msg := f.lastOutbox(t, models.OrderCreatedQueue)

	first, second := &fakeAck{}, &fakeAck{}
	f.worker.Handle(context.Background(), models.OrderCreatedQueue, delivery(first, msg.EventID, msg.Payload))
	f.worker.Handle(context.Background(), models.OrderCreatedQueue, delivery(second, msg.EventID, msg.Payload))

	if first.acks != 1 || second.acks != 1 {
		t.Fatalf("expected both deliveries acked, got %+v %+v", first, second)
	}
	if len(f.pub.events) != 2 {
		t.Fatalf("second delivery should be skipped, got %d events", len(f.pub.events))
	}
	if !ledger.seen[models.OrderCreatedQueue+":"+msg.EventID] {
		t.Fatalf("message not marked as processed")
	}
}

func TestFailedMessageIsNotMarked(t *testing.T) {
	ledger := &fakeLedger{seen: map[string]bool{}}
	f := newFixture(t, WithLedger(ledger))
	f.worker.Handle(context.Background(), models.OrderCreatedQueue, delivery(&fakeAck{}, "bad", []byte("nope")))
	if ledger.seen[models.OrderCreatedQueue+":bad"] {
		t.Fatalf("dropped message must not be marked")
	}
}

func TestRunReturnsWhenChannelCloses(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t)
	msg := f.lastOutbox(t, models.OrderCreatedQueue)

	ch := make(chan amqp.Delivery, 1)
	ack := &fakeAck{}
	ch <- delivery(ack, msg.EventID, msg.Payload)
	close(ch)

	err := f.worker.Run(context.Background(), models.OrderCreatedQueue, ch)
	if !errors.Is(err, ErrDeliveriesClosed) {
		t.Fatalf("expected ErrDeliveriesClosed, got %v", err)
	}
	if ack.acks != 1 {
		t.Fatalf("expected the buffered delivery to be handled, got %+v", ack)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx, models.OrderCreatedQueue, make(chan amqp.Delivery)) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop")
	}
}
