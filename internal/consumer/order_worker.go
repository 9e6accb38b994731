package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/inventory"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/storage"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/tracing"
)

const DefaultHandlerTimeout = 30 * time.Second

var ErrDeliveriesClosed = errors.New("delivery channel closed")

type Publisher interface {
	PublishInventoryUpdate(ctx context.Context, event models.InventoryUpdateEvent) error
}

// OrderCanceller cancels orders the worker cannot fulfil.
type OrderCanceller interface {
	UpdateStatus(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error)
}

// Ledger remembers which events were already processed per queue.
type Ledger interface {
	Seen(ctx context.Context, queue, eventID string) (bool, error)
	Mark(ctx context.Context, queue, eventID string) error
}

type Option func(*OrderWorker)

func WithLedger(l Ledger) Option {
	return func(w *OrderWorker) { w.ledger = l }
}

func WithHandlerTimeout(d time.Duration) Option {
	return func(w *OrderWorker) {
		if d > 0 {
			w.handlerTimeout = d
		}
	}
}

type OrderWorker struct {
	store          storage.Store
	publisher      Publisher
	canceller      OrderCanceller
	ledger         Ledger
	logger         *zap.Logger
	handlerTimeout time.Duration
	tracer         trace.Tracer
}

func NewOrderWorker(store storage.Store, publisher Publisher, canceller OrderCanceller, logger *zap.Logger, opts ...Option) *OrderWorker {
	w := &OrderWorker{
		store:          store,
		publisher:      publisher,
		canceller:      canceller,
		logger:         logger,
		handlerTimeout: DefaultHandlerTimeout,
		tracer:         otel.Tracer("orderflow/consumer"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes deliveries from queue one at a time until ctx is cancelled
// or the channel closes.
func (w *OrderWorker) Run(ctx context.Context, queue string, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%s: %w", queue, ErrDeliveriesClosed)
			}
			w.Handle(ctx, queue, msg)
		}
	}
}

// Handle processes a single delivery and settles it exactly once.
func (w *OrderWorker) Handle(ctx context.Context, queue string, msg amqp.Delivery) {
	log := w.logger.With(zap.String("queue", queue), zap.String("message_id", msg.MessageId))
	log.Info("📥 Received message")

	if w.alreadyProcessed(ctx, queue, msg.MessageId) {
		log.Info("⏭️ Message already processed, skipping")
		w.settle(log, msg, nil)
		return
	}

	ctx, span := w.tracer.Start(tracing.ExtractHeaders(ctx, msg.Headers), "consume "+queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", queue),
			attribute.String("messaging.message.id", msg.MessageId),
		),
	)
	defer span.End()

	hctx, cancel := context.WithTimeout(ctx, w.handlerTimeout)
	err := w.dispatch(hctx, queue, msg.Body)
	cancel()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if w.ledger != nil && msg.MessageId != "" {
		if markErr := w.ledger.Mark(ctx, queue, msg.MessageId); markErr != nil {
			log.Warn("⚠️ Failed to mark message as processed", zap.Error(markErr))
		}
	}
	w.settle(log, msg, err)
}

func (w *OrderWorker) dispatch(ctx context.Context, queue string, body []byte) error {
	switch queue {
	case models.OrderCreatedQueue:
		return w.HandleOrderCreated(ctx, body)
	case models.OrderStatusChangedQueue:
		return w.HandleOrderStatusChanged(ctx, body)
	default:
		return apperrors.Poison("no handler for queue "+queue, nil)
	}
}

func (w *OrderWorker) alreadyProcessed(ctx context.Context, queue, eventID string) bool {
	if w.ledger == nil || eventID == "" {
		return false
	}
	seen, err := w.ledger.Seen(ctx, queue, eventID)
	if err != nil {
		w.logger.Warn("⚠️ Processed-message lookup failed, processing anyway",
			zap.String("queue", queue), zap.String("message_id", eventID), zap.Error(err))
		return false
	}
	return seen
}

type disposition int

const (
	ack disposition = iota
	drop
	requeue
)

func classify(err error) disposition {
	if err == nil {
		return ack
	}
	if apperrors.Retryable(err) {
		return requeue
	}
	return drop
}

func (w *OrderWorker) settle(log *zap.Logger, msg amqp.Delivery, err error) {
	var settleErr error
	switch classify(err) {
	case ack:
		settleErr = msg.Ack(false)
		log.Info("✅ Message processed")
	case drop:
		settleErr = msg.Nack(false, false)
		log.Error("🗑️ Message dropped", zap.String("kind", string(apperrors.KindOf(err))), zap.Error(err))
	case requeue:
		settleErr = msg.Nack(false, true)
		log.Warn("🔁 Message requeued", zap.Error(err))
	}
	if settleErr != nil {
		log.Error("❌ Failed to settle message", zap.Error(settleErr))
	}
}

// HandleOrderCreated reserves stock for every item of a new order and
// reports one inventory update per item. Orders that cannot be fulfilled
// are cancelled.
func (w *OrderWorker) HandleOrderCreated(ctx context.Context, body []byte) error {
	event, err := models.DecodeOrderCreated(body)
	if err != nil {
		return err
	}
	log := w.logger.With(zap.String("order_id", event.OrderID))
	log.Info("📦 Processing new order", zap.Int("items", len(event.Items)))

	var movements []*models.InventoryMovement
	err = w.store.InTx(ctx, func(tx storage.Tx) error {
		movements = nil
		order, err := tx.GetOrderForUpdate(ctx, event.OrderID)
		if err != nil {
			return err
		}
		if order.Status == models.StatusCancelled {
			log.Info("⏭️ Order already cancelled, nothing to reserve")
			return nil
		}
		for _, item := range event.Items {
			m, applied, err := inventory.Reserve(ctx, tx, event.OrderID, item.ProductID, item.Quantity)
			if err != nil {
				return err
			}
			if applied {
				log.Info("✅ Reduced inventory",
					zap.String("product_id", item.ProductID),
					zap.Int("quantity", item.Quantity),
					zap.Int("new_stock", m.NewStock),
				)
			}
			movements = append(movements, m)
		}
		return nil
	})
	if err != nil {
		if !apperrors.Retryable(err) {
			w.compensate(ctx, log, event.OrderID, err)
		}
		return err
	}

	return w.publishMovements(ctx, movements)
}

// HandleOrderStatusChanged restores stock when an order is cancelled.
func (w *OrderWorker) HandleOrderStatusChanged(ctx context.Context, body []byte) error {
	event, err := models.DecodeOrderStatusChanged(body)
	if err != nil {
		return err
	}
	if event.NewStatus != models.StatusCancelled || event.OldStatus == models.StatusCancelled {
		return nil
	}
	log := w.logger.With(zap.String("order_id", event.OrderID))
	log.Info("↩️ Restoring stock for cancelled order")

	var movements []*models.InventoryMovement
	err = w.store.InTx(ctx, func(tx storage.Tx) error {
		movements = nil
		order, err := tx.GetOrderForUpdate(ctx, event.OrderID)
		if err != nil {
			return err
		}
		if order.Status != models.StatusCancelled {
			log.Warn("⚠️ Order is not cancelled, leaving stock alone", zap.String("status", string(order.Status)))
			return nil
		}
		for _, line := range order.Items {
			m, applied, err := inventory.Restore(ctx, tx, order.ID, line.ProductID)
			if err != nil {
				return err
			}
			if m == nil {
				continue
			}
			if applied {
				log.Info("✅ Restored inventory",
					zap.String("product_id", line.ProductID),
					zap.Int("quantity", m.Quantity),
					zap.Int("new_stock", m.NewStock),
				)
			}
			movements = append(movements, m)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return w.publishMovements(ctx, movements)
}

func (w *OrderWorker) publishMovements(ctx context.Context, movements []*models.InventoryMovement) error {
	for _, m := range movements {
		if err := w.publisher.PublishInventoryUpdate(ctx, models.NewInventoryUpdateEvent(m)); err != nil {
			return apperrors.Transient("failed to publish inventory update for product "+m.ProductID, err)
		}
	}
	return nil
}

// compensate cancels an order whose stock could not be reserved. Failure is
// logged; the original error still decides the message's fate.
func (w *OrderWorker) compensate(ctx context.Context, log *zap.Logger, orderID string, cause error) {
	if w.canceller == nil || apperrors.Is(cause, apperrors.KindPoison) || apperrors.Is(cause, apperrors.KindValidation) {
		return
	}
	log.Warn("🚫 Cancelling order that cannot be fulfilled", zap.Error(cause))
	if _, err := w.canceller.UpdateStatus(ctx, orderID, models.StatusCancelled); err != nil {
		log.Error("❌ Compensation failed", zap.Error(err))
	}
}
