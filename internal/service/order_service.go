package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/inventory"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/storage"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/tracing"
)

// OrderService validates and reserves stock for new orders and drives
// status changes. Events are written to the outbox in the same transaction
// as the state they describe.
type OrderService struct {
	store  storage.Store
	logger *zap.Logger
	tracer trace.Tracer
}

func NewOrderService(store storage.Store, logger *zap.Logger) *OrderService {
	return &OrderService{store: store, logger: logger, tracer: otel.Tracer("orderflow/service")}
}

// CreateOrder creates a PENDING order and reserves its stock.
func (s *OrderService) CreateOrder(ctx context.Context, userID string, items []models.OrderItemRequest) (*models.Order, error) {
	ctx, span := s.tracer.Start(ctx, "CreateOrder", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	requested, err := mergeItems(items)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, apperrors.Validation("order requires a user")
	}

	order := &models.Order{
		ID:     uuid.NewString(),
		UserID: userID,
		Status: models.StatusPending,
	}

	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		order.Items = order.Items[:0]
		for _, item := range requested {
			product, err := tx.GetProduct(ctx, item.ProductID)
			if err != nil {
				return err
			}
			if product.Stock < item.Quantity {
				return apperrors.InsufficientStock(product.ID, item.Quantity, product.Stock)
			}
			order.Items = append(order.Items, models.OrderLine{
				ID:              uuid.NewString(),
				OrderID:         order.ID,
				ProductID:       product.ID,
				ProductName:     product.Name,
				Quantity:        item.Quantity,
				PriceAtPurchase: product.Price,
			})
		}
		order.TotalAmount = order.ComputeTotal()

		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		// The read above is only a fast check; the conditional decrement
		// is what keeps two orders from taking the same last unit.
		for _, line := range order.Items {
			if _, _, err := inventory.Reserve(ctx, tx, order.ID, line.ProductID, line.Quantity); err != nil {
				return err
			}
		}

		event := models.NewOrderCreatedEvent(order)
		return enqueue(ctx, tx, models.OrderCreatedQueue, event.EventID, event)
	})
	if err != nil {
		s.logger.Warn("❌ Order creation failed", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	s.logger.Info("✅ Order created",
		zap.String("order_id", order.ID),
		zap.String("user_id", userID),
		zap.String("total", order.TotalAmount.StringFixed(2)),
		zap.Int("lines", len(order.Items)),
	)
	return order, nil
}

// UpdateStatus moves an order to newStatus. Cancelling restores the stock
// of every reserved line in the same transaction.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID string, newStatus models.OrderStatus) (*models.Order, error) {
	ctx, span := s.tracer.Start(ctx, "UpdateOrderStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status", string(newStatus)),
	))
	defer span.End()

	if !newStatus.Valid() {
		return nil, apperrors.Validation("invalid order status %q", newStatus)
	}

	var (
		updated   *models.Order
		oldStatus models.OrderStatus
	)
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		oldStatus = order.Status
		updated = order

		if oldStatus == newStatus {
			return nil
		}
		if !oldStatus.CanTransition(newStatus) {
			return apperrors.InvalidTransition(string(oldStatus), string(newStatus))
		}

		if err := tx.SetOrderStatus(ctx, orderID, newStatus); err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		updated.Status = newStatus

		if newStatus == models.StatusCancelled {
			for _, line := range order.Items {
				if _, _, err := inventory.Restore(ctx, tx, order.ID, line.ProductID); err != nil {
					return fmt.Errorf("failed to restore stock for product %s: %w", line.ProductID, err)
				}
			}
		}

		event := models.NewOrderStatusChangedEvent(orderID, oldStatus, newStatus)
		return enqueue(ctx, tx, models.OrderStatusChangedQueue, event.EventID, event)
	})
	if err != nil {
		s.logger.Warn("❌ Order status update failed",
			zap.String("order_id", orderID),
			zap.String("status", string(newStatus)),
			zap.Error(err),
		)
		return nil, err
	}

	if oldStatus != newStatus {
		s.logger.Info("🔄 Order status changed",
			zap.String("order_id", orderID),
			zap.String("old_status", string(oldStatus)),
			zap.String("new_status", string(newStatus)),
		)
	}
	return updated, nil
}

// GetOrderByID returns the order to its owner or to an admin.
func (s *OrderService) GetOrderByID(ctx context.Context, orderID, requesterID string, role models.Role) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if role != models.RoleAdmin && order.UserID != requesterID {
		return nil, apperrors.Forbidden("you do not have permission to access order %s", orderID)
	}
	return order, nil
}

func (s *OrderService) ListOrdersForUser(ctx context.Context, userID string, page models.Page) (models.PaginatedResult[models.Order], error) {
	return s.list(ctx, models.OrderFilter{UserID: userID}, page)
}

func (s *OrderService) ListAllOrders(ctx context.Context, page models.Page) (models.PaginatedResult[models.Order], error) {
	return s.list(ctx, models.OrderFilter{}, page)
}

func (s *OrderService) list(ctx context.Context, filter models.OrderFilter, page models.Page) (models.PaginatedResult[models.Order], error) {
	page = page.Normalize()
	orders, total, err := s.store.ListOrders(ctx, filter, page)
	if err != nil {
		return models.PaginatedResult[models.Order]{}, fmt.Errorf("failed to list orders: %w", err)
	}
	return models.NewPaginatedResult(orders, total, page), nil
}

// mergeItems validates the request and folds repeated products into one line.
func mergeItems(items []models.OrderItemRequest) ([]models.OrderItemRequest, error) {
	if len(items) == 0 {
		return nil, apperrors.Validation("order must contain at least one item")
	}
	merged := make([]models.OrderItemRequest, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		if item.ProductID == "" {
			return nil, apperrors.Validation("order item is missing a product id")
		}
		if item.Quantity <= 0 {
			return nil, apperrors.Validation("quantity for product %s must be positive", item.ProductID)
		}
		if item.Quantity > models.MaxLineQuantity {
			return nil, apperrors.Validation("quantity for product %s exceeds %d", item.ProductID, models.MaxLineQuantity)
		}
		if i, ok := index[item.ProductID]; ok {
			if item.Quantity > models.MaxLineQuantity-merged[i].Quantity {
				return nil, apperrors.Validation("total quantity for product %s exceeds %d", item.ProductID, models.MaxLineQuantity)
			}
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}

func enqueue(ctx context.Context, tx storage.Tx, queue, eventID string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return tx.EnqueueOutbox(ctx, models.OutboxMessage{
		EventID: eventID,
		Queue:   queue,
		Payload: payload,
		Headers: tracing.InjectMap(ctx),
	})
}
