package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
)

const (
	OrderCreatedQueue       = "order.created"
	OrderStatusChangedQueue = "order.status.changed"
	InventoryUpdateQueue    = "inventory.update"
)

// Queues lists every durable queue the system declares.
var Queues = []string{OrderCreatedQueue, OrderStatusChangedQueue, InventoryUpdateQueue}

// Movement reasons. Manual adjustments come from admins and carry no order.
const (
	ReasonOrderCreated     = "order_created"
	ReasonOrderCancelled   = "order_cancelled"
	ReasonManualAdjustment = "manual_adjustment"
)

// OrderCreatedEvent is published when a new order is committed
type OrderCreatedEvent struct {
	EventID   string           `json:"eventId"`
	OrderID   string           `json:"orderId"`
	UserID    string           `json:"userId"`
	Items     []OrderItemEvent `json:"items"`
	Timestamp time.Time        `json:"timestamp"`
}

type OrderItemEvent struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// OrderStatusChangedEvent is published for every persisted status change
type OrderStatusChangedEvent struct {
	EventID   string      `json:"eventId"`
	OrderID   string      `json:"orderId"`
	OldStatus OrderStatus `json:"oldStatus"`
	NewStatus OrderStatus `json:"newStatus"`
	Timestamp time.Time   `json:"timestamp"`
}

// InventoryUpdateEvent reports a single stock movement
type InventoryUpdateEvent struct {
	EventID   string    `json:"eventId"`
	ProductID string    `json:"productId"`
	OldStock  int       `json:"oldStock"`
	NewStock  int       `json:"newStock"`
	Reason    string    `json:"reason"`
	OrderID   string    `json:"orderId"`
	Timestamp time.Time `json:"timestamp"`
}

func NewOrderCreatedEvent(order *Order) OrderCreatedEvent {
	event := OrderCreatedEvent{
		EventID:   uuid.NewString(),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Timestamp: time.Now().UTC(),
	}
	for _, item := range order.Items {
		event.Items = append(event.Items, OrderItemEvent{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}
	return event
}

func NewOrderStatusChangedEvent(orderID string, oldStatus, newStatus OrderStatus) OrderStatusChangedEvent {
	return OrderStatusChangedEvent{
		EventID:   uuid.NewString(),
		OrderID:   orderID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Timestamp: time.Now().UTC(),
	}
}

// NewInventoryUpdateEvent uses the movement id as event id so repeated
// publication of the same movement can be deduplicated downstream.
func NewInventoryUpdateEvent(m *InventoryMovement) InventoryUpdateEvent {
	return InventoryUpdateEvent{
		EventID:   m.ID,
		ProductID: m.ProductID,
		OldStock:  m.OldStock,
		NewStock:  m.NewStock,
		Reason:    m.Reason,
		OrderID:   m.OrderID,
		Timestamp: time.Now().UTC(),
	}
}

func (e OrderCreatedEvent) Validate() error {
	if e.OrderID == "" {
		return apperrors.Validation("order.created: missing orderId")
	}
	if len(e.Items) == 0 {
		return apperrors.Validation("order.created: order %s has no items", e.OrderID)
	}
	for _, item := range e.Items {
		if item.ProductID == "" {
			return apperrors.Validation("order.created: order %s has an item without productId", e.OrderID)
		}
		if item.Quantity <= 0 || item.Quantity > MaxLineQuantity {
			return apperrors.Validation("order.created: order %s has out-of-range quantity %d for %s", e.OrderID, item.Quantity, item.ProductID)
		}
	}
	return nil
}

func (e OrderStatusChangedEvent) Validate() error {
	if e.OrderID == "" {
		return apperrors.Validation("order.status.changed: missing orderId")
	}
	if !e.OldStatus.Valid() || !e.NewStatus.Valid() {
		return apperrors.Validation("order.status.changed: invalid status %q -> %q", e.OldStatus, e.NewStatus)
	}
	return nil
}

// DecodeOrderCreated parses and validates a message body.
func DecodeOrderCreated(body []byte) (OrderCreatedEvent, error) {
	var event OrderCreatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return event, apperrors.Poison("failed to parse order.created event", err)
	}
	if err := event.Validate(); err != nil {
		return event, err
	}
	return event, nil
}

func DecodeOrderStatusChanged(body []byte) (OrderStatusChangedEvent, error) {
	var event OrderStatusChangedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return event, apperrors.Poison("failed to parse order.status.changed event", err)
	}
	if err := event.Validate(); err != nil {
		return event, err
	}
	return event, nil
}
