package models

import "time"

// InventoryMovement is one applied stock delta. There is at most one per
// order, product and reason.
type InventoryMovement struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	ProductID string    `json:"product_id"`
	Reason    string    `json:"reason"`
	Quantity  int       `json:"quantity"`
	OldStock  int       `json:"old_stock"`
	NewStock  int       `json:"new_stock"`
	CreatedAt time.Time `json:"created_at"`
}

// OutboxMessage is an event waiting to be relayed to the broker.
type OutboxMessage struct {
	ID        int64
	EventID   string
	Queue     string
	Payload   []byte
	Headers   map[string]string
	Attempts  int
	LastError string
	CreatedAt time.Time
}
