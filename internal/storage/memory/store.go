// Package memory is an in-process storage.Store. Transactions are fully
// serialised and rolled back from a snapshot on error.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/storage"
)

type state struct {
	products  map[string]models.Product
	orders    map[string]models.Order
	movements map[string]models.InventoryMovement
	outbox    []models.OutboxMessage
}

func (s state) clone() state {
	c := state{
		products:  make(map[string]models.Product, len(s.products)),
		orders:    make(map[string]models.Order, len(s.orders)),
		movements: make(map[string]models.InventoryMovement, len(s.movements)),
		outbox:    append([]models.OutboxMessage(nil), s.outbox...),
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = copyOrder(v)
	}
	for k, v := range s.movements {
		c.movements[k] = v
	}
	return c
}

type Store struct {
	mu     sync.Mutex
	st     state
	nextID int64
	relay  map[int64]*relayState
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		st: state{
			products:  make(map[string]models.Product),
			orders:    make(map[string]models.Order),
			movements: make(map[string]models.InventoryMovement),
		},
		relay: make(map[int64]*relayState),
	}
}

// AddProduct seeds or replaces a product.
func (s *Store) AddProduct(p models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

func (s *Store) Product(id string) (models.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.products[id]
	return p, ok
}

// Outbox returns a copy of the queued outbox messages in insertion order.
func (s *Store) Outbox() []models.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OutboxMessage(nil), s.st.outbox...)
}

func (s *Store) Movements() []models.InventoryMovement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.InventoryMovement, 0, len(s.st.movements))
	for _, m := range s.st.movements {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return apperrors.Transient("transaction not started", err)
	}
	snapshot := s.st.clone()
	if err := fn(&tx{s: s}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	if !ok {
		return nil, apperrors.NotFound("order %s not found", id)
	}
	c := copyOrder(o)
	return &c, nil
}

func (s *Store) ListOrders(ctx context.Context, filter models.OrderFilter, page models.Page) ([]models.Order, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []models.Order
	for _, o := range s.st.orders {
		if filter.UserID != "" && o.UserID != filter.UserID {
			continue
		}
		matched = append(matched, copyOrder(o))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	start := page.Offset()
	if start >= total {
		return []models.Order{}, total, nil
	}
	end := start + page.Size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

type tx struct {
	s *Store
}

func (t *tx) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	p, ok := t.s.st.products[id]
	if !ok {
		return nil, apperrors.NotFound("product %s not found", id)
	}
	return &p, nil
}

func (t *tx) DecrementStock(ctx context.Context, productID string, quantity int) (int, int, error) {
	if err := storage.CheckQuantity(productID, quantity); err != nil {
		return 0, 0, err
	}
	p, ok := t.s.st.products[productID]
	if !ok {
		return 0, 0, apperrors.NotFound("product %s not found", productID)
	}
	if p.Stock < quantity {
		return 0, 0, apperrors.InsufficientStock(productID, quantity, p.Stock)
	}
	old := p.Stock
	p.Stock -= quantity
	p.UpdatedAt = time.Now().UTC()
	t.s.st.products[productID] = p
	return old, p.Stock, nil
}

func (t *tx) IncrementStock(ctx context.Context, productID string, quantity int) (int, int, error) {
	if err := storage.CheckQuantity(productID, quantity); err != nil {
		return 0, 0, err
	}
	p, ok := t.s.st.products[productID]
	if !ok {
		return 0, 0, apperrors.NotFound("product %s not found", productID)
	}
	if quantity > models.MaxLineQuantity-p.Stock {
		return 0, 0, apperrors.Validation("stock for product %s would exceed %d", productID, models.MaxLineQuantity)
	}
	old := p.Stock
	p.Stock += quantity
	p.UpdatedAt = time.Now().UTC()
	t.s.st.products[productID] = p
	return old, p.Stock, nil
}

func (t *tx) InsertOrder(ctx context.Context, order *models.Order) error {
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	t.s.st.orders[order.ID] = copyOrder(*order)
	return nil
}

func (t *tx) GetOrderForUpdate(ctx context.Context, id string) (*models.Order, error) {
	o, ok := t.s.st.orders[id]
	if !ok {
		return nil, apperrors.NotFound("order %s not found", id)
	}
	c := copyOrder(o)
	return &c, nil
}

func (t *tx) SetOrderStatus(ctx context.Context, id string, status models.OrderStatus) error {
	o, ok := t.s.st.orders[id]
	if !ok {
		return apperrors.NotFound("order %s not found", id)
	}
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
	t.s.st.orders[id] = o
	return nil
}

func movementKey(orderID, productID, reason string) string {
	return orderID + "|" + productID + "|" + reason
}

func (t *tx) FindMovement(ctx context.Context, orderID, productID, reason string) (*models.InventoryMovement, error) {
	m, ok := t.s.st.movements[movementKey(orderID, productID, reason)]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (t *tx) InsertMovement(ctx context.Context, m *models.InventoryMovement) error {
	key := movementKey(m.OrderID, m.ProductID, m.Reason)
	if _, ok := t.s.st.movements[key]; ok {
		return apperrors.Transient("duplicate inventory movement "+key, nil)
	}
	m.CreatedAt = time.Now().UTC()
	t.s.st.movements[key] = *m
	return nil
}

func (t *tx) EnqueueOutbox(ctx context.Context, msg models.OutboxMessage) error {
	t.s.nextID++
	msg.ID = t.s.nextID
	msg.CreatedAt = time.Now().UTC()
	t.s.st.outbox = append(t.s.st.outbox, msg)
	return nil
}

func copyOrder(o models.Order) models.Order {
	o.Items = append([]models.OrderLine(nil), o.Items...)
	return o
}
