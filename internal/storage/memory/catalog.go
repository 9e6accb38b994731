package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/storage"
)

var _ storage.Catalog = (*Store)(nil)

func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.products[p.ID]; ok {
		return apperrors.Conflict("product %s already exists", p.ID)
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.st.products[p.ID] = *p
	return nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.products[id]
	if !ok {
		return nil, apperrors.NotFound("product %s not found", id)
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context, filter models.ProductFilter, page models.Page) ([]models.Product, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := strings.ToLower(filter.Query)
	var matched []models.Product
	for _, p := range s.st.products {
		if p.Stock < filter.MinStock {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(p.Name), query) &&
			!strings.Contains(strings.ToLower(p.Description), query) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Name == matched[j].Name {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Name < matched[j].Name
	})
	total := len(matched)
	start := page.Offset()
	if start >= total {
		return []models.Product{}, total, nil
	}
	end := min(start+page.Size, total)
	return matched[start:end], total, nil
}

func (s *Store) UpdateProduct(ctx context.Context, id string, req models.UpdateProductRequest) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.products[id]
	if !ok {
		return nil, apperrors.NotFound("product %s not found", id)
	}
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Price != nil {
		p.Price = *req.Price
	}
	p.UpdatedAt = time.Now().UTC()
	s.st.products[id] = p
	return &p, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.products[id]; !ok {
		return apperrors.NotFound("product %s not found", id)
	}
	for _, o := range s.st.orders {
		for _, line := range o.Items {
			if line.ProductID == id {
				return apperrors.Conflict("product %s is referenced by order %s", id, o.ID)
			}
		}
	}
	delete(s.st.products, id)
	return nil
}

func (t *tx) SetStock(ctx context.Context, productID string, stock int) (int, int, error) {
	if err := storage.CheckStockLevel(productID, stock); err != nil {
		return 0, 0, err
	}
	p, ok := t.s.st.products[productID]
	if !ok {
		return 0, 0, apperrors.NotFound("product %s not found", productID)
	}
	old := p.Stock
	p.Stock = stock
	p.UpdatedAt = time.Now().UTC()
	t.s.st.products[productID] = p
	return old, stock, nil
}
