package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/storage"
)

// ProductStore is the storage a ProductService needs: catalog writes plus
// transactions for stock changes.
type ProductStore interface {
	storage.Store
	storage.Catalog
}

// ProductCache is a read-through cache for single products.
type ProductCache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, id string) (*models.Product, error)
	Set(ctx context.Context, p *models.Product) error
	Invalidate(ctx context.Context, id string) error
}

type ProductOption func(*ProductService)

func WithProductCache(c ProductCache) ProductOption {
	return func(s *ProductService) { s.cache = c }
}

// ProductService manages the catalog. Stock levels set here go through the
// same row-level primitives as orders and are reported on inventory.update.
type ProductService struct {
	store  ProductStore
	cache  ProductCache
	logger *zap.Logger
	tracer trace.Tracer
}

func NewProductService(store ProductStore, logger *zap.Logger, opts ...ProductOption) *ProductService {
	s := &ProductService{store: store, logger: logger, tracer: otel.Tracer("orderflow/service")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ProductService) ListProducts(ctx context.Context, page models.Page) (models.PaginatedResult[models.Product], error) {
	return s.list(ctx, models.ProductFilter{}, page)
}

// ListInStock returns products with at least minStock units.
func (s *ProductService) ListInStock(ctx context.Context, minStock int, page models.Page) (models.PaginatedResult[models.Product], error) {
	if minStock < 0 {
		return models.PaginatedResult[models.Product]{}, apperrors.Validation("minStock must not be negative")
	}
	return s.list(ctx, models.ProductFilter{MinStock: minStock}, page)
}

func (s *ProductService) Search(ctx context.Context, query string, page models.Page) (models.PaginatedResult[models.Product], error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return models.PaginatedResult[models.Product]{}, apperrors.Validation("search query cannot be empty")
	}
	return s.list(ctx, models.ProductFilter{Query: query}, page)
}

func (s *ProductService) list(ctx context.Context, filter models.ProductFilter, page models.Page) (models.PaginatedResult[models.Product], error) {
	page = page.Normalize()
	products, total, err := s.store.ListProducts(ctx, filter, page)
	if err != nil {
		return models.PaginatedResult[models.Product]{}, err
	}
	return models.NewPaginatedResult(products, total, page), nil
}

// GetProduct reads through the cache. Cache failures fall back to the store.
func (s *ProductService) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, id)
		if err != nil {
			s.logger.Warn("⚠️ Cache error", zap.String("product_id", id), zap.Error(err))
		}
		if cached != nil {
			return cached, nil
		}
	}

	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, p); err != nil {
			s.logger.Warn("⚠️ Failed to cache product", zap.String("product_id", id), zap.Error(err))
		}
	}
	return p, nil
}

func (s *ProductService) CreateProduct(ctx context.Context, req models.CreateProductRequest) (*models.Product, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperrors.Validation("product name is required")
	}
	if !req.Price.IsPositive() {
		return nil, apperrors.Validation("price must be greater than zero")
	}
	if req.Stock == nil {
		return nil, apperrors.Validation("stock is required")
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := storage.CheckStockLevel(id, *req.Stock); err != nil {
		return nil, err
	}

	p := &models.Product{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Stock:       *req.Stock,
	}
	if err := s.store.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("✅ Product created", zap.String("product_id", p.ID), zap.String("name", p.Name), zap.Int("stock", p.Stock))
	return p, nil
}

func (s *ProductService) UpdateProduct(ctx context.Context, id string, req models.UpdateProductRequest) (*models.Product, error) {
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, apperrors.Validation("product name cannot be empty")
	}
	if req.Price != nil && !req.Price.IsPositive() {
		return nil, apperrors.Validation("price must be greater than zero")
	}
	p, err := s.store.UpdateProduct(ctx, id, req)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return p, nil
}

// DeleteProduct removes a product that no order refers to.
func (s *ProductService) DeleteProduct(ctx context.Context, id string) error {
	if err := s.store.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	s.logger.Info("🗑️ Product deleted", zap.String("product_id", id))
	return nil
}

// SetStock overwrites the stock level and queues an inventory update in the
// same transaction. Setting the current level changes nothing.
func (s *ProductService) SetStock(ctx context.Context, id string, stock int) (*models.Product, error) {
	ctx, span := s.tracer.Start(ctx, "SetProductStock", trace.WithAttributes(
		attribute.String("product.id", id),
		attribute.Int("product.stock", stock),
	))
	defer span.End()

	if err := storage.CheckStockLevel(id, stock); err != nil {
		return nil, err
	}

	var oldStock int
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		oldStock, _, err = tx.SetStock(ctx, id, stock)
		if err != nil {
			return err
		}
		if oldStock == stock {
			return nil
		}
		event := models.InventoryUpdateEvent{
			EventID:   uuid.NewString(),
			ProductID: id,
			OldStock:  oldStock,
			NewStock:  stock,
			Reason:    models.ReasonManualAdjustment,
			Timestamp: time.Now().UTC(),
		}
		return enqueue(ctx, tx, models.InventoryUpdateQueue, event.EventID, event)
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)

	if oldStock != stock {
		s.logger.Info("📦 Stock set",
			zap.String("product_id", id),
			zap.Int("old_stock", oldStock),
			zap.Int("new_stock", stock),
		)
	}
	return s.store.GetProduct(ctx, id)
}

func (s *ProductService) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.Warn("⚠️ Failed to invalidate cached product", zap.String("product_id", id), zap.Error(err))
	}
}
