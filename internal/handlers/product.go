package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
)

type ProductService interface {
	ListProducts(ctx context.Context, page models.Page) (models.PaginatedResult[models.Product], error)
	ListInStock(ctx context.Context, minStock int, page models.Page) (models.PaginatedResult[models.Product], error)
	Search(ctx context.Context, query string, page models.Page) (models.PaginatedResult[models.Product], error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	CreateProduct(ctx context.Context, req models.CreateProductRequest) (*models.Product, error)
	UpdateProduct(ctx context.Context, id string, req models.UpdateProductRequest) (*models.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	SetStock(ctx context.Context, id string, stock int) (*models.Product, error)
}

type ProductHandler struct {
	service ProductService
	logger  *zap.Logger
}

func NewProductHandler(service ProductService, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{
		service: service,
		logger:  logger,
	}
}

// Register mounts the catalog routes on r. Reads are public; writes are
// admin only.
func (h *ProductHandler) Register(r gin.IRouter) {
	products := r.Group("/products")
	products.GET("", h.ListProducts)
	products.GET("/in-stock", h.ListInStock)
	products.GET("/search", h.SearchProducts)
	products.GET("/:id", h.GetProduct)

	admin := products.Group("", requireAdmin)
	admin.POST("", h.CreateProduct)
	admin.PATCH("/:id", h.UpdateProduct)
	admin.DELETE("/:id", h.DeleteProduct)
	admin.PUT("/:id/stock", h.UpdateStock)
}

// ListProducts returns all products
func (h *ProductHandler) ListProducts(c *gin.Context) {
	result, err := h.service.ListProducts(c.Request.Context(), pageFromQuery(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListInStock returns products with at least minStock units (default 1).
func (h *ProductHandler) ListInStock(c *gin.Context) {
	minStock := 1
	if v := c.Query("minStock"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(c, h.logger, apperrors.Validation("minStock must be an integer"))
			return
		}
		minStock = n
	}
	result, err := h.service.ListInStock(c.Request.Context(), minStock, pageFromQuery(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *ProductHandler) SearchProducts(c *gin.Context) {
	result, err := h.service.Search(c.Request.Context(), c.Query("query"), pageFromQuery(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetProduct returns a single product
func (h *ProductHandler) GetProduct(c *gin.Context) {
	product, err := h.service.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

// CreateProduct creates a new product
func (h *ProductHandler) CreateProduct(c *gin.Context) {
	var req models.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	product, err := h.service.CreateProduct(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (h *ProductHandler) UpdateProduct(c *gin.Context) {
	var req models.UpdateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	product, err := h.service.UpdateProduct(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

// DeleteProduct removes a product. Products on existing orders answer 409.
func (h *ProductHandler) DeleteProduct(c *gin.Context) {
	if err := h.service.DeleteProduct(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Product deleted"})
}

func (h *ProductHandler) UpdateStock(c *gin.Context) {
	var req models.UpdateStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	product, err := h.service.SetStock(c.Request.Context(), c.Param("id"), *req.Stock)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, product)
}
