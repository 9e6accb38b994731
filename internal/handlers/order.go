package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperrors"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
)

// OrderService is the part of service.OrderService the HTTP layer needs.
type OrderService interface {
	CreateOrder(ctx context.Context, userID string, items []models.OrderItemRequest) (*models.Order, error)
	UpdateStatus(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error)
	GetOrderByID(ctx context.Context, orderID, requesterID string, role models.Role) (*models.Order, error)
	ListOrdersForUser(ctx context.Context, userID string, page models.Page) (models.PaginatedResult[models.Order], error)
	ListAllOrders(ctx context.Context, page models.Page) (models.PaginatedResult[models.Order], error)
}

type OrderHandler struct {
	service OrderService
	logger  *zap.Logger
}

func NewOrderHandler(service OrderService, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		service: service,
		logger:  logger,
	}
}

// Register mounts the order routes on r.
func (h *OrderHandler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	orders := r.Group("/orders", requireUser)
	orders.POST("", h.CreateOrder)
	orders.GET("", h.ListOrders)
	orders.GET("/me", h.ListMyOrders)
	orders.GET("/:id", h.GetOrder)
	orders.PATCH("/:id/status", h.UpdateOrderStatus)
}

// HealthCheck returns server status
func (h *OrderHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "order-service"})
}

func (h *OrderHandler) fail(c *gin.Context, err error) {
	writeError(c, h.logger, err)
}

// CreateOrder creates a new order
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, _ := requester(c)
	order, err := h.service.CreateOrder(c.Request.Context(), userID, req.Items)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// ListOrders returns every order. Admin only.
func (h *OrderHandler) ListOrders(c *gin.Context) {
	if _, role := requester(c); role != models.RoleAdmin {
		h.fail(c, apperrors.Forbidden("admin access required"))
		return
	}
	result, err := h.service.ListAllOrders(c.Request.Context(), pageFromQuery(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *OrderHandler) ListMyOrders(c *gin.Context) {
	userID, _ := requester(c)
	result, err := h.service.ListOrdersForUser(c.Request.Context(), userID, pageFromQuery(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetOrder returns a single order with items
func (h *OrderHandler) GetOrder(c *gin.Context) {
	userID, role := requester(c)
	order, err := h.service.GetOrderByID(c.Request.Context(), c.Param("id"), userID, role)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// UpdateOrderStatus updates the order status. Only admins may change status.
func (h *OrderHandler) UpdateOrderStatus(c *gin.Context) {
	if _, role := requester(c); role != models.RoleAdmin {
		h.fail(c, apperrors.Forbidden("only admins can change order status"))
		return
	}

	var req models.UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := models.ParseOrderStatus(req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}

	order, err := h.service.UpdateStatus(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
